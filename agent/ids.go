// Package agent holds the core data model shared by every component of the
// orchestration runtime: agent templates, message history, agent state, and
// tool call/result records.
package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// PrivilegedPublisher is the only publisher allowed to bypass free-tier
// checks and whose namespace non-privileged publishers may not impersonate.
const PrivilegedPublisher = "levelcode"

var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// AgentID is a parsed `[publisher/]id[@version]` reference.
type AgentID struct {
	Publisher string
	ID        string
	Version   string
}

// String reassembles the canonical form of the identifier.
func (a AgentID) String() string {
	var b strings.Builder
	if a.Publisher != "" {
		b.WriteString(a.Publisher)
		b.WriteByte('/')
	}
	b.WriteString(a.ID)
	if a.Version != "" {
		b.WriteByte('@')
		b.WriteString(a.Version)
	}
	return b.String()
}

// FullID is the publisher-qualified identifier without version, the key
// templates are registered and looked up under.
func (a AgentID) FullID() string {
	if a.Publisher == "" {
		return a.ID
	}
	return a.Publisher + "/" + a.ID
}

// ParseAgentID parses `[publisher/]id[@version]`. Both the bare id and
// the publisher segment (when present) must satisfy the identifier
// grammar: lowercase alphanumerics and hyphens, no leading/trailing hyphen,
// no double hyphens, length 1-64.
func ParseAgentID(raw string) (AgentID, error) {
	if raw == "" {
		return AgentID{}, fmt.Errorf("agent id: empty")
	}
	rest := raw
	var publisher string
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		publisher = rest[:idx]
		rest = rest[idx+1:]
		if strings.IndexByte(rest, '/') >= 0 {
			return AgentID{}, fmt.Errorf("agent id %q: more than one publisher separator", raw)
		}
		if err := validateSegment(publisher); err != nil {
			return AgentID{}, fmt.Errorf("agent id %q: publisher: %w", raw, err)
		}
	}
	var version string
	if idx := strings.IndexByte(rest, '@'); idx >= 0 {
		version = rest[idx+1:]
		rest = rest[:idx]
		if version == "" {
			return AgentID{}, fmt.Errorf("agent id %q: empty version", raw)
		}
	}
	if err := validateSegment(rest); err != nil {
		return AgentID{}, fmt.Errorf("agent id %q: %w", raw, err)
	}
	return AgentID{Publisher: publisher, ID: rest, Version: version}, nil
}

func validateSegment(s string) error {
	if len(s) == 0 || len(s) > 64 {
		return fmt.Errorf("length must be 1-64, got %d", len(s))
	}
	if !idPattern.MatchString(s) {
		return fmt.Errorf("must match %s", idPattern.String())
	}
	return nil
}

// IsPrivileged reports whether the identifier belongs to the privileged
// publisher namespace.
func (a AgentID) IsPrivileged() bool {
	return a.Publisher == PrivilegedPublisher
}

// NewRunID mints a fresh run identifier.
func NewRunID() string { return "run-" + uuid.NewString() }

// NewAgentStateID mints a fresh agent-state (instance) identifier.
func NewAgentStateID() string { return "agt-" + uuid.NewString() }

// NewToolCallID mints a fresh tool-call identifier not derived from an
// embedded-tag parse (those use the "xml-" prefix minted by streamparse).
func NewToolCallID() string { return "tc-" + uuid.NewString() }
