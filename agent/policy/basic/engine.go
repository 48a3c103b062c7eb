// Package basic provides a rule-based policy.Engine: allow/block by tool id
// or tag, optional retry-hint-driven restriction, and cap passthrough.
// cmd/agentrun wires it as its policy; agent/runtime applies no Engine
// when Config.Policy is nil.
package basic

import (
	"context"
	"strings"

	"github.com/levelcode/agentkit/agent/policy"
	"github.com/levelcode/agentkit/agent/tools"
)

// Options configures a basic Engine.
type Options struct {
	AllowTags  []string
	BlockTags  []string
	AllowTools []string
	BlockTools []string
	// DisableRetryHints turns off RestrictToTool/tool_unavailable handling,
	// leaving cap/label bookkeeping as the engine's only behavior.
	DisableRetryHints bool
	Label             string
}

// Engine is a rule-based policy.Engine.
type Engine struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[tools.Ident]struct{}
	blockTools map[tools.Ident]struct{}

	honorHints bool
	label      string
}

var _ policy.Engine = (*Engine)(nil)

// New constructs an Engine. With no filters configured, New still forces
// honorHints on so the engine always does something besides pass every
// tool through unchanged.
func New(opts Options) (*Engine, error) {
	e := &Engine{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toIdentSet(opts.AllowTools),
		blockTools: toIdentSet(opts.BlockTools),
		honorHints: !opts.DisableRetryHints,
		label:      opts.Label,
	}
	if e.label == "" {
		e.label = "basic"
	}
	if len(e.allowTags) == 0 && len(e.blockTags) == 0 && len(e.allowTools) == 0 && len(e.blockTools) == 0 {
		e.honorHints = true
	}
	return e, nil
}

// Decide implements policy.Engine.
func (e *Engine) Decide(_ context.Context, input policy.Input) (policy.Decision, error) {
	meta := indexMetadata(input.Tools)
	candidates := candidateHandles(input, meta)

	allowed := e.filterAllowed(candidates, meta)
	caps := input.RemainingCaps

	if e.honorHints {
		allowed, caps = e.applyRetryHint(allowed, meta, caps, input.RetryHint)
	}

	labels := map[string]string{"policy_engine": e.label}
	for k, v := range input.Labels {
		labels[k] = v
	}

	return policy.Decision{
		AllowedTools: allowed,
		Caps:         caps,
		DisableTools: caps.MaxToolCalls > 0 && caps.RemainingToolCalls <= 0,
		Labels:       labels,
		Metadata:     map[string]any{"candidate_count": len(candidates)},
	}, nil
}

func (e *Engine) filterAllowed(handles []tools.Ident, meta map[tools.Ident]policy.ToolMetadata) []tools.Ident {
	seen := make(map[tools.Ident]struct{}, len(handles))
	out := make([]tools.Ident, 0, len(handles))
	for _, h := range handles {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if e.isAllowed(h, meta) {
			out = append(out, h)
		}
	}
	return out
}

func (e *Engine) isAllowed(id tools.Ident, meta map[tools.Ident]policy.ToolMetadata) bool {
	m := meta[id]
	if _, blocked := e.blockTools[id]; blocked {
		return false
	}
	if len(e.blockTags) > 0 {
		for _, tag := range m.Tags {
			if _, blocked := e.blockTags[tag]; blocked {
				return false
			}
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[id]
		return ok
	}
	if len(e.allowTags) > 0 {
		for _, tag := range m.Tags {
			if _, ok := e.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

func (e *Engine) applyRetryHint(
	allowed []tools.Ident, meta map[tools.Ident]policy.ToolMetadata,
	caps policy.CapsState, hint *policy.RetryHint,
) ([]tools.Ident, policy.CapsState) {
	if hint == nil || hint.Tool == "" {
		return allowed, caps
	}
	switch {
	case hint.RestrictToTool:
		if _, ok := meta[hint.Tool]; ok {
			allowed = []tools.Ident{hint.Tool}
			caps.RemainingToolCalls = limitCap(caps.RemainingToolCalls, 1)
		} else {
			allowed = nil
		}
	case hint.Reason == policy.RetryReasonToolUnavailable:
		allowed = removeHandle(allowed, hint.Tool)
	}
	return allowed, caps
}

func candidateHandles(input policy.Input, meta map[tools.Ident]policy.ToolMetadata) []tools.Ident {
	if len(input.Requested) > 0 {
		return cloneHandles(input.Requested)
	}
	handles := make([]tools.Ident, 0, len(meta))
	for id := range meta {
		handles = append(handles, id)
	}
	return handles
}

func removeHandle(handles []tools.Ident, id tools.Ident) []tools.Ident {
	filtered := handles[:0]
	for _, h := range handles {
		if h == id {
			continue
		}
		filtered = append(filtered, h)
	}
	return filtered
}

func cloneHandles(handles []tools.Ident) []tools.Ident {
	dup := make([]tools.Ident, len(handles))
	copy(dup, handles)
	return dup
}

func indexMetadata(list []policy.ToolMetadata) map[tools.Ident]policy.ToolMetadata {
	index := make(map[tools.Ident]policy.ToolMetadata, len(list))
	for _, m := range list {
		index[m.ID] = m
	}
	return index
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func toIdentSet(values []string) map[tools.Ident]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[tools.Ident]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[tools.Ident(trimmed)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func limitCap(current, limit int) int {
	if limit <= 0 {
		return current
	}
	if current == 0 || current > limit {
		return limit
	}
	return current
}
