// Package registry resolves publisher/id@version agent identifiers to
// agent.Template values. Lookup order is local override, then bundled
// template, then (on miss) a remote store.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/levelcode/agentkit/agent"
)

// RemoteStore is the external, shared-database tier consulted on a
// local/bundled miss. agent/registry/remote implements this against Redis.
type RemoteStore interface {
	// Fetch resolves fullID (AgentID.FullID(), i.e. without a version
	// suffix) against the remote store. ok is false on a clean miss;
	// err is reserved for transport/decode failures.
	Fetch(ctx context.Context, fullID string) (*agent.Template, bool, error)
}

// Registry is the concurrent-safe, process-local view of every Template a
// running application can spawn or start. It satisfies agent/spawn's
// TemplateLookup.
type Registry struct {
	mu      sync.RWMutex
	local   map[string]*agent.Template
	bundled map[string]*agent.Template
	cache   map[string]*agent.Template

	remote RemoteStore
}

// New constructs an empty Registry. remote may be nil, in which case a
// local/bundled miss is a plain miss.
func New(remote RemoteStore) *Registry {
	return &Registry{
		local:   make(map[string]*agent.Template),
		bundled: make(map[string]*agent.Template),
		cache:   make(map[string]*agent.Template),
		remote:  remote,
	}
}

// LoadBundle installs tmpl into the read-only bundled tier, as
// agent/registry/bundle does for every template a YAML bundle declares.
// Replaces any template previously bundled under the same id.
func (r *Registry) LoadBundle(tmpl *agent.Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundled[tmpl.ID.FullID()] = tmpl
	return nil
}

// RegisterLocal installs tmpl as a local override on behalf of
// callerPublisher. A non-privileged caller may only publish under its own
// publisher namespace, and may not register an id already claimed by the
// bundled tier — the bundled-impersonation guard applies even to ids the
// caller would otherwise be allowed to publish under.
func (r *Registry) RegisterLocal(callerPublisher string, tmpl *agent.Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	id := tmpl.ID
	privileged := callerPublisher == agent.PrivilegedPublisher
	if !privileged {
		if id.Publisher == "" {
			return fmt.Errorf("agent registry: publisher %q must register templates under its own namespace", callerPublisher)
		}
		if id.Publisher != callerPublisher {
			return fmt.Errorf("agent registry: publisher %q may not register templates under publisher %q", callerPublisher, id.Publisher)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !privileged {
		if _, ok := r.bundled[id.FullID()]; ok {
			return fmt.Errorf("agent registry: %q is a bundled template id and cannot be overridden by publisher %q", id.FullID(), callerPublisher)
		}
	}
	r.local[id.FullID()] = tmpl
	return nil
}

// Lookup resolves id (a bare id, a publisher/id pair, or either with an
// @version suffix ParseAgentID accepts) through the local, bundled, cache,
// then remote tiers, in that order. A remote hit is cached for subsequent
// lookups; a remote miss or parse failure returns (nil, false).
func (r *Registry) Lookup(ctx context.Context, id string) (*agent.Template, bool) {
	parsed, err := agent.ParseAgentID(id)
	if err != nil {
		return nil, false
	}
	full := parsed.FullID()

	if tmpl, ok := r.lookupLocalTiers(full); ok {
		return tmpl, true
	}
	if r.remote == nil {
		return nil, false
	}

	tmpl, ok, err := r.remote.Fetch(ctx, full)
	if err != nil || !ok {
		return nil, false
	}
	r.mu.Lock()
	r.cache[full] = tmpl
	r.mu.Unlock()
	return tmpl, true
}

func (r *Registry) lookupLocalTiers(full string) (*agent.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tmpl, ok := r.local[full]; ok {
		return tmpl, true
	}
	if tmpl, ok := r.bundled[full]; ok {
		return tmpl, true
	}
	if tmpl, ok := r.cache[full]; ok {
		return tmpl, true
	}
	return nil, false
}

// InvalidateCache drops full's cached remote lookup, if any, so the next
// Lookup re-fetches it. Used when a remote-backed store reports a template
// was updated or removed upstream (e.g. agent/registry/remote's
// subscription callback).
func (r *Registry) InvalidateCache(full string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, full)
}
