package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/levelcode/agentkit/agent"
)

func tmpl(id string) *agent.Template {
	parsed, err := agent.ParseAgentID(id)
	if err != nil {
		panic(err)
	}
	return &agent.Template{ID: parsed, Model: "test-model"}
}

type fakeRemote map[string]*agent.Template

func (f fakeRemote) Fetch(ctx context.Context, fullID string) (*agent.Template, bool, error) {
	t, ok := f[fullID]
	return t, ok, nil
}

func TestRegistry_PrecedenceLocalOverBundledOverRemote(t *testing.T) {
	reg := New(fakeRemote{"levelcode/worker": tmpl("levelcode/worker")})
	require.NoError(t, reg.LoadBundle(tmpl("levelcode/worker")))

	local := tmpl("levelcode/worker")
	local.DisplayName = "local override"
	require.NoError(t, reg.RegisterLocal(agent.PrivilegedPublisher, local))

	got, ok := reg.Lookup(context.Background(), "levelcode/worker")
	require.True(t, ok)
	require.Equal(t, "local override", got.DisplayName)
}

func TestRegistry_FallsBackToBundledThenRemote(t *testing.T) {
	reg := New(fakeRemote{"acme/remote-only": tmpl("acme/remote-only")})
	require.NoError(t, reg.LoadBundle(tmpl("acme/bundled")))

	got, ok := reg.Lookup(context.Background(), "acme/bundled")
	require.True(t, ok)
	require.Equal(t, "acme/bundled", got.ID.FullID())

	got, ok = reg.Lookup(context.Background(), "acme/remote-only")
	require.True(t, ok)
	require.Equal(t, "acme/remote-only", got.ID.FullID())

	_, ok = reg.Lookup(context.Background(), "acme/nowhere")
	require.False(t, ok)
}

func TestRegistry_RemoteHitIsCached(t *testing.T) {
	remote := fakeRemote{"acme/worker": tmpl("acme/worker")}
	reg := New(remote)

	_, ok := reg.Lookup(context.Background(), "acme/worker")
	require.True(t, ok)

	delete(remote, "acme/worker")

	got, ok := reg.Lookup(context.Background(), "acme/worker")
	require.True(t, ok, "a cached remote hit must survive the backing store changing underneath it")
	require.Equal(t, "acme/worker", got.ID.FullID())

	reg.InvalidateCache("acme/worker")
	_, ok = reg.Lookup(context.Background(), "acme/worker")
	require.False(t, ok, "InvalidateCache must force the next lookup to re-fetch")
}

func TestRegistry_NonPrivilegedCannotRegisterUnderAnotherPublisher(t *testing.T) {
	reg := New(nil)
	err := reg.RegisterLocal("acme", tmpl("other/worker"))
	require.Error(t, err)
}

func TestRegistry_NonPrivilegedCannotImpersonateBundledID(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.LoadBundle(tmpl("acme/worker")))

	err := reg.RegisterLocal("acme", tmpl("acme/worker"))
	require.Error(t, err, "a non-privileged publisher must not override a bundled template id")
}

func TestRegistry_PrivilegedPublisherMayOverrideBundled(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.LoadBundle(tmpl("levelcode/worker")))

	override := tmpl("levelcode/worker")
	override.DisplayName = "privileged override"
	require.NoError(t, reg.RegisterLocal(agent.PrivilegedPublisher, override))

	got, ok := reg.Lookup(context.Background(), "levelcode/worker")
	require.True(t, ok)
	require.Equal(t, "privileged override", got.DisplayName)
}

func TestRegistry_InvalidIDLookupMisses(t *testing.T) {
	reg := New(nil)
	_, ok := reg.Lookup(context.Background(), "Not A Valid--ID")
	require.False(t, ok)
}
