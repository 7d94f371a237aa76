package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/registry"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/runtime"
)

func TestNewRequiresFactory(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestStartRequiresRepository(t *testing.T) {
	m, err := New(Deps{Factory: newScriptedFactory()}, Config{})
	require.NoError(t, err)
	defer m.Close()
	assert.Error(t, m.Start(context.Background()))
}

func TestApplyCreatesOnlyEnabledPluginsWithBundles(t *testing.T) {
	f := newFleet(t, quickConfig())

	noBundle := testManifest("acme.empty")
	noBundle.Bundle = manifest.Bundle{}

	changes := f.m.Apply([]registry.Record{
		record(testManifest("acme.a"), true),
		record(testManifest("acme.b"), false),
		record(noBundle, true),
	})
	assert.Equal(t, []string{"acme.a"}, changes.Created)

	infos := f.m.Runtimes()
	require.Len(t, infos, 1)
	assert.Equal(t, "acme.a", infos[0].PluginID)
	assert.Equal(t, runtime.StatusIdle, infos[0].Status)
	assert.Equal(t, "closed", infos[0].Breaker)
	assert.Equal(t, 1, f.rec.bucket(runtime.StatusIdle))
	assert.Zero(t, f.factory.startsFor("acme.a"), "hosts start lazily")

	assert.True(t, f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)}).Empty())
}

func TestCallForwardsToHost(t *testing.T) {
	f := newFleet(t, quickConfig())
	sub := f.m.Subscribe(16)
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})

	v, err := f.m.Call(context.Background(), "acme.a", "echo", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"location": "acme.a/main.js", "args": map[string]any{"x": 1.0}}, v)

	assert.Equal(t, runtime.StatusLoading, nextStatus(t, sub, "acme.a"))
	assert.Equal(t, runtime.StatusReady, nextStatus(t, sub, "acme.a"))
	assert.Eventually(t, func() bool { return f.rec.bucket(runtime.StatusReady) == 1 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, f.rec.bucket(runtime.StatusIdle))

	_, err = f.m.Call(context.Background(), "acme.missing", "echo", nil)
	assert.ErrorIs(t, err, protocol.ErrRuntimeNotLoaded)
	assert.ErrorIs(t, f.m.Reload(context.Background(), "acme.missing"), protocol.ErrRuntimeNotLoaded)
}

func TestApplyUpdatesInPlace(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})
	_, err := f.m.Call(context.Background(), "acme.a", "echo", nil)
	require.NoError(t, err)

	next := testManifest("acme.a")
	next.Version = "1.1.0"
	changes := f.m.Apply([]registry.Record{record(next, true)})
	assert.Equal(t, []string{"acme.a"}, changes.Updated)

	info, ok := f.m.Runtime("acme.a")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", info.Version)
	assert.Equal(t, runtime.StatusReady, info.Status)
	assert.Equal(t, 1, f.factory.startsFor("acme.a"), "no reload for metadata changes")
}

func TestApplyReloadsOnBundleChange(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})
	_, err := f.m.Call(context.Background(), "acme.a", "echo", nil)
	require.NoError(t, err)

	next := testManifest("acme.a")
	next.Bundle.Location = "acme.a/v2.js"
	changes := f.m.Apply([]registry.Record{record(next, true)})
	assert.Equal(t, []string{"acme.a"}, changes.Reloaded)

	assert.Eventually(t, func() bool { return f.factory.startsFor("acme.a") == 2 }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, err := f.m.Call(context.Background(), "acme.a", "echo", nil)
		return err == nil && v.(map[string]any)["location"] == "acme.a/v2.js"
	}, waitFor, 10*time.Millisecond)
}

func TestApplyLeavesIdleHostIdleOnBundleChange(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})

	next := testManifest("acme.a")
	next.Bundle.Location = "acme.a/v2.js"
	assert.Equal(t, []string{"acme.a"}, f.m.Apply([]registry.Record{record(next, true)}).Reloaded)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.factory.startsFor("acme.a"))

	v, err := f.m.Call(context.Background(), "acme.a", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "acme.a/v2.js", v.(map[string]any)["location"])
}

func TestApplyRecreatesOnPermissionChange(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a", manifest.PermGraphRead), true)})
	before, _ := f.m.Runtime("acme.a")
	assert.Equal(t, []string{manifest.PermGraphRead}, before.Permissions)

	sub := f.m.Subscribe(16)
	changes := f.m.Apply([]registry.Record{record(testManifest("acme.a", manifest.PermGraphRead, manifest.PermGraphWrite), true)})
	assert.Equal(t, []string{"acme.a"}, changes.Recreated)

	after, ok := f.m.Runtime("acme.a")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{manifest.PermGraphRead, manifest.PermGraphWrite}, after.Permissions)
	assert.Equal(t, 1, f.rec.bucket(runtime.StatusIdle))

	select {
	case ev := <-sub.Events():
		t.Fatalf("recreate should not announce removal, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestApplyRemovesDisabledPlugins(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true), record(testManifest("acme.b"), true)})
	_, err := f.m.Call(context.Background(), "acme.a", "echo", nil)
	require.NoError(t, err)
	// the ready event may trail the call; let it land before subscribing
	require.Eventually(t, func() bool { return f.rec.bucket(runtime.StatusReady) == 1 }, waitFor, 5*time.Millisecond)

	sub := f.m.Subscribe(16)
	changes := f.m.Apply([]registry.Record{record(testManifest("acme.a"), false), record(testManifest("acme.b"), true)})
	assert.Equal(t, []string{"acme.a"}, changes.Removed)

	assert.Equal(t, runtime.StatusRemoved, nextStatus(t, sub, "acme.a"))
	_, err = f.m.Call(context.Background(), "acme.a", "echo", nil)
	assert.ErrorIs(t, err, protocol.ErrRuntimeNotLoaded)
	assert.Zero(t, f.rec.bucket(runtime.StatusReady))
	assert.Equal(t, 1, f.rec.bucket(runtime.StatusIdle))
}

func TestBreakerOpensOnRepeatedSandboxFailures(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.factory.failWith("acme.a", errors.New("cannot start"))
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.m.Call(ctx, "acme.a", "echo", nil)
		assert.ErrorIs(t, err, protocol.ErrSandboxCrash)
	}

	_, err := f.m.Call(ctx, "acme.a", "echo", nil)
	assert.ErrorIs(t, err, protocol.ErrCircuitOpen)
	assert.Equal(t, 2, f.factory.startsFor("acme.a"), "open breaker must not respawn the sandbox")

	info, _ := f.m.Runtime("acme.a")
	assert.Equal(t, "open", info.Breaker)
	assert.Equal(t, []string{"closed->open"}, f.rec.breakerLog())

	// an operator reload closes the breaker
	f.factory.failWith("acme.a", nil)
	require.NoError(t, f.m.Reload(ctx, "acme.a"))
	_, err = f.m.Call(ctx, "acme.a", "echo", nil)
	assert.NoError(t, err)
}

func TestBreakerCountsCrashesNotRejections(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.m.Call(ctx, "acme.a", "reject", nil)
		assert.ErrorIs(t, err, protocol.ErrPluginFailure)
	}
	info, _ := f.m.Runtime("acme.a")
	assert.Equal(t, "closed", info.Breaker)

	for i := 0; i < 2; i++ {
		_, err := f.m.Call(ctx, "acme.a", "crash", nil)
		assert.ErrorIs(t, err, protocol.ErrSandboxCrash)
	}
	_, err := f.m.Call(ctx, "acme.a", "echo", nil)
	assert.ErrorIs(t, err, protocol.ErrCircuitOpen)
}

func TestStartFollowsRepository(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.repo.Put(testManifest("acme.a"), true)

	require.NoError(t, f.m.Start(context.Background()))
	assert.True(t, hasRuntime(f.m, "acme.a")())
	assert.Error(t, f.m.Start(context.Background()))

	f.repo.Put(testManifest("acme.b"), true)
	assert.Eventually(t, hasRuntime(f.m, "acme.b"), waitFor, 5*time.Millisecond)

	require.NoError(t, f.repo.SetEnabled("acme.a", false))
	assert.Eventually(t, func() bool { return !hasRuntime(f.m, "acme.a")() }, waitFor, 5*time.Millisecond)

	f.repo.Remove("acme.b")
	assert.Eventually(t, func() bool { return len(f.m.Runtimes()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestStartStopsWithContext(t *testing.T) {
	f := newFleet(t, quickConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.m.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case <-f.m.watchDone:
			return true
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)

	f.repo.Put(testManifest("acme.a"), true)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, hasRuntime(f.m, "acme.a")())
}

func TestPreloadStartsSandboxes(t *testing.T) {
	cfg := quickConfig()
	cfg.Preload = true
	f := newFleet(t, cfg)
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})

	assert.Eventually(t, func() bool {
		info, _ := f.m.Runtime("acme.a")
		return info.Status == runtime.StatusReady
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"crash", "echo", "reject"}, func() []string {
		info, _ := f.m.Runtime("acme.a")
		return info.Methods
	}())
}

func TestSubscriptionDropsInsteadOfBlocking(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{
		record(testManifest("acme.a"), true),
		record(testManifest("acme.b"), true),
		record(testManifest("acme.c"), true),
	})
	sub := f.m.Subscribe(1)

	f.m.Apply(nil)
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, 2, f.rec.dropped)

	ev := <-sub.Events()
	assert.Equal(t, runtime.StatusRemoved, ev.Status)
}

func TestCloseTearsEverythingDown(t *testing.T) {
	f := newFleet(t, quickConfig())
	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})
	sub := f.m.Subscribe(4)

	f.m.Close()
	f.m.Close()

	assert.Equal(t, runtime.StatusRemoved, nextStatus(t, sub, "acme.a"))
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Empty(t, f.m.Runtimes())

	late := f.m.Subscribe(1)
	_, open = <-late.Events()
	assert.False(t, open)
	late.Close()

	assert.True(t, f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)}).Empty())
}

func TestSubscriptionClose(t *testing.T) {
	f := newFleet(t, quickConfig())
	sub := f.m.Subscribe(4)
	sub.Close()
	sub.Close()
	_, open := <-sub.Events()
	assert.False(t, open)

	f.m.Apply([]registry.Record{record(testManifest("acme.a"), true)})
	f.m.Apply(nil)
	assert.Zero(t, sub.Dropped())
}
