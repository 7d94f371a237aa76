package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
)

func testManifest(id string) manifest.Manifest {
	return manifest.Manifest{
		ID:      id,
		Version: "1.0.0",
		Bundle:  manifest.Bundle{Location: id + "/main.js", Mode: manifest.ModeWorker},
		Nodes:   []manifest.NodeDefinition{{Type: id + "/node"}},
	}
}

func TestRepositoryCRUD(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := repo.Put(testManifest("b.plugin"), true)
	repo.Put(testManifest("a.plugin"), false)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.plugin", list[0].ID())
	assert.Equal(t, "b.plugin", list[1].ID())

	m := testManifest("b.plugin")
	m.Version = "1.1.0"
	second := repo.Put(m, true)
	assert.Equal(t, first.InstalledAt, second.InstalledAt)
	assert.Equal(t, "1.1.0", second.Manifest.Version)

	require.NoError(t, repo.SetEnabled("a.plugin", true))
	rec, ok := repo.Get("a.plugin")
	require.True(t, ok)
	assert.True(t, rec.Enabled)

	assert.ErrorIs(t, repo.SetEnabled("missing", true), ErrNotFound)
	assert.True(t, repo.Remove("a.plugin"))
	assert.False(t, repo.Remove("a.plugin"))

	list, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRepositoryListHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryRepository().List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepositorySubscribe(t *testing.T) {
	repo := NewMemoryRepository()

	var calls atomic.Int32
	release := make(chan struct{})
	unsubscribe := repo.Subscribe(func() {
		calls.Add(1)
		<-release
	})

	// the first notification blocks in the callback; the burst behind it
	// collapses into one more
	for i := 0; i < 10; i++ {
		repo.Put(testManifest("a.plugin"), true)
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	unsubscribe()
	unsubscribe()
	repo.Put(testManifest("b.plugin"), true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRepositoryUnchangedEnableDoesNotNotify(t *testing.T) {
	repo := NewMemoryRepository()
	repo.Put(testManifest("a.plugin"), true)

	var calls atomic.Int32
	defer repo.Subscribe(func() { calls.Add(1) })()

	require.NoError(t, repo.SetEnabled("a.plugin", true))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestSeederLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "counter", "plugin.yaml"), `
id: acme.counter
version: 1.0.0
permissions: [graph.read]
bundle:
  location: ./dist/counter.js
nodes:
  - type: acme/counter
`)
	writeFile(t, filepath.Join(dir, "nested", "clock", "plugin.toml"), `
id = "acme.clock"
version = "0.2.0"

[bundle]
location = "https://cdn.example.com/clock.js"

[[nodes]]
type = "acme/clock"
`)
	writeFile(t, filepath.Join(dir, "broken", "plugin.json"), `{"id": "Bad ID", "version": "x"}`)
	writeFile(t, filepath.Join(dir, "dup", "plugin.json"), `{
  "id": "acme.counter", "version": "2.0.0",
  "bundle": {"location": "main.js"}, "nodes": [{"type": "acme/other"}]
}`)
	writeFile(t, filepath.Join(dir, "counter", "README.md"), "ignored")

	repo := NewMemoryRepository()
	v := manifest.NewValidator(manifest.WithAllowlist("https://cdn.example.com/**", "**/*.js"))
	report, err := NewSeeder(repo, dir, v, nil).LoadDir(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"acme.counter", "acme.clock"}, report.Loaded)
	require.Len(t, report.Failed, 2)

	failed := map[string]bool{}
	for _, f := range report.Failed {
		failed[filepath.Base(filepath.Dir(f.Path))] = true
		assert.NotEmpty(t, f.Errors)
	}
	// dup sorts after counter, so counter wins
	assert.Equal(t, map[string]bool{"broken": true, "dup": true}, failed)

	counter, ok := repo.Get("acme.counter")
	require.True(t, ok)
	assert.True(t, counter.Enabled)
	assert.Equal(t, "counter/dist/counter.js", counter.Manifest.Bundle.Location)
	assert.Equal(t, "1.0.0", counter.Manifest.Version)
	assert.True(t, counter.Manifest.Permissions.Has(manifest.PermGraphRead))

	clock, ok := repo.Get("acme.clock")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/clock.js", clock.Manifest.Bundle.Location)
}

func TestSeederDefaultAllowlistRejectsRemoteBundles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "clock", "plugin.json"), `{
  "id": "acme.clock", "version": "0.2.0",
  "bundle": {"location": "https://cdn.example.com/clock.js"}, "nodes": [{"type": "acme/clock"}]
}`)

	repo := NewMemoryRepository()
	report, err := NewSeeder(repo, dir, nil, nil).LoadDir(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Loaded)
	require.Len(t, report.Failed, 1)
	assert.Contains(t, report.Failed[0].Errors[0], "not allowlisted")
	_, ok := repo.Get("acme.clock")
	assert.False(t, ok)
}

func TestSeederMissingDirectory(t *testing.T) {
	repo := NewMemoryRepository()
	report, err := NewSeeder(repo, filepath.Join(t.TempDir(), "absent"), nil, nil).LoadDir(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	assert.Empty(t, report.Failed)
}

func TestRelocate(t *testing.T) {
	assert.Equal(t, "a/dist/x.js", relocate("a", "./dist/x.js"))
	assert.Equal(t, "x.js", relocate(".", "x.js"))
	assert.Equal(t, "https://h/x.js", relocate("a", "https://h/x.js"))
	assert.Equal(t, "../x.js", relocate("a", "../../x.js"))
}
