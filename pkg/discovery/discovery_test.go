package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/pkg/registry"
)

func writeSkill(t *testing.T, dir, name, kind string) string {
	t.Helper()
	path := filepath.Join(dir, name+".go")
	content := "package skills\n\n// skill:kind=" + kind + "\nfunc ExecuteSkill() {}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScan_FindsCandidatesByEntryPointAndKindTag(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "weather", "user")

	// A .go file with no ExecuteSkill entry point must be ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helper.go"), []byte("package skills\nfunc Helper() {}\n"), 0o644))

	reg := registry.New()
	d := New([]string{dir}, reg)

	cands, err := d.Scan()
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "weather", cands[0].Name)
	assert.Equal(t, registry.Kind("user"), cands[0].Kind)
}

func TestScan_SkipsExcludedDirectories(t *testing.T) {
	dir := t.TempDir()
	vendored := filepath.Join(dir, "vendor")
	require.NoError(t, os.MkdirAll(vendored, 0o755))
	writeSkill(t, vendored, "ignored", "user")

	reg := registry.New()
	d := New([]string{dir}, reg)
	cands, err := d.Scan()
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestReload_RunsCallbacksOnSuccessAndFailure(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "weather", "user")

	reg := registry.New()
	d := New([]string{dir}, reg)
	d.Load(mustFind(t, d, "weather"))

	var results []bool
	d.AddReloadCallback("weather", func(name string, success bool) {
		results = append(results, success)
	})

	require.NoError(t, d.Reload("weather"))
	require.Len(t, results, 1)
	assert.True(t, results[0])

	err := d.Reload("missing-skill")
	require.Error(t, err)
}

func mustFind(t *testing.T, d *Discoverer, name string) Candidate {
	t.Helper()
	cands, err := d.Scan()
	require.NoError(t, err)
	for _, c := range cands {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("candidate %q not found", name)
	return Candidate{}
}

func TestScheduleReload_DebouncesBurstsIntoOneEntry(t *testing.T) {
	reg := registry.New()
	d := New(nil, reg, WithDebounce(30*time.Millisecond))
	queue := make(chan string, 8)

	d.scheduleReload("weather", queue)
	d.scheduleReload("weather", queue)
	d.scheduleReload("weather", queue)

	time.Sleep(80 * time.Millisecond)
	close(queue)

	var names []string
	for n := range queue {
		names = append(names, n)
	}
	assert.Equal(t, []string{"weather"}, names, "rapid repeated writes to the same file should coalesce into a single reload")
}
