package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/pkg/discovery"
	"github.com/agentcore-dev/engine/pkg/generator"
	"github.com/agentcore-dev/engine/pkg/registry"
)

// fakeGenerator returns canned responses in order, or the last one
// repeatedly once exhausted.
type fakeGenerator struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts generator.Options) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func conformingSkillBlock(body string) string {
	return "```go\n" + body + "\n```"
}

const conformingBody = `func ExecuteSkill(ctx context.Context, request map[string]interface{}, convCtx interface{}) (map[string]interface{}, error) {
	result, err := fetchAndExtract(request)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "result": result}, nil
}`

func newTestOrchestrator(t *testing.T, gen generator.Generator) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New()
	disc := discovery.New([]string{dir}, reg)
	o := New(reg, disc, gen, WithGeneratedDir(dir))
	return o, dir
}

func TestHandleRequest_UnclaimedRequestSignalsGeneration(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGenerator{})
	signal, entry, err := o.HandleRequest(context.Background(), "Skrapa rubriken från https://example.com")
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NotNil(t, signal)
	assert.Equal(t, actionGenerationRequired, signal.ActionNeeded)
	assert.Equal(t, KindWebScraping, signal.Kind)
}

func TestGenerateSkill_RegistersAndActivatesSkill(t *testing.T) {
	gen := &fakeGenerator{responses: []string{conformingSkillBlock(conformingBody)}}
	o, dir := newTestOrchestrator(t, gen)

	entry, err := o.GenerateSkill(context.Background(), "Skrapa rubriken från https://example.com")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, registry.StatusActive, entry.Status)
	assert.Equal(t, registry.KindGenerated, entry.Kind)

	got, ok := o.reg.Get(entry.Name)
	require.True(t, ok)
	assert.Equal(t, registry.StatusActive, got.Status)

	path := filepath.Join(dir, entry.Name+".go")
	assert.FileExists(t, path)

	signal, claimedEntry, err := o.HandleRequest(context.Background(), "Skrapa rubriken från https://another.example.com")
	require.NoError(t, err)
	assert.Nil(t, signal)
	require.NotNil(t, claimedEntry)
	assert.Equal(t, entry.Name, claimedEntry.Name)
}

func TestGenerateSkill_AbortsOnNonConformingSource(t *testing.T) {
	gen := &fakeGenerator{responses: []string{conformingSkillBlock("func unrelated() {}")}}
	o, _ := newTestOrchestrator(t, gen)

	entry, err := o.GenerateSkill(context.Background(), "notify the team by email")
	assert.Error(t, err)
	assert.Nil(t, entry)

	history := o.History()
	require.Len(t, history, 1)
	assert.Equal(t, "validate", history[0].FailedStep)
}

func TestHeal_RuntimeFailureWithoutBackupRegenerates(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		conformingSkillBlock(conformingBody), // initial generation
		conformingSkillBlock(conformingBody), // regeneration
	}}
	o, _ := newTestOrchestrator(t, gen)

	entry, err := o.GenerateSkill(context.Background(), "analyze the sales statistics")
	require.NoError(t, err)

	// Drop the recorded backup so the runtime-failure branch has none and
	// must regenerate instead of rolling back.
	o.mu.Lock()
	delete(o.backups, entry.Name)
	o.mu.Unlock()

	outcome, err := o.Heal(context.Background(), FailureInfo{
		SkillName:      entry.Name,
		Classification: engineerr.KindRuntime,
		Message:        "nil pointer dereference at line 12",
		Component:      "worker-3",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "regenerate", outcome.Strategy)
}

func TestHeal_ExhaustedAttemptsDisablesSkill(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("generator unreachable")}
	o, _ := newTestOrchestrator(t, gen)

	reg := o.reg
	reg.Register("broken_skill", registry.KindGenerated, "skills/generated/broken_skill.go", "abc", nil)

	var last HealOutcome
	for i := 0; i < maxHealingAttemptsPerFailure+1; i++ {
		outcome, err := o.Heal(context.Background(), FailureInfo{
			SkillName:      "broken_skill",
			Classification: engineerr.KindLogic,
			Message:        "always fails",
			Component:      "worker-1",
		})
		require.NoError(t, err)
		last = outcome
	}
	assert.Equal(t, "disable", last.Strategy)

	patterns := o.Patterns()
	require.Len(t, patterns, 1)
	for _, p := range patterns {
		assert.GreaterOrEqual(t, p.Failures, maxHealingAttemptsPerFailure)
	}
}
