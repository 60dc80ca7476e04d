package collab

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator scripts the teacher model's raw text output.
type fakeGenerator struct {
	calls atomic.Int64
	fn    func(call int64, prompt string) (string, error)
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	return g.fn(g.calls.Add(1), prompt)
}

const validTrajectoryJSON = `{
  "problem": "ignored, the planner stamps its own",
  "steps": [
    {"action": "observe", "reasoning": "watch the scene", "reward": 0.2},
    {"action": "approach", "reasoning": "close the distance", "reward": 0.5},
    {"action": "bargain", "reasoning": "make the offer", "reward": 0.3}
  ],
  "expected_outcome": "a closed deal"
}`

func loreContext() *LoreContext {
	return &LoreContext{
		Species:   "hollow_kin",
		ModelType: "npc",
		Entries: []LoreEntry{
			{ID: "l1", Title: "The Hollow Court", Content: "Rulers of the echoing dark."},
		},
	}
}

func TestPlanOneParsesModelOutputWithSurroundingProse(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ int64, _ string) (string, error) {
		return "Certainly! Here is the trajectory:\n" + validTrajectoryJSON + "\nHope this helps.", nil
	}}
	p := NewTeacherPlanner(gen)

	traj := p.PlanOne(context.Background(), loreContext(), 0)

	require.Len(t, traj.Steps, 3)
	assert.Equal(t, "observe", traj.Steps[0].Action)
	assert.Equal(t, "a closed deal", traj.ExpectedOutcome)
	assert.Contains(t, traj.Problem, "hollow_kin", "planner stamps its own problem statement")
	assert.Equal(t, "hollow_kin", traj.Metadata["species"])
	assert.Equal(t, "npc", traj.Metadata["model_type"])
	assert.Nil(t, traj.Metadata["fallback"])
}

func TestPlanOneFallsBackOnUnparseableOutput(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ int64, _ string) (string, error) {
		return "I cannot produce JSON today.", nil
	}}
	p := NewTeacherPlanner(gen)

	traj := p.PlanOne(context.Background(), loreContext(), 0)

	require.Len(t, traj.Steps, 3)
	assert.Equal(t, "assess_situation", traj.Steps[0].Action)
	assert.InDelta(t, 1.0, traj.RewardSum(), 1e-9, "fallback rewards sum to one")
	assert.Equal(t, true, traj.Metadata["fallback"])
	assert.NotEmpty(t, traj.ExpectedOutcome)
}

func TestPlanOneFallsBackOnGenerationError(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ int64, _ string) (string, error) {
		return "", errors.New("model overloaded")
	}}
	p := NewTeacherPlanner(gen)

	traj := p.PlanOne(context.Background(), loreContext(), 0)
	assert.Equal(t, true, traj.Metadata["fallback"])
}

func TestPlanOneRejectsEmptyStepList(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ int64, _ string) (string, error) {
		return `{"steps": [], "expected_outcome": "nothing"}`, nil
	}}
	p := NewTeacherPlanner(gen)

	traj := p.PlanOne(context.Background(), loreContext(), 0)
	assert.Equal(t, true, traj.Metadata["fallback"], "zero steps is unusable output")
}

func TestPlanProducesSlotStableOrder(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ int64, _ string) (string, error) {
		return validTrajectoryJSON, nil
	}}
	p := NewTeacherPlanner(gen)

	out := p.Plan(context.Background(), loreContext(), 5)
	require.Len(t, out, 5)
	for i, traj := range out {
		assert.Contains(t, traj.Problem, fmt.Sprintf("(example %d)", i))
	}
	assert.Equal(t, int64(5), gen.calls.Load(), "one generation per trajectory")
}

func TestBuildPromptCarriesLoreAndRules(t *testing.T) {
	loreCtx := loreContext()
	loreCtx.Rules = &Rules{RequiredFields: []string{"species", "tone"}}

	prompt := buildPrompt("Demonstrate expert npc behavior", loreCtx)

	assert.Contains(t, prompt, "The Hollow Court")
	assert.Contains(t, prompt, "species, tone")
	assert.Contains(t, prompt, "rewards must sum to 1.0")
}
