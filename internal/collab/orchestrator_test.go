package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bodybroker/backend/internal/httpx"
)

const invalidTrajectoryJSON = `{
  "steps": [
    {"action": "observe", "reasoning": "watch", "reward": 0.5},
    {"action": "leave", "reasoning": "walk away", "reward": 0.5}
  ],
  "expected_outcome": "too short to train on"
}`

func loreServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(body))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOrchestrator(t *testing.T, gen Generator, loreBody string, loreStatus int) *Orchestrator {
	t.Helper()
	lore := NewLoreClient(httpx.New(loreServer(t, loreBody, loreStatus).URL, httpx.Options{}))
	rules := NewRulesClient(httpx.New(loreServer(t, `{}`, http.StatusOK).URL, httpx.Options{}))
	planner := NewTeacherPlanner(gen)
	verifier := NewVerifier(&fakeAssessor{}, 0)
	return NewOrchestrator(rules, lore, planner, verifier, 3)
}

func TestGenerateRegeneratesUntilTargetMet(t *testing.T) {
	// First batch of five: three usable, two structurally invalid. Every
	// regeneration call succeeds.
	gen := &fakeGenerator{fn: func(call int64, _ string) (string, error) {
		if call == 4 || call == 5 {
			return invalidTrajectoryJSON, nil
		}
		return validTrajectoryJSON, nil
	}}
	o := newTestOrchestrator(t, gen,
		`{"entries":[{"id":"l1","title":"The Hollow Court","content":"Rulers of the dark."}]}`,
		http.StatusOK)

	result, err := o.GenerateTrainingExamples(context.Background(), "hollow_kin", "npc", 5, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, result.ValidatedCount)
	require.Len(t, result.Trajectories, 5)
	assert.Equal(t, 2, result.InvalidCount)
	assert.Equal(t, 1, result.Metadata["regeneration_attempts"])
	assert.Equal(t, true, result.Metadata["lore_context_present"])
	assert.Equal(t, 1, result.Metadata["lore_entries"])

	for i, traj := range result.Trajectories {
		assert.GreaterOrEqual(t, len(traj.Steps), 3, "trajectory %d", i)
		assert.LessOrEqual(t, len(traj.Steps), 20, "trajectory %d", i)
		assert.InDelta(t, 1.0, traj.RewardSum(), 0.2, "trajectory %d", i)
		for _, step := range traj.Steps {
			assert.GreaterOrEqual(t, step.Reward, 0.0)
			assert.LessOrEqual(t, step.Reward, 1.0)
		}
		assert.Equal(t, "hollow_kin", traj.Metadata["species"])
	}
}

func TestGenerateExhaustsRegenAttempts(t *testing.T) {
	gen := &fakeGenerator{fn: func(int64, string) (string, error) {
		return invalidTrajectoryJSON, nil
	}}
	o := newTestOrchestrator(t, gen, `{"entries":[]}`, http.StatusOK)

	result, err := o.GenerateTrainingExamples(context.Background(), "hollow_kin", "npc", 2, nil)
	require.NoError(t, err, "exhaustion returns what was accumulated, not an error")

	assert.Zero(t, result.ValidatedCount)
	assert.Empty(t, result.Trajectories)
	assert.Equal(t, 3, result.Metadata["regeneration_attempts"])
	// 2 initial + 3 regen rounds of (2-0)*2 each.
	assert.Equal(t, 14, result.InvalidCount)
}

func TestGenerateProceedsWithoutLoreOrRules(t *testing.T) {
	gen := &fakeGenerator{fn: func(int64, string) (string, error) {
		return validTrajectoryJSON, nil
	}}
	// Both retrieval services know nothing about this species.
	o := newTestOrchestrator(t, gen, "", http.StatusNotFound)

	result, err := o.GenerateTrainingExamples(context.Background(), "unknown_kin", "npc", 3, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ValidatedCount)
	assert.Equal(t, false, result.Metadata["lore_context_present"])
	assert.Equal(t, 0, result.Metadata["lore_entries"])
	assert.Equal(t, 0, result.Metadata["rules_fields"])
}

func TestGenerateCallerRulesSkipFetchAndBindVerification(t *testing.T) {
	gen := &fakeGenerator{fn: func(int64, string) (string, error) {
		return validTrajectoryJSON, nil
	}}
	o := newTestOrchestrator(t, gen, `{"entries":[]}`, http.StatusOK)

	rules := &Rules{RequiredFields: []string{"species", "model_type"}}
	result, err := o.GenerateTrainingExamples(context.Background(), "hollow_kin", "npc", 2, rules)
	require.NoError(t, err)

	assert.Equal(t, 2, result.ValidatedCount, "planner-stamped metadata satisfies the required fields")
	assert.Equal(t, 2, result.Metadata["rules_fields"])
}
