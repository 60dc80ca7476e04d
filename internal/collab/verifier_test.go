package collab

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAssessor scripts the judge model.
type fakeAssessor struct {
	fn func(t Trajectory) (*QualityAssessment, error)
}

func (a *fakeAssessor) Assess(_ context.Context, t Trajectory) (*QualityAssessment, error) {
	if a.fn == nil {
		return &QualityAssessment{Score: 1.0}, nil
	}
	return a.fn(t)
}

func goodTrajectory() Trajectory {
	return Trajectory{
		Problem: "Demonstrate expert npc behavior",
		Steps: []Step{
			{Action: "assess_situation", Reasoning: "survey", Reward: 0.3},
			{Action: "select_response", Reasoning: "choose", Reward: 0.4},
			{Action: "execute_and_confirm", Reasoning: "act", Reward: 0.3},
		},
		ExpectedOutcome: "A lore-consistent response",
		Metadata:        map[string]interface{}{"species": "hollow_kin", "model_type": "npc"},
	}
}

func TestVerifyAcceptsWellFormedTrajectory(t *testing.T) {
	v := NewVerifier(&fakeAssessor{fn: func(Trajectory) (*QualityAssessment, error) {
		return &QualityAssessment{Score: 0.95}, nil
	}}, 0)

	res := v.Verify(context.Background(), goodTrajectory(), nil)

	assert.True(t, res.Valid)
	assert.InDelta(t, 0.95, res.Score, 1e-9, "combined score is the minimum of the three checks")
	assert.Empty(t, res.CriticalIssues)
}

func TestVerifyStepCountOutOfRangeIsCritical(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)

	traj := goodTrajectory()
	traj.Steps = traj.Steps[:2]
	res := v.Verify(context.Background(), traj, nil)

	assert.False(t, res.Valid)
	require.Len(t, res.CriticalIssues, 1)
	assert.Contains(t, res.CriticalIssues[0], "step count 2")
}

func TestVerifyEmptyActionAndBadRewardAreCritical(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)

	traj := goodTrajectory()
	traj.Steps[1].Action = ""
	traj.Steps[2].Reward = 1.4
	res := v.Verify(context.Background(), traj, nil)

	assert.False(t, res.Valid)
	assert.Len(t, res.CriticalIssues, 2)
}

func TestVerifyEmptyOutcomeIsCritical(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)

	traj := goodTrajectory()
	traj.ExpectedOutcome = ""
	res := v.Verify(context.Background(), traj, nil)

	assert.False(t, res.Valid)
}

func TestVerifyRewardSumDriftIsWarningOnly(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)

	traj := goodTrajectory()
	traj.Steps[0].Reward = 0.8 // sum 1.5
	res := v.Verify(context.Background(), traj, nil)

	assert.True(t, res.Valid, "drift deducts but does not reject")
	assert.InDelta(t, 0.9, res.Score, 1e-9)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "reward sum 1.50")
}

func TestVerifyMissingReasoningWarns(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)

	traj := goodTrajectory()
	traj.Steps[0].Reasoning = ""
	traj.Steps[1].Reasoning = ""
	res := v.Verify(context.Background(), traj, nil)

	assert.True(t, res.Valid)
	assert.InDelta(t, 0.9, res.Score, 1e-9)
	assert.Len(t, res.Issues, 2)
}

func TestVerifyRulesDeductPerMissingField(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)
	rules := &Rules{RequiredFields: []string{"species", "tone", "register"}}

	res := v.Verify(context.Background(), goodTrajectory(), rules)

	// species present; tone and register missing.
	assert.True(t, res.Valid)
	assert.InDelta(t, 0.8, res.Score, 1e-9)
	assert.Len(t, res.Issues, 2)
}

func TestVerifyJudgeCriticalRejectsRegardlessOfScore(t *testing.T) {
	v := NewVerifier(&fakeAssessor{fn: func(Trajectory) (*QualityAssessment, error) {
		return &QualityAssessment{Score: 0.9, CriticalIssues: []string{"breaks canon"}}, nil
	}}, 0)

	res := v.Verify(context.Background(), goodTrajectory(), nil)

	assert.False(t, res.Valid)
	assert.Contains(t, res.CriticalIssues, "breaks canon")
}

func TestVerifyJudgeUnreachableAbstains(t *testing.T) {
	v := NewVerifier(&fakeAssessor{fn: func(Trajectory) (*QualityAssessment, error) {
		return nil, errors.New("gateway timeout")
	}}, 0)

	res := v.Verify(context.Background(), goodTrajectory(), nil)

	assert.True(t, res.Valid, "structural and rules checks still decide")
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.Contains(t, res.Issues, "quality check unavailable")
}

func TestVerifyAllPreservesInputOrder(t *testing.T) {
	v := NewVerifier(&fakeAssessor{}, 0)

	trajectories := make([]Trajectory, 6)
	for i := range trajectories {
		trajectories[i] = goodTrajectory()
		if i%2 == 1 {
			trajectories[i].ExpectedOutcome = "" // every odd slot invalid
		}
		trajectories[i].Problem = fmt.Sprintf("problem %d", i)
	}

	results := v.VerifyAll(context.Background(), trajectories, nil)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.Equal(t, i%2 == 0, res.Valid, "slot %d", i)
	}
}
