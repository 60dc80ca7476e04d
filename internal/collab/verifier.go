package collab

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Assessor is the verifier's LLM surface; satisfied by LLMClient.
type Assessor interface {
	Assess(ctx context.Context, t Trajectory) (*QualityAssessment, error)
}

// Verifier validates trajectories by combining three checks: structural
// invariants, rules compliance and an LLM quality judgment. The combined
// score is the minimum of the three; issues are the union.
type Verifier struct {
	llm      Assessor
	minScore float64
}

// NewVerifier builds a verifier. minScore below or at zero takes the 0.7
// default.
func NewVerifier(llm Assessor, minScore float64) *Verifier {
	if minScore <= 0 {
		minScore = 0.7
	}
	return &Verifier{llm: llm, minScore: minScore}
}

// VerifyAll verifies trajectories concurrently, preserving input order.
func (v *Verifier) VerifyAll(ctx context.Context, trajectories []Trajectory, rules *Rules) []VerificationResult {
	out := make([]VerificationResult, len(trajectories))
	var wg sync.WaitGroup
	for i := range trajectories {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			out[slot] = v.Verify(ctx, trajectories[slot], rules)
		}(i)
	}
	wg.Wait()
	return out
}

// Verify runs the three checks on one trajectory.
func (v *Verifier) Verify(ctx context.Context, t Trajectory, rules *Rules) VerificationResult {
	res := VerificationResult{Score: 1.0}

	structScore := v.checkStructure(t, &res)
	rulesScore := v.checkRules(t, rules, &res)
	qualityScore := v.checkQuality(ctx, t, &res)

	res.Score = math.Min(structScore, math.Min(rulesScore, qualityScore))
	res.Valid = res.Score >= v.minScore && len(res.CriticalIssues) == 0
	return res
}

// checkStructure enforces the acceptance invariants: 3-20 steps, every
// step with a non-empty action and a reward in [0,1], rewards summing to
// roughly 1.0, non-empty expected outcome. Reasoning gaps and reward-sum
// drift are warnings; the rest are critical.
func (v *Verifier) checkStructure(t Trajectory, res *VerificationResult) float64 {
	score := 1.0

	if len(t.Steps) < 3 || len(t.Steps) > 20 {
		res.CriticalIssues = append(res.CriticalIssues,
			fmt.Sprintf("step count %d outside [3,20]", len(t.Steps)))
		score -= 0.5
	}
	for i, step := range t.Steps {
		if step.Action == "" {
			res.CriticalIssues = append(res.CriticalIssues, fmt.Sprintf("step %d has empty action", i))
			score -= 0.3
		}
		if step.Reward < 0 || step.Reward > 1 {
			res.CriticalIssues = append(res.CriticalIssues,
				fmt.Sprintf("step %d reward %.2f outside [0,1]", i, step.Reward))
			score -= 0.3
		}
		if step.Reasoning == "" {
			res.Issues = append(res.Issues, fmt.Sprintf("step %d missing reasoning", i))
			score -= 0.05
		}
	}
	if sum := t.RewardSum(); math.Abs(sum-1.0) > 0.2 {
		res.Issues = append(res.Issues, fmt.Sprintf("reward sum %.2f not within 0.2 of 1.0", sum))
		score -= 0.1
	}
	if t.ExpectedOutcome == "" {
		res.CriticalIssues = append(res.CriticalIssues, "expected_outcome is empty")
		score -= 0.4
	}
	return clampScore(score)
}

// checkRules deducts 0.1 per required metadata field missing from the
// trajectory.
func (v *Verifier) checkRules(t Trajectory, rules *Rules, res *VerificationResult) float64 {
	if rules == nil {
		return 1.0
	}
	score := 1.0
	for _, field := range rules.RequiredFields {
		if _, ok := t.Metadata[field]; !ok {
			res.Issues = append(res.Issues, fmt.Sprintf("missing required metadata field %q", field))
			score -= 0.1
		}
	}
	return clampScore(score)
}

// checkQuality asks the judge model. An unreachable judge does not fail
// verification; it logs and abstains so generation can proceed on
// structural and rules checks alone.
func (v *Verifier) checkQuality(ctx context.Context, t Trajectory, res *VerificationResult) float64 {
	assessment, err := v.llm.Assess(ctx, t)
	if err != nil {
		slog.Warn("[Verifier] Quality check unavailable, abstaining", "error", err)
		res.Issues = append(res.Issues, "quality check unavailable")
		return 1.0
	}
	res.Issues = append(res.Issues, assessment.Issues...)
	res.CriticalIssues = append(res.CriticalIssues, assessment.CriticalIssues...)
	return clampScore(assessment.Score)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
