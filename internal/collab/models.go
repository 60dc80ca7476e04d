// Package collab implements the SRL→RLVR training orchestrator: expert
// trajectory generation through a three-model collaboration (lore
// retriever, teacher planner, verifier) with a regeneration loop, and the
// two-stage training pipeline it feeds.
package collab

import "time"

// Step is one action in an expert trajectory. Rewards are step-wise and
// sum to approximately 1.0 over the trajectory.
type Step struct {
	Action    string  `json:"action"`
	Reasoning string  `json:"reasoning"`
	Reward    float64 `json:"reward"`
}

// Trajectory is one expert demonstration.
type Trajectory struct {
	Problem         string                 `json:"problem"`
	Steps           []Step                 `json:"steps"`
	ExpectedOutcome string                 `json:"expected_outcome"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// RewardSum totals the step rewards.
func (t Trajectory) RewardSum() float64 {
	sum := 0.0
	for _, s := range t.Steps {
		sum += s.Reward
	}
	return sum
}

// Rules is the compliance contract fetched from the rules service.
type Rules struct {
	RequiredFields []string               `json:"required_fields"`
	Constraints    map[string]interface{} `json:"constraints,omitempty"`
}

// LoreEntry is one retrieved piece of world lore.
type LoreEntry struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// LoreContext packages everything retrieval produced for the planner. A
// failed sub-fetch leaves its slot empty; planning proceeds regardless.
type LoreContext struct {
	Species   string      `json:"species"`
	ModelType string      `json:"model_type"`
	Rules     *Rules      `json:"rules,omitempty"`
	Entries   []LoreEntry `json:"entries,omitempty"`
}

// VerificationResult is the verdict on one trajectory: the minimum of the
// structure, rules and quality scores and the union of their issues.
type VerificationResult struct {
	Valid          bool        `json:"valid"`
	Score          float64     `json:"score"`
	Issues         []string    `json:"issues,omitempty"`
	CriticalIssues []string    `json:"critical_issues,omitempty"`
	Corrected      *Trajectory `json:"corrected_trajectory,omitempty"`
}

// GenerationResult is the output of GenerateTrainingExamples.
type GenerationResult struct {
	Trajectories   []Trajectory           `json:"trajectories"`
	ValidatedCount int                    `json:"validated_count"`
	InvalidCount   int                    `json:"invalid_count"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// TrainMetrics is whatever the opaque training step reports.
type TrainMetrics map[string]float64

// Checkpoint records training progress so a stage can resume after a
// crash or a failed attempt.
type Checkpoint struct {
	Stage   string       `json:"stage"`
	Step    int          `json:"step"`
	Metrics TrainMetrics `json:"metrics,omitempty"`
	SavedAt time.Time    `json:"saved_at"`
}
