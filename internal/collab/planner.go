package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Generator is the planner's outbound surface; satisfied by LLMClient and
// by the test fakes.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TeacherPlanner turns a lore context into expert trajectories, one LLM
// call per trajectory. Unparseable model output degrades to a
// deterministic fallback trajectory instead of failing the batch.
type TeacherPlanner struct {
	llm Generator
}

func NewTeacherPlanner(llm Generator) *TeacherPlanner {
	return &TeacherPlanner{llm: llm}
}

// Plan generates n trajectories concurrently. Output order is stable by
// slot index regardless of call completion order.
func (p *TeacherPlanner) Plan(ctx context.Context, loreCtx *LoreContext, n int) []Trajectory {
	out := make([]Trajectory, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			out[slot] = p.PlanOne(ctx, loreCtx, slot)
		}(i)
	}
	wg.Wait()
	return out
}

// PlanOne generates a single trajectory.
func (p *TeacherPlanner) PlanOne(ctx context.Context, loreCtx *LoreContext, slot int) Trajectory {
	problem := fmt.Sprintf("Demonstrate expert %s behavior for species %q (example %d)",
		loreCtx.ModelType, loreCtx.Species, slot)

	text, err := p.llm.Generate(ctx, buildPrompt(problem, loreCtx))
	if err != nil {
		slog.Warn("[TeacherPlanner] Generation failed, using fallback", "slot", slot, "error", err)
		return fallbackTrajectory(problem, loreCtx)
	}
	traj, err := parseTrajectory(text)
	if err != nil {
		slog.Warn("[TeacherPlanner] Unparseable trajectory, using fallback", "slot", slot, "error", err)
		return fallbackTrajectory(problem, loreCtx)
	}
	traj.Problem = problem
	if traj.Metadata == nil {
		traj.Metadata = map[string]interface{}{}
	}
	traj.Metadata["species"] = loreCtx.Species
	traj.Metadata["model_type"] = loreCtx.ModelType
	return *traj
}

func buildPrompt(problem string, loreCtx *LoreContext) string {
	var b strings.Builder
	b.WriteString("Produce an expert trajectory as JSON with fields problem, steps")
	b.WriteString(" (action, reasoning, reward), expected_outcome. Step rewards must sum to 1.0.\n\n")
	b.WriteString("Problem: " + problem + "\n")
	if len(loreCtx.Entries) > 0 {
		b.WriteString("\nRelevant lore:\n")
		for _, e := range loreCtx.Entries {
			b.WriteString("- " + e.Title + ": " + e.Content + "\n")
		}
	}
	if loreCtx.Rules != nil && len(loreCtx.Rules.RequiredFields) > 0 {
		b.WriteString("\nRequired metadata fields: " + strings.Join(loreCtx.Rules.RequiredFields, ", ") + "\n")
	}
	return b.String()
}

// parseTrajectory extracts a JSON trajectory from model text, tolerating
// prose around the JSON object.
func parseTrajectory(text string) (*Trajectory, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var traj Trajectory
	if err := json.Unmarshal([]byte(text[start:end+1]), &traj); err != nil {
		return nil, fmt.Errorf("decode trajectory: %w", err)
	}
	if len(traj.Steps) == 0 {
		return nil, fmt.Errorf("trajectory has no steps")
	}
	return &traj, nil
}

// fallbackTrajectory is the deterministic three-step stand-in emitted when
// the model's output cannot be used. Rewards sum to exactly 1.0.
func fallbackTrajectory(problem string, loreCtx *LoreContext) Trajectory {
	return Trajectory{
		Problem: problem,
		Steps: []Step{
			{Action: "assess_situation", Reasoning: "Survey the current narrative state and constraints.", Reward: 0.3},
			{Action: "select_response", Reasoning: "Choose the action consistent with species lore and model role.", Reward: 0.4},
			{Action: "execute_and_confirm", Reasoning: "Carry out the action and confirm the expected outcome.", Reward: 0.3},
		},
		ExpectedOutcome: "A lore-consistent expert response for " + loreCtx.Species,
		Metadata: map[string]interface{}{
			"species":    loreCtx.Species,
			"model_type": loreCtx.ModelType,
			"fallback":   true,
		},
	}
}
