package collab

import (
	"context"
	"log/slog"
	"sync"
)

// Orchestrator drives the retrieve → plan → verify → regenerate pipeline.
type Orchestrator struct {
	rules    *RulesClient
	lore     *LoreClient
	planner  *TeacherPlanner
	verifier *Verifier
	maxRegen int
	metrics  *Metrics
}

// NewOrchestrator wires the collaboration components. maxRegen at or below
// zero takes the default of 3 regeneration attempts.
func NewOrchestrator(rules *RulesClient, lore *LoreClient, planner *TeacherPlanner, verifier *Verifier, maxRegen int) *Orchestrator {
	if maxRegen <= 0 {
		maxRegen = 3
	}
	return &Orchestrator{
		rules:    rules,
		lore:     lore,
		planner:  planner,
		verifier: verifier,
		maxRegen: maxRegen,
		metrics:  NewMetrics(),
	}
}

// GenerateTrainingExamples produces n validated trajectories for a species
// and model type. A caller-supplied rules document skips the rules fetch.
// Partial retrieval failures yield a partial lore context; verification
// failures feed the regeneration loop; after exhausting attempts the
// accumulated valid trajectories are returned with the invalid count in
// metadata.
func (o *Orchestrator) GenerateTrainingExamples(ctx context.Context, species, modelType string, n int, rules *Rules) (*GenerationResult, error) {
	loreCtx := o.retrieve(ctx, species, modelType, rules)

	valid, invalid := o.planAndVerify(ctx, loreCtx, n)

	attempts := 0
	for len(valid) < n && attempts < o.maxRegen {
		attempts++
		need := (n - len(valid)) * 2
		slog.Info("[Orchestrator] Regenerating trajectories",
			"species", species, "attempt", attempts, "count", need)
		more, moreInvalid := o.planAndVerify(ctx, loreCtx, need)
		valid = append(valid, more...)
		invalid += moreInvalid
	}
	o.metrics.RegenAttempts.Observe(float64(attempts))

	if len(valid) > n {
		valid = valid[:n]
	}
	return &GenerationResult{
		Trajectories:   valid,
		ValidatedCount: len(valid),
		InvalidCount:   invalid,
		Metadata: map[string]interface{}{
			"species":               species,
			"model_type":            modelType,
			"lore_context_present":  len(loreCtx.Entries) > 0,
			"regeneration_attempts": attempts,
			"lore_entries":          len(loreCtx.Entries),
			"rules_fields":          ruleFieldCount(loreCtx.Rules),
		},
	}, nil
}

// retrieve fetches rules and lore concurrently. Either fetch failing
// leaves that slot empty; the pipeline continues on what it has.
func (o *Orchestrator) retrieve(ctx context.Context, species, modelType string, rules *Rules) *LoreContext {
	loreCtx := &LoreContext{Species: species, ModelType: modelType, Rules: rules}

	var wg sync.WaitGroup
	if rules == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetched, err := o.rules.GetRules(ctx, species, modelType)
			if err != nil {
				slog.Warn("[Orchestrator] Rules fetch failed, continuing without", "error", err)
				o.metrics.RetrievalFailures.WithLabelValues("rules").Inc()
				return
			}
			loreCtx.Rules = fetched
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		entries, err := o.lore.GetLore(ctx, species, 20)
		if err != nil {
			slog.Warn("[Orchestrator] Lore fetch failed, continuing without", "error", err)
			o.metrics.RetrievalFailures.WithLabelValues("lore").Inc()
			return
		}
		loreCtx.Entries = entries
	}()
	wg.Wait()
	return loreCtx
}

// planAndVerify generates count trajectories and splits them by verdict.
func (o *Orchestrator) planAndVerify(ctx context.Context, loreCtx *LoreContext, count int) (valid []Trajectory, invalid int) {
	trajectories := o.planner.Plan(ctx, loreCtx, count)
	results := o.verifier.VerifyAll(ctx, trajectories, loreCtx.Rules)
	for i, res := range results {
		if res.Valid {
			o.metrics.TrajectoriesVerified.WithLabelValues("valid").Inc()
			valid = append(valid, trajectories[i])
			continue
		}
		o.metrics.TrajectoriesVerified.WithLabelValues("invalid").Inc()
		invalid++
		slog.Debug("[Orchestrator] Trajectory rejected",
			"score", res.Score, "issues", len(res.Issues), "critical", len(res.CriticalIssues))
	}
	return valid, invalid
}

func ruleFieldCount(rules *Rules) int {
	if rules == nil {
		return 0
	}
	return len(rules.RequiredFields)
}
