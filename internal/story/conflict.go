package story

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bodybroker/backend/internal/config"
)

// ConflictDetector evaluates the data-driven narrative consistency rules
// over a player's recent events. Three rule families ship: npc_state,
// quest_logic and world_story; the rules themselves live in the game-data
// file.
type ConflictDetector struct {
	repo    Repository
	pub     Publisher
	rules   []config.ConflictRule
	metrics *Metrics
}

// NewConflictDetector creates the detector from the configured rule set.
func NewConflictDetector(repo Repository, pub Publisher, rules []config.ConflictRule) *ConflictDetector {
	return &ConflictDetector{repo: repo, pub: pub, rules: rules, metrics: NewMetrics()}
}

// Run evaluates every rule against the event window. Each triggered rule
// produces a persisted and published conflict record; rule failures are
// logged and skipped so one bad rule never blocks the rest.
func (c *ConflictDetector) Run(ctx context.Context, playerID string, events []StoryEvent) []ConflictRecord {
	var out []ConflictRecord
	for _, rule := range c.rules {
		rec := c.evaluate(ctx, playerID, rule, events)
		if rec == nil {
			continue
		}
		out = append(out, *rec)
		c.metrics.ConflictsFound.Inc()
		if err := c.repo.InsertConflict(ctx, *rec); err != nil {
			slog.Error("[ConflictDetector] Persist conflict failed", "rule", rule.Name, "error", err)
		}
		c.publish(ctx, rec)
	}
	return out
}

func (c *ConflictDetector) evaluate(ctx context.Context, playerID string, rule config.ConflictRule, events []StoryEvent) *ConflictRecord {
	switch rule.Family {
	case "npc_state":
		return c.checkNPCState(ctx, playerID, rule, events)
	case "quest_logic":
		return c.checkQuestLogic(ctx, playerID, rule, events)
	case "world_story":
		return c.checkWorldStory(ctx, playerID, rule, events)
	default:
		slog.Warn("[ConflictDetector] Unknown rule family, skipping", "rule", rule.Name, "family", rule.Family)
		return nil
	}
}

// checkNPCState flags an npc reported dead while the player interacted with
// it inside the rule's window.
func (c *ConflictDetector) checkNPCState(ctx context.Context, playerID string, rule config.ConflictRule, events []StoryEvent) *ConflictRecord {
	windowMin := paramFloat(rule.Params, "window_minutes", 10)
	cutoff := time.Now().Add(-time.Duration(windowMin) * time.Minute)

	dead := make(map[string]bool)
	for _, e := range events {
		if e.EventType != "world.state.changed" {
			continue
		}
		for _, npc := range strSlice(e.Payload, "npc_deaths") {
			dead[npc] = true
		}
	}
	if len(dead) == 0 {
		return nil
	}

	relationships, err := c.repo.ListRelationships(ctx, playerID)
	if err != nil {
		slog.Warn("[ConflictDetector] Relationship read failed", "rule", rule.Name, "error", err)
		return nil
	}
	for _, rel := range relationships {
		if !dead[rel.EntityID] || rel.LastInteractionAt == nil || rel.LastInteractionAt.Before(cutoff) {
			continue
		}
		return &ConflictRecord{
			PlayerID:         playerID,
			ConflictType:     "npc_state",
			InvolvedEntities: []string{rel.EntityID},
			ConflictingFacts: map[string]interface{}{
				"npc_dead":            true,
				"last_interaction":    rel.LastInteraction,
				"last_interaction_at": rel.LastInteractionAt.Format(time.RFC3339),
			},
			Severity:   rule.Severity,
			DetectedAt: time.Now().UTC(),
		}
	}
	return nil
}

// checkQuestLogic flags a main quest completed while its arc has not
// progressed past the rule's required state.
func (c *ConflictDetector) checkQuestLogic(ctx context.Context, playerID string, rule config.ConflictRule, events []StoryEvent) *ConflictRecord {
	requiredState := paramString(rule.Params, "required_arc_state", string(ProgressCompleted))

	arcs, err := c.repo.ListArcProgress(ctx, playerID)
	if err != nil {
		slog.Warn("[ConflictDetector] Arc read failed", "rule", rule.Name, "error", err)
		return nil
	}
	arcState := make(map[string]ProgressState, len(arcs))
	for _, a := range arcs {
		arcState[a.ArcID] = a.State
	}

	for _, e := range events {
		if e.EventType != "quest.completed" || str(e.Payload, "quest_type") != "main" {
			continue
		}
		arcID := str(e.Payload, "arc_id")
		if arcID == "" {
			continue
		}
		state, known := arcState[arcID]
		if known && string(state) == requiredState {
			continue
		}
		return &ConflictRecord{
			PlayerID:         playerID,
			ConflictType:     "quest_logic",
			InvolvedEntities: []string{str(e.Payload, "quest_id"), arcID},
			ConflictingFacts: map[string]interface{}{
				"quest_completed":    true,
				"arc_state":          string(state),
				"required_arc_state": requiredState,
			},
			Severity:   rule.Severity,
			DetectedAt: time.Now().UTC(),
		}
	}
	return nil
}

// checkWorldStory flags a world flag that contradicts the player's arc
// progress, e.g. a region opened by an arc the player has not reached.
func (c *ConflictDetector) checkWorldStory(ctx context.Context, playerID string, rule config.ConflictRule, events []StoryEvent) *ConflictRecord {
	flag := paramString(rule.Params, "world_flag", "")
	arcID := paramString(rule.Params, "arc_id", "")
	minState := paramString(rule.Params, "min_arc_state", string(ProgressMid))
	if flag == "" || arcID == "" {
		return nil
	}

	flagSet := false
	for _, e := range events {
		if e.EventType != "world.state.changed" {
			continue
		}
		for _, f := range strSlice(e.Payload, "flags") {
			if f == flag {
				flagSet = true
			}
		}
	}
	if !flagSet {
		return nil
	}

	arcs, err := c.repo.ListArcProgress(ctx, playerID)
	if err != nil {
		slog.Warn("[ConflictDetector] Arc read failed", "rule", rule.Name, "error", err)
		return nil
	}
	var state ProgressState = ProgressNotStarted
	for _, a := range arcs {
		if a.ArcID == arcID {
			state = a.State
		}
	}
	if progressRank(state) >= progressRank(ProgressState(minState)) {
		return nil
	}
	return &ConflictRecord{
		PlayerID:         playerID,
		ConflictType:     "world_story",
		InvolvedEntities: []string{arcID},
		ConflictingFacts: map[string]interface{}{
			"world_flag":    flag,
			"arc_state":     string(state),
			"min_arc_state": minState,
		},
		Severity:   rule.Severity,
		DetectedAt: time.Now().UTC(),
	}
}

func (c *ConflictDetector) publish(ctx context.Context, rec *ConflictRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("[ConflictDetector] Marshal conflict", "error", err)
		return
	}
	if err := c.pub.Publish(ctx, SubjectConflictAlert, payload); err != nil {
		slog.Warn("[ConflictDetector] Publish conflict failed", "type", rec.ConflictType, "error", err)
	}
}

func progressRank(s ProgressState) int {
	switch s {
	case ProgressEarly:
		return 1
	case ProgressMid:
		return 2
	case ProgressLate:
		return 3
	case ProgressCompleted:
		return 4
	default:
		return 0
	}
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return asFloat(v)
	}
	return def
}

func paramString(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
