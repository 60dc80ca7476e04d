package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bodybroker/backend/internal/bus"
)

// Subject taxonomy: inbound gameplay events arrive on story.events.<type>;
// everything this service emits goes out on events.story.v1.* (plus the two
// legacy arc/conflict subjects consumers already depend on).
const (
	SubjectEventsIn         = "story.events.>"
	SubjectDrift            = "events.story.v1.drift"
	SubjectConflictAlert    = "events.story.v1.conflict_alert"
	SubjectArcCompleted     = "story.arc.completed"
	SubjectConflictDetected = "story.conflict.detected"
)

// interactionWindow is how recently a relationship interaction must have
// happened for an npc-death cross-check to flag a conflict.
const interactionWindow = 10 * time.Minute

// Ingestor routes typed gameplay events into state-manager writes and the
// append-only audit log. Malformed or unroutable events are logged and
// dropped; they never block the subscription.
type Ingestor struct {
	manager *Manager
	cache   *SnapshotCache
	pub     Publisher
	metrics *Metrics

	mu      sync.Mutex
	nextSeq map[string]int64
	seen    map[string]struct{}
	seenQ   []string
}

const seenCap = 4096

// NewIngestor creates the event ingestor.
func NewIngestor(manager *Manager, cache *SnapshotCache, pub Publisher) *Ingestor {
	return &Ingestor{
		manager: manager,
		cache:   cache,
		pub:     pub,
		metrics: NewMetrics(),
		nextSeq: make(map[string]int64),
		seen:    make(map[string]struct{}),
	}
}

// HandleMessage is the bus handler for story.events.>. Every per-event
// error is absorbed here.
func (in *Ingestor) HandleMessage(ctx context.Context, msg *bus.Msg) {
	eventType := strings.TrimPrefix(msg.Subject, "story.events.")
	if eventType == msg.Subject || eventType == "" {
		slog.Warn("[Ingestor] Unroutable subject, dropping", "subject", msg.Subject)
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		slog.Warn("[Ingestor] Malformed event payload, dropping", "subject", msg.Subject, "error", err)
		in.metrics.EventsIngested.WithLabelValues(eventType, "dropped").Inc()
		return
	}
	playerID, _ := payload["player_id"].(string)
	if playerID == "" {
		slog.Warn("[Ingestor] Event without player_id, dropping", "subject", msg.Subject)
		in.metrics.EventsIngested.WithLabelValues(eventType, "dropped").Inc()
		return
	}

	// Bus redelivery of an already-processed message is a no-op.
	if in.alreadySeen(dedupKey(msg, payload)) {
		in.metrics.EventsIngested.WithLabelValues(eventType, "duplicate").Inc()
		return
	}

	if err := in.process(ctx, eventType, playerID, payload); err != nil {
		slog.Error("[Ingestor] Event processing failed", "event_type", eventType, "player", playerID, "error", err)
		in.metrics.EventsIngested.WithLabelValues(eventType, "dropped").Inc()
		return
	}
	in.metrics.EventsIngested.WithLabelValues(eventType, "applied").Inc()
}

// dedupKey prefers an explicit event_id so replays across reconnects
// dedupe too; the bus message id covers everything else.
func dedupKey(msg *bus.Msg, payload map[string]interface{}) string {
	if id, _ := payload["event_id"].(string); id != "" {
		return id
	}
	return msg.ID
}

func (in *Ingestor) alreadySeen(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.seen[key]; ok {
		return true
	}
	in.seen[key] = struct{}{}
	in.seenQ = append(in.seenQ, key)
	if len(in.seenQ) > seenCap {
		delete(in.seen, in.seenQ[0])
		in.seenQ = in.seenQ[1:]
	}
	return false
}

func (in *Ingestor) process(ctx context.Context, eventType, playerID string, payload map[string]interface{}) error {
	if err := in.appendAudit(ctx, eventType, playerID, payload); err != nil {
		return err
	}

	switch eventType {
	case "arc.beat.reached":
		return in.handleBeatReached(ctx, playerID, payload)
	case "arc.started":
		return in.manager.UpdateArcProgress(ctx, playerID, str(payload, "arc_id"), arcRole(payload), ProgressEarly, "")
	case "arc.completed":
		return in.handleArcCompleted(ctx, playerID, payload)
	case "quest.completed":
		return in.handleQuestCompleted(ctx, playerID, payload)
	case "experience.completed":
		return in.manager.CompleteExperience(ctx, playerID, str(payload, "experience_id"), floatMap(payload, "emotional_impact"))
	case "relationship.changed":
		return in.handleRelationshipChanged(ctx, playerID, payload)
	case "decision.made":
		return in.manager.RecordDecision(ctx, playerID, decisionFrom(payload), str(payload, "session_id"))
	case "moral.choice":
		return in.handleMoralChoice(ctx, playerID, payload)
	case "player.death":
		return in.manager.MutateDebtOfFlesh(ctx, playerID, func(state map[string]interface{}) {
			state["death_count"] = asFloat(state["death_count"]) + 1
		})
	case "soul.echo.encounter":
		return in.manager.MutateDebtOfFlesh(ctx, playerID, func(state map[string]interface{}) {
			echoes, _ := state["soul_echoes"].([]interface{})
			state["soul_echoes"] = append(echoes, payload["echo"])
		})
	case "world.state.changed":
		return in.handleWorldStateChanged(ctx, playerID, payload)
	case "activity.logged":
		return nil // audit row only; feeds the drift analyzers
	default:
		slog.Warn("[Ingestor] Unknown event type, audit only", "event_type", eventType)
		return nil
	}
}

// appendAudit assigns the next per-player sequence and inserts the audit
// row idempotently. The counter hydrates from max(sequence_num) on first
// use after restart.
func (in *Ingestor) appendAudit(ctx context.Context, eventType, playerID string, payload map[string]interface{}) error {
	if err := in.manager.Repo().EnsurePlayer(ctx, playerID, in.manager.Families()); err != nil {
		return fmt.Errorf("ensure player: %w", err)
	}
	seq, err := in.nextSequence(ctx, playerID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC()
	if raw, _ := payload["timestamp"].(string); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	if _, err := in.manager.Repo().AppendEvent(ctx, StoryEvent{
		PlayerID:    playerID,
		SequenceNum: seq,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   ts,
	}); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (in *Ingestor) nextSequence(ctx context.Context, playerID string) (int64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	next, ok := in.nextSeq[playerID]
	if !ok {
		max, err := in.manager.Repo().MaxSequence(ctx, playerID)
		if err != nil {
			return 0, fmt.Errorf("hydrate sequence: %w", err)
		}
		next = max + 1
	}
	in.nextSeq[playerID] = next + 1
	return next, nil
}

// deriveProgressState maps a beat id to a progress state. The beat-id
// substring heuristic is brittle; an explicit progress_state on the payload
// always wins.
func deriveProgressState(beatID string) ProgressState {
	b := strings.ToLower(beatID)
	switch {
	case strings.Contains(b, "intro"), strings.Contains(b, "start"):
		return ProgressEarly
	case strings.Contains(b, "climax"), strings.Contains(b, "finale"):
		return ProgressLate
	case strings.Contains(b, "complete"), strings.Contains(b, "end"):
		return ProgressCompleted
	default:
		return ProgressMid
	}
}

func (in *Ingestor) handleBeatReached(ctx context.Context, playerID string, payload map[string]interface{}) error {
	beatID := str(payload, "beat_id")
	state := deriveProgressState(beatID)
	if explicit := str(payload, "progress_state"); explicit != "" {
		state = ProgressState(explicit)
	}
	return in.manager.UpdateArcProgress(ctx, playerID, str(payload, "arc_id"), arcRole(payload), state, beatID)
}

func (in *Ingestor) handleArcCompleted(ctx context.Context, playerID string, payload map[string]interface{}) error {
	arcID := str(payload, "arc_id")
	if err := in.manager.UpdateArcProgress(ctx, playerID, arcID, arcRole(payload), ProgressCompleted, ""); err != nil {
		return err
	}
	out, _ := json.Marshal(map[string]interface{}{
		"player_id": playerID,
		"arc_id":    arcID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err := in.pub.Publish(ctx, SubjectArcCompleted, out); err != nil {
		slog.Warn("[Ingestor] Publish arc completed failed", "arc", arcID, "error", err)
	}
	return nil
}

func (in *Ingestor) handleQuestCompleted(ctx context.Context, playerID string, payload map[string]interface{}) error {
	questID := strings.ToLower(str(payload, "quest_id"))
	if strings.Contains(questID, "main") || strings.Contains(questID, "arc") {
		arcID := str(payload, "arc_id")
		if arcID == "" {
			arcID = str(payload, "quest_id")
		}
		return in.manager.UpdateArcProgress(ctx, playerID, arcID, ArcRoleMain, ProgressMid, "")
	}
	return nil // audit row only
}

func (in *Ingestor) handleRelationshipChanged(ctx context.Context, playerID string, payload map[string]interface{}) error {
	delta := asFloat(payload["new_score"]) - asFloat(payload["old_score"])
	if delta > 20 || delta < -20 {
		slog.Warn("[Ingestor] Large relationship swing", "player", playerID,
			"entity", str(payload, "entity_id"), "delta", delta)
	}
	entityType := EntityType(str(payload, "entity_type"))
	if entityType == "" {
		entityType = EntityNPC
	}
	return in.manager.UpdateRelationship(ctx, playerID, str(payload, "entity_id"), entityType,
		delta, strSlice(payload, "flags"), str(payload, "interaction"))
}

func (in *Ingestor) handleMoralChoice(ctx context.Context, playerID string, payload map[string]interface{}) error {
	weight := asFloat(payload["moral_weight"])
	if _, err := in.manager.AdjustMoralScore(ctx, playerID, weight); err != nil {
		return err
	}
	d := decisionFrom(payload)
	d.MoralWeight = weight
	return in.manager.RecordDecisionNoScore(ctx, playerID, d, str(payload, "session_id"))
}

// handleWorldStateChanged cross-checks npc deaths against relationships the
// player touched in the last ten minutes and raises a conflict alert for
// each match.
func (in *Ingestor) handleWorldStateChanged(ctx context.Context, playerID string, payload map[string]interface{}) error {
	deaths := strSlice(payload, "npc_deaths")
	if len(deaths) == 0 {
		return nil
	}
	snap, err := in.cache.Get(ctx, playerID, false)
	if err != nil {
		return fmt.Errorf("snapshot for cross-check: %w", err)
	}
	cutoff := time.Now().Add(-interactionWindow)
	for _, npc := range deaths {
		for _, rel := range snap.Relationships {
			if rel.EntityID != npc || rel.LastInteractionAt == nil || rel.LastInteractionAt.Before(cutoff) {
				continue
			}
			alert, _ := json.Marshal(map[string]interface{}{
				"player_id":     playerID,
				"conflict_type": "npc_state",
				"npc_id":        npc,
				"detail":        "npc reported dead within interaction window",
				"timestamp":     time.Now().UTC().Format(time.RFC3339),
			})
			if err := in.pub.Publish(ctx, SubjectConflictDetected, alert); err != nil {
				slog.Warn("[Ingestor] Publish conflict alert failed", "npc", npc, "error", err)
			}
			in.metrics.ConflictsFound.Inc()
		}
	}
	return nil
}

// Payload field helpers. Unknown fields are preserved in the audit row and
// ignored here.

func str(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}

func strSlice(payload map[string]interface{}, key string) []string {
	raw, _ := payload[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func floatMap(payload map[string]interface{}, key string) map[string]float64 {
	raw, _ := payload[key].(map[string]interface{})
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		out[k] = asFloat(v)
	}
	return out
}

func arcRole(payload map[string]interface{}) ArcRole {
	if r := str(payload, "arc_role"); r != "" {
		return ArcRole(r)
	}
	return ArcRoleSide
}

func decisionFrom(payload map[string]interface{}) Decision {
	d := Decision{
		DecisionID:  str(payload, "decision_id"),
		ArcID:       str(payload, "arc_id"),
		NPCID:       str(payload, "npc_id"),
		ChoiceLabel: str(payload, "choice_label"),
		OutcomeTags: strSlice(payload, "outcome_tags"),
		MoralWeight: asFloat(payload["moral_weight"]),
	}
	if d.DecisionID == "" {
		d.DecisionID = uuid.New().String()
	}
	if raw := str(payload, "timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			d.Timestamp = ts
		}
	}
	return d
}
