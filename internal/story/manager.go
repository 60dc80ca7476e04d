package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Publisher is the outbound slice of the bus the manager needs for domain
// events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Invalidator drops cached snapshots for a player. The snapshot cache
// satisfies it; a no-op is used until the cache is wired.
type Invalidator interface {
	Invalidate(ctx context.Context, playerID string)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, string) {}

// Manager owns all reads and writes against the player-story repository.
// Concurrent mutations for the same player serialize on a per-player lock,
// so they are equivalent to some serial order.
type Manager struct {
	repo     Repository
	families []string
	pub      Publisher
	metrics  *Metrics

	inval Invalidator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a state manager. families is the configured dark-world
// family set; every new player gets one standing row per family.
func NewManager(repo Repository, families []string, pub Publisher) *Manager {
	return &Manager{
		repo:     repo,
		families: families,
		pub:      pub,
		metrics:  NewMetrics(),
		inval:    noopInvalidator{},
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetInvalidator wires the snapshot cache after construction.
func (m *Manager) SetInvalidator(inv Invalidator) { m.inval = inv }

// playerLock returns the mutex serializing writes for one player.
func (m *Manager) playerLock(playerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[playerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[playerID] = lock
	}
	return lock
}

// GetSnapshot returns a fully populated snapshot, lazily initializing the
// player on first access. Initialization is idempotent under concurrent
// first access (upserts with do-nothing semantics).
func (m *Manager) GetSnapshot(ctx context.Context, playerID string) (*Snapshot, error) {
	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return nil, fmt.Errorf("ensure player %s: %w", playerID, err)
	}

	score, err := m.repo.GetMoralScore(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("moral score: %w", err)
	}
	brokerBook, err := m.repo.GetBrokerBook(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("broker book: %w", err)
	}
	debt, err := m.repo.GetDebtOfFlesh(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("debt of flesh: %w", err)
	}
	arcs, err := m.repo.ListArcProgress(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("arc progress: %w", err)
	}
	decisions, err := m.repo.RecentDecisions(ctx, playerID, maxSnapshotDecisions)
	if err != nil {
		return nil, fmt.Errorf("decisions: %w", err)
	}
	relationships, err := m.repo.ListRelationships(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("relationships: %w", err)
	}
	standings, err := m.repo.ListStandings(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("standings: %w", err)
	}
	experiences, err := m.repo.ListExperiences(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("experiences: %w", err)
	}

	return &Snapshot{
		PlayerID:            playerID,
		SurgeonButcherScore: score,
		BrokerBookState:     brokerBook,
		DebtOfFleshState:    debt,
		ArcProgress:         arcs,
		RecentDecisions:     decisions,
		Relationships:       relationships,
		DarkWorldStandings:  standings,
		Experiences:         experiences,
		GeneratedAt:         time.Now().UTC(),
	}, nil
}

// UpdateArcProgress upserts one (player, arc) row.
func (m *Manager) UpdateArcProgress(ctx context.Context, playerID, arcID string, role ArcRole, state ProgressState, lastBeatID string) error {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return err
	}
	arc := ArcProgress{ArcID: arcID, Role: role, State: state, LastBeatID: lastBeatID, UpdatedAt: time.Now().UTC()}
	if err := m.repo.UpsertArcProgress(ctx, playerID, arc); err != nil {
		return fmt.Errorf("upsert arc %s: %w", arcID, err)
	}
	m.metrics.MutationsTotal.WithLabelValues("arc_progress").Inc()
	m.afterWrite(ctx, playerID, "events.story.v1.arc_progress", map[string]interface{}{
		"player_id": playerID, "arc_id": arcID, "progress_state": string(state),
	})
	return nil
}

// RecordDecision appends a decision. When |moral_weight| > 0.01 the
// surgeon-butcher score shifts by the weight, clamped, under the same
// player lock.
func (m *Manager) RecordDecision(ctx context.Context, playerID string, d Decision, sessionID string) error {
	return m.recordDecision(ctx, playerID, d, sessionID, true)
}

// RecordDecisionNoScore appends a decision without touching the moral
// score. Used when the score delta was already applied separately
// (moral.choice events).
func (m *Manager) RecordDecisionNoScore(ctx context.Context, playerID string, d Decision, sessionID string) error {
	return m.recordDecision(ctx, playerID, d, sessionID, false)
}

func (m *Manager) recordDecision(ctx context.Context, playerID string, d Decision, sessionID string, applyScore bool) error {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return err
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	if err := m.repo.InsertDecision(ctx, playerID, d, sessionID); err != nil {
		return fmt.Errorf("insert decision %s: %w", d.DecisionID, err)
	}
	if applyScore && (d.MoralWeight > 0.01 || d.MoralWeight < -0.01) {
		if _, err := m.repo.AdjustMoralScore(ctx, playerID, d.MoralWeight); err != nil {
			return fmt.Errorf("adjust moral score: %w", err)
		}
	}
	m.metrics.MutationsTotal.WithLabelValues("decision").Inc()
	m.afterWrite(ctx, playerID, "events.story.v1.decision", map[string]interface{}{
		"player_id": playerID, "decision_id": d.DecisionID, "moral_weight": d.MoralWeight,
	})
	return nil
}

// UpdateRelationship applies a read-modify-write upsert. Score clamps to
// [-100,100]; flags merge as a set; last_interaction_at moves only when an
// interaction is supplied.
func (m *Manager) UpdateRelationship(ctx context.Context, playerID, entityID string, entityType EntityType, scoreDelta float64, newFlags []string, interaction string) error {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return err
	}
	rel, err := m.repo.GetRelationship(ctx, playerID, entityID)
	if err == ErrNotFound {
		rel = &Relationship{EntityID: entityID, EntityType: entityType, Flags: []string{}}
	} else if err != nil {
		return fmt.Errorf("get relationship %s: %w", entityID, err)
	}

	rel.EntityType = entityType
	rel.Score = clamp(rel.Score+scoreDelta, -100, 100)
	rel.Flags = mergeSet(rel.Flags, newFlags)
	if interaction != "" {
		now := time.Now().UTC()
		rel.LastInteraction = interaction
		rel.LastInteractionAt = &now
	}
	if err := m.repo.PutRelationship(ctx, playerID, *rel); err != nil {
		return fmt.Errorf("put relationship %s: %w", entityID, err)
	}
	m.metrics.MutationsTotal.WithLabelValues("relationship").Inc()
	m.afterWrite(ctx, playerID, "events.story.v1.relationship", map[string]interface{}{
		"player_id": playerID, "entity_id": entityID, "score": rel.Score,
	})
	return nil
}

// StandingDeltas carries the counter changes for one standing update.
type StandingDeltas struct {
	Score      float64
	FavorsOwed int
	DebtsOwed  int
}

// UpdateDarkWorldStanding upserts a family standing. Counters floor at 0,
// score clamps, betrayal_count increments only on betrayal.
func (m *Manager) UpdateDarkWorldStanding(ctx context.Context, playerID, family string, deltas StandingDeltas, betrayal bool, specialStatus []string) error {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return err
	}
	s, err := m.repo.GetStanding(ctx, playerID, family)
	if err == ErrNotFound {
		s = &DarkWorldStanding{Family: family, SpecialStatus: []string{}}
	} else if err != nil {
		return fmt.Errorf("get standing %s: %w", family, err)
	}

	s.Score = clamp(s.Score+deltas.Score, -100, 100)
	s.FavorsOwed = floorZero(s.FavorsOwed + deltas.FavorsOwed)
	s.DebtsOwed = floorZero(s.DebtsOwed + deltas.DebtsOwed)
	if betrayal {
		s.BetrayalCount++
	}
	s.SpecialStatus = mergeSet(s.SpecialStatus, specialStatus)
	if err := m.repo.PutStanding(ctx, playerID, *s); err != nil {
		return fmt.Errorf("put standing %s: %w", family, err)
	}
	m.metrics.MutationsTotal.WithLabelValues("standing").Inc()
	m.afterWrite(ctx, playerID, "events.story.v1.standing", map[string]interface{}{
		"player_id": playerID, "family": family, "score": s.Score,
	})
	return nil
}

// CompleteExperience marks an experience completed with its emotional impact.
func (m *Manager) CompleteExperience(ctx context.Context, playerID, experienceID string, impact map[string]float64) error {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return err
	}
	now := time.Now().UTC()
	existing, _ := m.repo.ListExperiences(ctx, playerID)
	e := Experience{ExperienceID: experienceID, Status: ExperienceCompleted, EmotionalImpact: impact, CrossReferences: []string{}, StartedAt: now, CompletedAt: &now}
	for _, prev := range existing {
		if prev.ExperienceID == experienceID {
			e.StartedAt = prev.StartedAt
			e.CrossReferences = prev.CrossReferences
			break
		}
	}
	if err := m.repo.UpsertExperience(ctx, playerID, e); err != nil {
		return fmt.Errorf("upsert experience %s: %w", experienceID, err)
	}
	m.metrics.MutationsTotal.WithLabelValues("experience").Inc()
	m.afterWrite(ctx, playerID, "events.story.v1.experience", map[string]interface{}{
		"player_id": playerID, "experience_id": experienceID, "status": string(ExperienceCompleted),
	})
	return nil
}

// MutateDebtOfFlesh applies fn to the debt-of-flesh state under the player
// lock and writes it back.
func (m *Manager) MutateDebtOfFlesh(ctx context.Context, playerID string, fn func(state map[string]interface{})) error {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return err
	}
	state, err := m.repo.GetDebtOfFlesh(ctx, playerID)
	if err != nil {
		return fmt.Errorf("get debt of flesh: %w", err)
	}
	if state == nil {
		state = make(map[string]interface{})
	}
	fn(state)
	if err := m.repo.PutDebtOfFlesh(ctx, playerID, state); err != nil {
		return fmt.Errorf("put debt of flesh: %w", err)
	}
	m.metrics.MutationsTotal.WithLabelValues("debt_of_flesh").Inc()
	m.inval.Invalidate(ctx, playerID)
	return nil
}

// AdjustMoralScore shifts the surgeon-butcher score by delta, clamped.
func (m *Manager) AdjustMoralScore(ctx context.Context, playerID string, delta float64) (float64, error) {
	lock := m.playerLock(playerID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.EnsurePlayer(ctx, playerID, m.families); err != nil {
		return 0, err
	}
	score, err := m.repo.AdjustMoralScore(ctx, playerID, delta)
	if err != nil {
		return 0, fmt.Errorf("adjust moral score: %w", err)
	}
	m.metrics.MutationsTotal.WithLabelValues("moral_score").Inc()
	m.inval.Invalidate(ctx, playerID)
	return score, nil
}

// Repo exposes the repository for read-side collaborators (drift detector).
func (m *Manager) Repo() Repository { return m.repo }

// Families returns the configured dark-world family set.
func (m *Manager) Families() []string { return m.families }

// afterWrite invalidates the snapshot cache and publishes the domain event.
// Publish happens after commit; duplicates on crash are tolerated because
// consumers are idempotent.
func (m *Manager) afterWrite(ctx context.Context, playerID, subject string, payload map[string]interface{}) {
	m.inval.Invalidate(ctx, playerID)
	if m.pub == nil {
		return
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("[StoryManager] Marshal domain event", "subject", subject, "error", err)
		return
	}
	if err := m.pub.Publish(ctx, subject, data); err != nil {
		slog.Warn("[StoryManager] Publish domain event failed", "subject", subject, "error", err)
	}
}

func floorZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
