package story

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used by tests and local runs
// without a database. All operations are safe for concurrent use.
type MemoryRepository struct {
	mu      sync.RWMutex
	players map[string]*memPlayer
}

type memPlayer struct {
	moralScore    float64
	brokerBook    map[string]interface{}
	debtOfFlesh   map[string]interface{}
	arcs          map[string]ArcProgress
	decisions     []Decision
	relationships map[string]Relationship
	standings     map[string]DarkWorldStanding
	experiences   map[string]Experience
	events        map[int64]StoryEvent
	drift         []DriftReport
	conflicts     []ConflictRecord
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{players: make(map[string]*memPlayer)}
}

func (r *MemoryRepository) player(playerID string) (*memPlayer, bool) {
	p, ok := r.players[playerID]
	return p, ok
}

func (r *MemoryRepository) EnsurePlayer(_ context.Context, playerID string, families []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.players[playerID]; ok {
		return nil
	}
	p := &memPlayer{
		brokerBook:    make(map[string]interface{}),
		debtOfFlesh:   make(map[string]interface{}),
		arcs:          make(map[string]ArcProgress),
		relationships: make(map[string]Relationship),
		standings:     make(map[string]DarkWorldStanding),
		experiences:   make(map[string]Experience),
		events:        make(map[int64]StoryEvent),
	}
	for _, f := range families {
		p.standings[f] = DarkWorldStanding{Family: f, SpecialStatus: []string{}}
	}
	r.players[playerID] = p
	return nil
}

func (r *MemoryRepository) PlayerExists(_ context.Context, playerID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.players[playerID]
	return ok, nil
}

func (r *MemoryRepository) GetMoralScore(_ context.Context, playerID string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return 0, ErrNotFound
	}
	return p.moralScore, nil
}

func (r *MemoryRepository) AdjustMoralScore(_ context.Context, playerID string, delta float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return 0, ErrNotFound
	}
	p.moralScore = clamp(p.moralScore+delta, -1, 1)
	return p.moralScore, nil
}

func (r *MemoryRepository) GetBrokerBook(_ context.Context, playerID string) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, ErrNotFound
	}
	return copyMap(p.brokerBook), nil
}

func (r *MemoryRepository) PutBrokerBook(_ context.Context, playerID string, state map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.brokerBook = copyMap(state)
	return nil
}

func (r *MemoryRepository) GetDebtOfFlesh(_ context.Context, playerID string) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, ErrNotFound
	}
	return copyMap(p.debtOfFlesh), nil
}

func (r *MemoryRepository) PutDebtOfFlesh(_ context.Context, playerID string, state map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.debtOfFlesh = copyMap(state)
	return nil
}

func (r *MemoryRepository) ListArcProgress(_ context.Context, playerID string) ([]ArcProgress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, nil
	}
	out := make([]ArcProgress, 0, len(p.arcs))
	for _, a := range p.arcs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArcID < out[j].ArcID })
	return out, nil
}

func (r *MemoryRepository) UpsertArcProgress(_ context.Context, playerID string, arc ArcProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.arcs[arc.ArcID] = arc
	return nil
}

func (r *MemoryRepository) InsertDecision(_ context.Context, playerID string, d Decision, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.decisions = append(p.decisions, d)
	return nil
}

func (r *MemoryRepository) RecentDecisions(_ context.Context, playerID string, limit int) ([]Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, nil
	}
	out := make([]Decision, len(p.decisions))
	copy(out, p.decisions)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListRelationships(_ context.Context, playerID string) ([]Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, nil
	}
	out := make([]Relationship, 0, len(p.relationships))
	for _, rel := range p.relationships {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (r *MemoryRepository) GetRelationship(_ context.Context, playerID, entityID string) (*Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, ErrNotFound
	}
	rel, ok := p.relationships[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rel, nil
}

func (r *MemoryRepository) PutRelationship(_ context.Context, playerID string, rel Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.relationships[rel.EntityID] = rel
	return nil
}

func (r *MemoryRepository) ListStandings(_ context.Context, playerID string) ([]DarkWorldStanding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, nil
	}
	out := make([]DarkWorldStanding, 0, len(p.standings))
	for _, s := range p.standings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out, nil
}

func (r *MemoryRepository) GetStanding(_ context.Context, playerID, family string) (*DarkWorldStanding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := p.standings[family]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) PutStanding(_ context.Context, playerID string, s DarkWorldStanding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.standings[s.Family] = s
	return nil
}

func (r *MemoryRepository) ListExperiences(_ context.Context, playerID string) ([]Experience, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, nil
	}
	out := make([]Experience, 0, len(p.experiences))
	for _, e := range p.experiences {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperienceID < out[j].ExperienceID })
	return out, nil
}

func (r *MemoryRepository) UpsertExperience(_ context.Context, playerID string, e Experience) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(playerID)
	if !ok {
		return ErrNotFound
	}
	p.experiences[e.ExperienceID] = e
	return nil
}

func (r *MemoryRepository) AppendEvent(_ context.Context, e StoryEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(e.PlayerID)
	if !ok {
		return false, ErrNotFound
	}
	if _, exists := p.events[e.SequenceNum]; exists {
		return false, nil
	}
	p.events[e.SequenceNum] = e
	return true, nil
}

func (r *MemoryRepository) MaxSequence(_ context.Context, playerID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return 0, nil
	}
	var max int64
	for seq := range p.events {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (r *MemoryRepository) EventsSince(_ context.Context, playerID string, since time.Time) ([]StoryEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.player(playerID)
	if !ok {
		return nil, nil
	}
	var out []StoryEvent
	for _, e := range p.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNum < out[j].SequenceNum })
	return out, nil
}

func (r *MemoryRepository) ActivePlayers(_ context.Context, since time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, p := range r.players {
		for _, e := range p.events {
			if !e.Timestamp.Before(since) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepository) InsertDriftAlert(_ context.Context, report DriftReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(report.PlayerID)
	if !ok {
		return ErrNotFound
	}
	p.drift = append(p.drift, report)
	return nil
}

func (r *MemoryRepository) InsertConflict(_ context.Context, rec ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.player(rec.PlayerID)
	if !ok {
		return ErrNotFound
	}
	p.conflicts = append(p.conflicts, rec)
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

// DriftAlerts returns persisted drift alerts for assertions in tests.
func (r *MemoryRepository) DriftAlerts(playerID string) []DriftReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.players[playerID]; ok {
		out := make([]DriftReport, len(p.drift))
		copy(out, p.drift)
		return out
	}
	return nil
}

// Conflicts returns persisted conflict records for assertions in tests.
func (r *MemoryRepository) Conflicts(playerID string) []ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.players[playerID]; ok {
		out := make([]ConflictRecord, len(p.conflicts))
		copy(out, p.conflicts)
		return out
	}
	return nil
}

// EventCount returns the number of audit rows for a player.
func (r *MemoryRepository) EventCount(playerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.players[playerID]; ok {
		return len(p.events)
	}
	return 0
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
