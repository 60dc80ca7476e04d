package story

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bodybroker/backend/internal/bus"
	"github.com/bodybroker/backend/internal/runtime"
)

// Health subjects for this service.
const (
	SubjectHealth    = "events.story.v1.health"
	SubjectSysHealth = "SYS.HEALTH.STORY_MEMORY"
)

// Service is the Story Memory service: ingestor subscription, request/reply
// API, periodic drift sweep.
type Service struct {
	bus      bus.Bus
	repo     Repository
	manager  *Manager
	cache    *SnapshotCache
	ingestor *Ingestor
	drift    *DriftDetector

	mu       sync.Mutex
	unsubs   []func()
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	loops    sync.WaitGroup
	started  bool
}

// NewService wires the story components into a runnable service.
func NewService(b bus.Bus, repo Repository, manager *Manager, cache *SnapshotCache, ingestor *Ingestor, drift *DriftDetector) *Service {
	return &Service{bus: b, repo: repo, manager: manager, cache: cache, ingestor: ingestor, drift: drift}
}

// Name implements runtime.Service.
func (s *Service) Name() string { return "story-memory" }

// Start declares all subscriptions and launches the periodic drift sweep.
// It returns once every subscription is live.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	subscriptions := []struct {
		pattern string
		group   string
		handler bus.Handler
	}{
		{SubjectEventsIn, "story_memory_workers", s.tracked(s.ingestor.HandleMessage)},
		{"story.get.snapshot", "", s.replyHandler(s.handleGetSnapshot)},
		{"story.get.arc_progress", "", s.replyHandler(s.handleGetArcProgress)},
		{"story.get.relationships", "", s.replyHandler(s.handleGetRelationships)},
		{"story.get.dark_world_standings", "", s.replyHandler(s.handleGetStandings)},
		{"story.check.drift", "", s.replyHandler(s.handleCheckDrift)},
		{"story.update.arc_progress", "", s.replyHandler(s.handleUpdateArc)},
		{"story.update.relationship", "", s.replyHandler(s.handleUpdateRelationship)},
		{"story.update.dark_world_standing", "", s.replyHandler(s.handleUpdateStanding)},
		{"story.update.decision", "", s.replyHandler(s.handleRecordDecision)},
	}
	for _, sub := range subscriptions {
		var unsub func()
		var err error
		if sub.group != "" {
			unsub, err = s.bus.QueueSubscribe(sub.pattern, sub.group, sub.handler)
		} else {
			unsub, err = s.bus.Subscribe(sub.pattern, sub.handler)
		}
		if err != nil {
			s.teardownLocked()
			return fmt.Errorf("subscribe %s: %w", sub.pattern, err)
		}
		s.unsubs = append(s.unsubs, unsub)
	}

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.drift.RunSweep(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()

	s.started = true
	slog.Info("[StoryService] Subscriptions live", "count", len(s.unsubs))
	return nil
}

// Stop cancels periodic tasks, stops accepting new work and drains
// in-flight handlers up to the caller's deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out: %w", ctx.Err())
	}
}

func (s *Service) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.started = false
}

// Health implements runtime.Service.
func (s *Service) Health(ctx context.Context) runtime.HealthRecord {
	record := runtime.HealthRecord{
		Service: s.Name(),
		Status:  runtime.StatusHealthy,
		Details: map[string]interface{}{
			"l1_cache_entries": s.cache.Len(),
		},
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.repo.Ping(pingCtx); err != nil {
		record.Status = runtime.StatusUnhealthy
		record.Issues = append(record.Issues, fmt.Sprintf("repository unreachable: %v", err))
	}
	return record
}

// tracked wraps a handler so Stop can drain in-flight work.
func (s *Service) tracked(h bus.Handler) bus.Handler {
	return func(ctx context.Context, msg *bus.Msg) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		h(ctx, msg)
	}
}

// replyHandler adapts a request handler to the bus, wrapping its result in
// the {success, error?, payload} reply shape. Handler panics and errors
// become {success:false} replies; the subscription always stays alive.
func (s *Service) replyHandler(h func(ctx context.Context, req map[string]interface{}) (string, interface{}, error)) bus.Handler {
	return s.tracked(func(ctx context.Context, msg *bus.Msg) {
		if msg.Reply == "" {
			slog.Warn("[StoryService] Request without reply inbox, dropping", "subject", msg.Subject)
			return
		}
		reply := func(body map[string]interface{}) {
			data, err := json.Marshal(body)
			if err != nil {
				slog.Error("[StoryService] Marshal reply", "subject", msg.Subject, "error", err)
				return
			}
			if err := s.bus.Publish(ctx, msg.Reply, data); err != nil {
				slog.Warn("[StoryService] Publish reply failed", "subject", msg.Subject, "error", err)
			}
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[StoryService] Handler panicked", "subject", msg.Subject, "panic", r)
				reply(map[string]interface{}{"success": false, "error": "internal error"})
			}
		}()

		var req map[string]interface{}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply(map[string]interface{}{"success": false, "error": "malformed request: " + err.Error()})
			return
		}
		key, payload, err := h(ctx, req)
		if err != nil {
			reply(map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		body := map[string]interface{}{"success": true}
		if key != "" {
			body[key] = payload
		}
		reply(body)
	})
}

func requirePlayer(req map[string]interface{}) (string, error) {
	playerID, _ := req["player_id"].(string)
	if playerID == "" {
		return "", fmt.Errorf("player_id is required")
	}
	return playerID, nil
}

func (s *Service) handleGetSnapshot(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	force, _ := req["force_refresh"].(bool)
	snap, err := s.cache.Get(ctx, playerID, force)
	if err != nil {
		return "", nil, err
	}
	return "snapshot", snap, nil
}

func (s *Service) handleGetArcProgress(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	snap, err := s.cache.Get(ctx, playerID, false)
	if err != nil {
		return "", nil, err
	}
	return "arc_progress", snap.ArcProgress, nil
}

func (s *Service) handleGetRelationships(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	snap, err := s.cache.Get(ctx, playerID, false)
	if err != nil {
		return "", nil, err
	}
	return "relationships", snap.Relationships, nil
}

func (s *Service) handleGetStandings(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	snap, err := s.cache.Get(ctx, playerID, false)
	if err != nil {
		return "", nil, err
	}
	return "dark_world_standings", snap.DarkWorldStandings, nil
}

func (s *Service) handleCheckDrift(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	force, _ := req["force"].(bool)
	window := int(asFloat(req["window_hours"]))
	report, err := s.drift.CheckDrift(ctx, playerID, window, force)
	if err != nil {
		return "", nil, err
	}
	return "report", report, nil
}

func (s *Service) handleUpdateArc(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	arcID := str(req, "arc_id")
	if arcID == "" {
		return "", nil, fmt.Errorf("arc_id is required")
	}
	err = s.manager.UpdateArcProgress(ctx, playerID, arcID, arcRole(req), ProgressState(str(req, "progress_state")), str(req, "last_beat_id"))
	return "", nil, err
}

func (s *Service) handleUpdateRelationship(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	entityID := str(req, "entity_id")
	if entityID == "" {
		return "", nil, fmt.Errorf("entity_id is required")
	}
	entityType := EntityType(str(req, "entity_type"))
	if entityType == "" {
		entityType = EntityNPC
	}
	err = s.manager.UpdateRelationship(ctx, playerID, entityID, entityType,
		asFloat(req["score_delta"]), strSlice(req, "new_flags"), str(req, "interaction"))
	return "", nil, err
}

func (s *Service) handleUpdateStanding(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	family := str(req, "family")
	if family == "" {
		return "", nil, fmt.Errorf("family is required")
	}
	betrayal, _ := req["betrayal"].(bool)
	deltas := StandingDeltas{
		Score:      asFloat(req["score_delta"]),
		FavorsOwed: int(asFloat(req["favors_delta"])),
		DebtsOwed:  int(asFloat(req["debts_delta"])),
	}
	err = s.manager.UpdateDarkWorldStanding(ctx, playerID, family, deltas, betrayal, strSlice(req, "special_status"))
	return "", nil, err
}

func (s *Service) handleRecordDecision(ctx context.Context, req map[string]interface{}) (string, interface{}, error) {
	playerID, err := requirePlayer(req)
	if err != nil {
		return "", nil, err
	}
	d := decisionFrom(req)
	if d.ChoiceLabel == "" {
		return "", nil, fmt.Errorf("choice_label is required")
	}
	err = s.manager.RecordDecision(ctx, playerID, d, str(req, "session_id"))
	return "", nil, err
}

var _ runtime.Service = (*Service)(nil)
