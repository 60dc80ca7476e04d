package vision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bodybroker/backend/internal/bus"
	"github.com/bodybroker/backend/internal/runtime"
)

// Health subjects for this service.
const (
	SubjectHealth    = "vision.health.analyzer"
	SubjectSysHealth = "SYS.HEALTH.4D_VISION"
)

// Service is the 4D vision analyzer: admission subscription, worker pool,
// lease sweeper and the queue-depth health signal.
type Service struct {
	bus           bus.Bus
	repo          Repository
	pool          *Pool
	admission     *Admission
	sweeper       *LeaseSweeper
	highWatermark int
	metrics       *Metrics

	mu      sync.Mutex
	unsub   func()
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	started bool
}

// NewService assembles the analyzer from its parts. highWatermark is the
// pending-queue depth beyond which health degrades.
func NewService(b bus.Bus, repo Repository, pool *Pool, sweeper *LeaseSweeper, highWatermark int) *Service {
	if highWatermark <= 0 {
		highWatermark = 100
	}
	return &Service{
		bus:           b,
		repo:          repo,
		pool:          pool,
		admission:     NewAdmission(repo),
		sweeper:       sweeper,
		highWatermark: highWatermark,
		metrics:       NewMetrics(),
	}
}

// Name implements runtime.Service.
func (s *Service) Name() string { return "4d-vision-analyzer" }

// Start subscribes the admission handler and launches the worker pool,
// lease sweeper and queue-depth gauge.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	unsub, err := s.bus.QueueSubscribe(SubjectAnalyzeRequest, QueueGroup, s.admission.HandleMessage)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", SubjectAnalyzeRequest, err)
	}
	s.unsub = unsub

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.pool.Run(loopCtx)
	}()
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.sweeper.Run(loopCtx)
	}()
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.gaugeLoop(loopCtx)
	}()

	s.started = true
	slog.Info("[AnalyzerService] Started", "workers", s.pool.workers)
	return nil
}

// Stop unsubscribes, cancels the loops and waits for workers to finish
// their in-flight segment, up to the caller's deadline. A row still
// processing at deadline stays leased; the sweeper reclaims it later.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
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

// Health implements runtime.Service. Queue depth above the high watermark
// or a half-dead pool degrades; an unreachable repository is unhealthy.
func (s *Service) Health(ctx context.Context) runtime.HealthRecord {
	detectors := make(map[string]Capabilities, len(s.pool.detectors))
	for _, d := range s.pool.detectors {
		detectors[d.Type()] = d.Capabilities()
	}
	record := runtime.HealthRecord{
		Service: s.Name(),
		Status:  runtime.StatusHealthy,
		Details: map[string]interface{}{
			"workers_live": s.pool.LiveWorkers(),
			"detectors":    detectors,
		},
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.repo.Ping(pingCtx); err != nil {
		record.Status = runtime.StatusUnhealthy
		record.Issues = append(record.Issues, fmt.Sprintf("repository unreachable: %v", err))
		return record
	}

	depth, err := s.repo.QueueDepth(ctx)
	if err != nil {
		record.Status = runtime.StatusDegraded
		record.Issues = append(record.Issues, fmt.Sprintf("queue depth unavailable: %v", err))
	} else {
		record.Details["queue_depth"] = depth
		if depth > s.highWatermark {
			record.Status = runtime.StatusDegraded
			record.Issues = append(record.Issues, fmt.Sprintf("queue depth %d above watermark %d", depth, s.highWatermark))
		}
	}

	if live := s.pool.LiveWorkers(); s.started && live < (s.pool.workers+1)/2 {
		record.Status = runtime.StatusDegraded
		record.Issues = append(record.Issues, fmt.Sprintf("only %d of %d workers live", live, s.pool.workers))
	}
	return record
}

func (s *Service) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if depth, err := s.repo.QueueDepth(ctx); err == nil {
				s.metrics.QueueDepth.Set(float64(depth))
			}
		case <-ctx.Done():
			return
		}
	}
}

var _ runtime.Service = (*Service)(nil)
