package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bodybroker/backend/internal/bus"
	"github.com/bodybroker/backend/internal/circuitbreaker"
	"github.com/bodybroker/backend/internal/runtime"
)

// Orchestrator subjects.
const (
	SubjectGenerateRequest = "training.generate.request"
	SubjectPipelineRun     = "training.pipeline.run"
	SubjectHealth          = "events.training.v1.health"
	SubjectSysHealth       = "SYS.HEALTH.TRAINING_ORCHESTRATOR"
)

// generateRequest is the wire shape of a generation request.
type generateRequest struct {
	Species   string `json:"species"`
	ModelType string `json:"model_type"`
	N         int    `json:"n"`
	Rules     *Rules `json:"rules,omitempty"`
}

// Service exposes the orchestrator and training pipeline over the bus.
type Service struct {
	bus          bus.Bus
	orchestrator *Orchestrator
	pipeline     *TrainingPipeline
	breakers     []*circuitbreaker.CircuitBreaker
	metrics      *Metrics

	mu       sync.Mutex
	unsubs   []func()
	inflight sync.WaitGroup
	started  bool
}

// NewService wires the orchestrator service. breakers are the outbound
// clients' circuit breakers, reported through health.
func NewService(b bus.Bus, orchestrator *Orchestrator, pipeline *TrainingPipeline, breakers ...*circuitbreaker.CircuitBreaker) *Service {
	return &Service{
		bus:          b,
		orchestrator: orchestrator,
		pipeline:     pipeline,
		breakers:     breakers,
		metrics:      NewMetrics(),
	}
}

// Name implements runtime.Service.
func (s *Service) Name() string { return "training-orchestrator" }

// Start registers the request/reply subscriptions.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}

	subjects := map[string]bus.Handler{
		SubjectGenerateRequest: s.replyHandler(s.handleGenerate),
		SubjectPipelineRun:     s.replyHandler(s.handlePipelineRun),
	}
	for subject, handler := range subjects {
		unsub, err := s.bus.Subscribe(subject, handler)
		if err != nil {
			for _, u := range s.unsubs {
				u()
			}
			s.unsubs = nil
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.unsubs = append(s.unsubs, unsub)
	}

	s.started = true
	slog.Info("[OrchestratorService] Subscriptions live", "count", len(s.unsubs))
	return nil
}

// Stop unsubscribes and drains in-flight requests up to the caller's
// deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out: %w", ctx.Err())
	}
}

// Health implements runtime.Service. An open breaker on any outbound
// dependency degrades the service; the bus and clients stay usable.
func (s *Service) Health(ctx context.Context) runtime.HealthRecord {
	record := runtime.HealthRecord{
		Service: s.Name(),
		Status:  runtime.StatusHealthy,
		Details: map[string]interface{}{},
	}
	states := make(map[string]string, len(s.breakers))
	for _, b := range s.breakers {
		state := b.State()
		states[b.Name()] = state.String()
		if state == circuitbreaker.StateOpen {
			record.Status = runtime.StatusDegraded
			record.Issues = append(record.Issues, fmt.Sprintf("circuit open for %s", b.Name()))
		}
	}
	record.Details["breakers"] = states
	return record
}

func (s *Service) replyHandler(h func(ctx context.Context, req generateRequest) (interface{}, error)) bus.Handler {
	return func(ctx context.Context, msg *bus.Msg) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		if msg.Reply == "" {
			slog.Warn("[OrchestratorService] Request without reply inbox, dropping", "subject", msg.Subject)
			return
		}
		reply := func(body map[string]interface{}) {
			data, err := json.Marshal(body)
			if err != nil {
				slog.Error("[OrchestratorService] Marshal reply", "error", err)
				return
			}
			if err := s.bus.Publish(ctx, msg.Reply, data); err != nil {
				slog.Warn("[OrchestratorService] Publish reply failed", "subject", msg.Subject, "error", err)
			}
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("[OrchestratorService] Handler panicked", "subject", msg.Subject, "panic", r)
				reply(map[string]interface{}{"success": false, "error": "internal error"})
			}
		}()

		var req generateRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply(map[string]interface{}{"success": false, "error": "malformed request: " + err.Error()})
			return
		}
		if req.Species == "" || req.ModelType == "" {
			reply(map[string]interface{}{"success": false, "error": "species and model_type are required"})
			return
		}
		if req.N <= 0 {
			req.N = 5
		}
		result, err := h(ctx, req)
		if err != nil {
			reply(map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		reply(map[string]interface{}{"success": true, "result": result})
	}
}

func (s *Service) handleGenerate(ctx context.Context, req generateRequest) (interface{}, error) {
	return s.orchestrator.GenerateTrainingExamples(ctx, req.Species, req.ModelType, req.N, req.Rules)
}

// handlePipelineRun generates trajectories and immediately drives the
// two-stage training pipeline over them.
func (s *Service) handlePipelineRun(ctx context.Context, req generateRequest) (interface{}, error) {
	result, err := s.orchestrator.GenerateTrainingExamples(ctx, req.Species, req.ModelType, req.N, req.Rules)
	if err != nil {
		return nil, err
	}
	if err := s.pipeline.Run(ctx, result.Trajectories); err != nil {
		return nil, fmt.Errorf("training pipeline: %w", err)
	}
	return result, nil
}

var _ runtime.Service = (*Service)(nil)
