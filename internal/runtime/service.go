// Package runtime is the event-driven service skeleton shared by all three
// Body Broker services: start, periodic health publishing, graceful
// shutdown with a drain grace period, and the ops HTTP endpoint.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bodybroker/backend/internal/bus"
)

// Status is a coarse service health level.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthRecord is the structured health report published on the bus.
type HealthRecord struct {
	Service   string                 `json:"service"`
	Status    Status                 `json:"status"`
	Issues    []string               `json:"issues,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Service is the contract a concrete service implementation satisfies.
// Start returns only when all subscriptions are live; Stop drains in-flight
// work up to the caller's deadline.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) HealthRecord
}

// Runner owns a service's lifecycle: start, health loop, shutdown.
type Runner struct {
	Svc            Service
	Bus            bus.Bus
	HealthSubject  string        // service-specific subject
	SystemSubject  string        // system-wide subject for degraded/unhealthy
	HealthInterval time.Duration // default 30s
	GracePeriod    time.Duration // drain budget on shutdown, default 30s
}

// Run starts the service, publishes health every interval, and on context
// cancellation stops the service within the grace period.
func (r *Runner) Run(ctx context.Context) error {
	if r.HealthInterval <= 0 {
		r.HealthInterval = 30 * time.Second
	}
	if r.GracePeriod <= 0 {
		r.GracePeriod = 30 * time.Second
	}

	if err := r.Svc.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", r.Svc.Name(), err)
	}
	slog.Info("[Runtime] Service started", "service", r.Svc.Name())

	ticker := time.NewTicker(r.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.publishHealth(ctx)
		case <-ctx.Done():
			slog.Info("[Runtime] Shutdown requested", "service", r.Svc.Name())
			stopCtx, cancel := context.WithTimeout(context.Background(), r.GracePeriod)
			defer cancel()
			if err := r.Svc.Stop(stopCtx); err != nil {
				return fmt.Errorf("stop %s: %w", r.Svc.Name(), err)
			}
			slog.Info("[Runtime] Service stopped", "service", r.Svc.Name())
			return nil
		}
	}
}

func (r *Runner) publishHealth(ctx context.Context) {
	record := r.Svc.Health(ctx)
	record.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(record)
	if err != nil {
		slog.Error("[Runtime] Marshal health record", "error", err)
		return
	}
	if err := r.Bus.Publish(ctx, r.HealthSubject, payload); err != nil {
		slog.Warn("[Runtime] Publish health failed", "subject", r.HealthSubject, "error", err)
	}
	if record.Status != StatusHealthy && r.SystemSubject != "" {
		if err := r.Bus.Publish(ctx, r.SystemSubject, payload); err != nil {
			slog.Warn("[Runtime] Publish system health failed", "subject", r.SystemSubject, "error", err)
		}
	}
}

// StartOps serves /health and /metrics on the given port. Returns the
// server so the caller can Shutdown it.
func StartOps(port string, svc Service) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		record := svc.Health(req.Context())
		record.Timestamp = time.Now().UTC()
		w.Header().Set("Content-Type", "application/json")
		if record.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(record)
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Runtime] Ops server failed", "error", err)
		}
	}()
	return server
}
