package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bodybroker/backend/internal/bus"
	"github.com/bodybroker/backend/internal/circuitbreaker"
	"github.com/bodybroker/backend/internal/collab"
	"github.com/bodybroker/backend/internal/config"
	"github.com/bodybroker/backend/internal/httpx"
	"github.com/bodybroker/backend/internal/infra"
	"github.com/bodybroker/backend/internal/runtime"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("[Orchestrator] Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busRedis, err := infra.NewGoRedisAdapter(cfg.BusURL, os.Getenv("BUS_PASSWORD"), 0)
	if err != nil {
		return err
	}
	defer busRedis.Close()
	b := bus.NewRedisBus(busRedis, "bb:bus:")
	defer b.Close()

	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.New(circuitbreaker.Config{
			Name:             name,
			FailureThreshold: cfg.BreakerThreshold,
			OpenTimeout:      cfg.BreakerTimeout,
		})
	}
	rules := collab.NewRulesClient(httpx.New(cfg.RulesURL, httpx.Options{Breaker: breaker("rules")}))
	lore := collab.NewLoreClient(httpx.New(cfg.LoreURL, httpx.Options{Breaker: breaker("lore")}))
	llm := collab.NewLLMClient(httpx.New(cfg.LLMURL, httpx.Options{
		Timeout: cfg.LLMTimeout,
		Breaker: breaker("llm"),
	}))

	planner := collab.NewTeacherPlanner(llm)
	verifier := collab.NewVerifier(llm, cfg.MinValidScore)
	orchestrator := collab.NewOrchestrator(rules, lore, planner, verifier, cfg.MaxRegenAttempts)

	store, err := collab.NewCheckpointStore(cfg.CheckpointDir)
	if err != nil {
		return err
	}
	pipeline := collab.NewTrainingPipeline(store, collab.NoopTrainStep, 0, cfg.CheckpointEvery, 0)

	svc := collab.NewService(b, orchestrator, pipeline,
		rules.Breaker(), lore.Breaker(), llm.Breaker())
	ops := runtime.StartOps(cfg.OpsPort, svc)
	defer ops.Shutdown(context.Background())

	runner := &runtime.Runner{
		Svc:           svc,
		Bus:           b,
		HealthSubject: collab.SubjectHealth,
		SystemSubject: collab.SubjectSysHealth,
		GracePeriod:   cfg.GracePeriod,
	}
	return runner.Run(ctx)
}
