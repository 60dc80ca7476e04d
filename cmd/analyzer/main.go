package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bodybroker/backend/internal/bus"
	"github.com/bodybroker/backend/internal/config"
	"github.com/bodybroker/backend/internal/infra"
	"github.com/bodybroker/backend/internal/runtime"
	"github.com/bodybroker/backend/internal/vision"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("[Analyzer] Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAnalyzer()
	if err != nil {
		return err
	}
	gamedata, err := config.LoadGameData(cfg.GameDataPath)
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

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	repo, err := vision.NewPostgresRepository(connectCtx, cfg.RepoURL)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.EnsureSchema(connectCtx); err != nil {
		return err
	}

	detectors := vision.DefaultRegistry().Build(gamedata)
	pool := vision.NewPool(repo, b, detectors, cfg.WorkerCount)
	sweeper := vision.NewLeaseSweeper(repo, cfg.LeaseTimeout)

	svc := vision.NewService(b, repo, pool, sweeper, cfg.QueueHighWatermark)
	ops := runtime.StartOps(cfg.OpsPort, svc)
	defer ops.Shutdown(context.Background())

	runner := &runtime.Runner{
		Svc:           svc,
		Bus:           b,
		HealthSubject: vision.SubjectHealth,
		SystemSubject: vision.SubjectSysHealth,
		GracePeriod:   cfg.GracePeriod,
	}
	return runner.Run(ctx)
}
