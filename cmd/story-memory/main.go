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
	"github.com/bodybroker/backend/internal/story"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("[StoryMemory] Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadStory()
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

	repo, err := story.NewPostgresRepository(cfg.RepoURL)
	if err != nil {
		return err
	}
	defer repo.Close()
	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repo.EnsureSchema(schemaCtx); err != nil {
		return err
	}

	cacheRedis, err := infra.NewGoRedisAdapter(cfg.CacheL2URL, os.Getenv("CACHE_L2_PASSWORD"), 0)
	if err != nil {
		return err
	}
	defer cacheRedis.Close()

	manager := story.NewManager(repo, gamedata.Families, b)
	cache := story.NewSnapshotCache(manager, cacheRedis, cfg.CacheTTL, cfg.CacheL1Max)
	manager.SetInvalidator(cache)
	ingestor := story.NewIngestor(manager, cache, b)
	conflicts := story.NewConflictDetector(repo, b, gamedata.ConflictRules)
	drift := story.NewDriftDetector(repo, b, story.DriftThresholds{
		OffTheme:   cfg.DriftOffTheme,
		Tangential: cfg.DriftTangent,
		ThemeMin:   cfg.DriftThemeMin,
	}, gamedata.OffThemeActivities, nil, conflicts)

	svc := story.NewService(b, repo, manager, cache, ingestor, drift)
	ops := runtime.StartOps(cfg.OpsPort, svc)
	defer ops.Shutdown(context.Background())

	runner := &runtime.Runner{
		Svc:           svc,
		Bus:           b,
		HealthSubject: story.SubjectHealth,
		SystemSubject: story.SubjectSysHealth,
		GracePeriod:   cfg.GracePeriod,
	}
	return runner.Run(ctx)
}
