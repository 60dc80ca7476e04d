// Package config resolves typed per-service configuration from environment
// variables and loads the data-driven game enumerations (dark-world
// families, off-theme activity sets, detector thresholds, conflict rules)
// from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Common holds settings shared by every service binary.
type Common struct {
	BusURL       string        // BUS_URL (required)
	RepoURL      string        // REPO_URL (required)
	OpsPort      string        // OPS_PORT, default 9090
	GracePeriod  time.Duration // GRACE_PERIOD_SECONDS, default 30
	GameDataPath string        // GAME_DATA_PATH, default config/gamedata.yaml
}

// Story configures the story-memory service.
type Story struct {
	Common
	CacheL2URL    string        // CACHE_L2_URL (required)
	CacheTTL      time.Duration // CACHE_TTL_SECONDS, default 3600
	CacheL1Max    int           // CACHE_L1_MAX, default 10000
	DriftOffTheme float64       // DRIFT_OFF_THEME, default 0.25
	DriftTangent  float64       // DRIFT_TANGENTIAL, default 0.30
	DriftThemeMin float64       // DRIFT_THEME_MIN, default 0.70
}

// Analyzer configures the 4D vision analyzer service.
type Analyzer struct {
	Common
	WorkerCount        int           // WORKER_COUNT, default 3
	QueueHighWatermark int           // QUEUE_HIGH_WATERMARK, default 100
	LeaseTimeout       time.Duration // LEASE_TIMEOUT_SECONDS, default 300
}

// Orchestrator configures the SRL→RLVR training orchestrator.
type Orchestrator struct {
	Common
	RulesURL         string        // RULES_URL (required)
	LoreURL          string        // LORE_URL (required)
	LLMURL           string        // LLM_URL (required)
	LLMTimeout       time.Duration // LLM_TIMEOUT_SECONDS, default 60
	BreakerThreshold int           // BREAKER_THRESHOLD, default 5
	BreakerTimeout   time.Duration // BREAKER_TIMEOUT_SEC, default 60
	MinValidScore    float64       // MIN_VALID_SCORE, default 0.7
	MaxRegenAttempts int           // MAX_REGEN_ATTEMPTS, default 3
	CheckpointDir    string        // CHECKPOINT_DIR, default ./checkpoints
	CheckpointEvery  int           // CHECKPOINT_EVERY_STEPS, default 100
}

func loadCommon() (Common, error) {
	c := Common{
		BusURL:       os.Getenv("BUS_URL"),
		RepoURL:      os.Getenv("REPO_URL"),
		OpsPort:      envStr("OPS_PORT", "9090"),
		GracePeriod:  time.Duration(envInt("GRACE_PERIOD_SECONDS", 30)) * time.Second,
		GameDataPath: envStr("GAME_DATA_PATH", "config/gamedata.yaml"),
	}
	if c.BusURL == "" {
		return c, fmt.Errorf("BUS_URL must be set")
	}
	if c.RepoURL == "" {
		return c, fmt.Errorf("REPO_URL must be set")
	}
	return c, nil
}

// LoadStory builds the story-memory config from the environment.
func LoadStory() (*Story, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	cfg := &Story{
		Common:        common,
		CacheL2URL:    os.Getenv("CACHE_L2_URL"),
		CacheTTL:      time.Duration(envInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
		CacheL1Max:    envInt("CACHE_L1_MAX", 10000),
		DriftOffTheme: envFloat("DRIFT_OFF_THEME", 0.25),
		DriftTangent:  envFloat("DRIFT_TANGENTIAL", 0.30),
		DriftThemeMin: envFloat("DRIFT_THEME_MIN", 0.70),
	}
	if cfg.CacheL2URL == "" {
		return nil, fmt.Errorf("CACHE_L2_URL must be set")
	}
	return cfg, nil
}

// LoadAnalyzer builds the analyzer config from the environment.
func LoadAnalyzer() (*Analyzer, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	return &Analyzer{
		Common:             common,
		WorkerCount:        envInt("WORKER_COUNT", 3),
		QueueHighWatermark: envInt("QUEUE_HIGH_WATERMARK", 100),
		LeaseTimeout:       time.Duration(envInt("LEASE_TIMEOUT_SECONDS", 300)) * time.Second,
	}, nil
}

// LoadOrchestrator builds the orchestrator config from the environment.
func LoadOrchestrator() (*Orchestrator, error) {
	common, err := loadCommon()
	if err != nil {
		return nil, err
	}
	cfg := &Orchestrator{
		Common:           common,
		RulesURL:         os.Getenv("RULES_URL"),
		LoreURL:          os.Getenv("LORE_URL"),
		LLMURL:           os.Getenv("LLM_URL"),
		LLMTimeout:       time.Duration(envInt("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
		BreakerThreshold: envInt("BREAKER_THRESHOLD", 5),
		BreakerTimeout:   time.Duration(envInt("BREAKER_TIMEOUT_SEC", 60)) * time.Second,
		MinValidScore:    envFloat("MIN_VALID_SCORE", 0.7),
		MaxRegenAttempts: envInt("MAX_REGEN_ATTEMPTS", 3),
		CheckpointDir:    envStr("CHECKPOINT_DIR", "./checkpoints"),
		CheckpointEvery:  envInt("CHECKPOINT_EVERY_STEPS", 100),
	}
	if cfg.RulesURL == "" || cfg.LoreURL == "" || cfg.LLMURL == "" {
		return nil, fmt.Errorf("RULES_URL, LORE_URL and LLM_URL must be set")
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
