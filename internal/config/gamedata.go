package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// GameData holds the game-specific enumerations the core treats as data:
// dark-world families, off-theme activity sets, detector thresholds and
// conflict rules. Shipped as a YAML file next to the binaries.
type GameData struct {
	// Families is the fixed set of dark-world factions. Every player gets
	// exactly one standing row per family on initialization.
	Families []string `yaml:"families"`

	// OffThemeActivities feed the time-allocation drift analyzer.
	OffThemeActivities []string `yaml:"off_theme_activities"`

	// Detectors configures each registered vision detector by type name.
	Detectors map[string]DetectorConfig `yaml:"detectors"`

	// ConflictRules drive the narrative conflict detector.
	ConflictRules []ConflictRule `yaml:"conflict_rules"`
}

// DetectorConfig holds per-detector thresholds and free-form settings.
type DetectorConfig struct {
	ConfidenceThreshold float64                `yaml:"confidence_threshold"`
	SeverityThreshold   float64                `yaml:"severity_threshold"`
	Settings            map[string]interface{} `yaml:"settings"`
}

// ConflictRule is one data-driven narrative consistency rule.
type ConflictRule struct {
	Name     string                 `yaml:"name"`
	Family   string                 `yaml:"family"` // npc_state, quest_logic, world_story
	Severity string                 `yaml:"severity"`
	Params   map[string]interface{} `yaml:"params"`
}

// DefaultFamilies is used when no game-data file is present (tests, local runs).
var DefaultFamilies = []string{
	"flesh_weavers",
	"bone_merchants",
	"hollow_court",
	"red_surgeons",
	"grave_tithe",
	"marrow_guild",
	"pale_choir",
	"debt_collectors",
}

// LoadGameData reads the YAML game-data file. A missing file yields
// defaults so local development does not require the full data drop.
func LoadGameData(path string) (*GameData, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &GameData{Families: DefaultFamilies}, nil
		}
		return nil, fmt.Errorf("open game data: %w", err)
	}
	defer f.Close()

	var gd GameData
	if err := yaml.NewDecoder(f).Decode(&gd); err != nil {
		return nil, fmt.Errorf("decode game data: %w", err)
	}
	if len(gd.Families) == 0 {
		gd.Families = DefaultFamilies
	}
	return &gd, nil
}

// DetectorConfigFor returns the configuration for a detector type, falling
// back to the shared default thresholds.
func (gd *GameData) DetectorConfigFor(detectorType string) DetectorConfig {
	if cfg, ok := gd.Detectors[detectorType]; ok {
		if cfg.ConfidenceThreshold == 0 {
			cfg.ConfidenceThreshold = 0.7
		}
		if cfg.SeverityThreshold == 0 {
			cfg.SeverityThreshold = 0.3
		}
		return cfg
	}
	return DetectorConfig{ConfidenceThreshold: 0.7, SeverityThreshold: 0.3}
}
