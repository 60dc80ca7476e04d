// Package story implements the Story Memory service: per-player narrative
// state, drift and conflict detection, and low-latency snapshot serving.
package story

import "time"

// ArcRole classifies a narrative arc.
type ArcRole string

const (
	ArcRoleMain       ArcRole = "main"
	ArcRoleSide       ArcRole = "side"
	ArcRoleExperience ArcRole = "experience"
	ArcRoleAmbient    ArcRole = "ambient"
)

// ProgressState tracks how far a player is through an arc.
type ProgressState string

const (
	ProgressNotStarted ProgressState = "not_started"
	ProgressEarly      ProgressState = "early"
	ProgressMid        ProgressState = "mid"
	ProgressLate       ProgressState = "late"
	ProgressCompleted  ProgressState = "completed"
)

// EntityType distinguishes relationship targets.
type EntityType string

const (
	EntityNPC     EntityType = "npc"
	EntityFaction EntityType = "faction"
)

// ExperienceStatus tracks a player experience lifecycle.
type ExperienceStatus string

const (
	ExperienceActive    ExperienceStatus = "active"
	ExperienceCompleted ExperienceStatus = "completed"
	ExperienceFailed    ExperienceStatus = "failed"
	ExperienceAbandoned ExperienceStatus = "abandoned"
)

// ArcProgress is one (player, arc) row.
type ArcProgress struct {
	ArcID      string        `json:"arc_id"`
	Role       ArcRole       `json:"arc_role"`
	State      ProgressState `json:"progress_state"`
	LastBeatID string        `json:"last_beat_id,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Decision is one recorded player choice. MoralWeight in [-1,1] adjusts the
// surgeon-butcher score when its magnitude exceeds 0.01.
type Decision struct {
	DecisionID  string    `json:"decision_id"`
	ArcID       string    `json:"arc_id,omitempty"`
	NPCID       string    `json:"npc_id,omitempty"`
	ChoiceLabel string    `json:"choice_label"`
	OutcomeTags []string  `json:"outcome_tags"`
	MoralWeight float64   `json:"moral_weight"`
	Timestamp   time.Time `json:"timestamp"`
}

// Relationship is one (player, entity) row. Score is clamped to [-100,100].
type Relationship struct {
	EntityID          string     `json:"entity_id"`
	EntityType        EntityType `json:"entity_type"`
	Score             float64    `json:"score"`
	Flags             []string   `json:"flags"`
	LastInteraction   string     `json:"last_interaction,omitempty"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
}

// DarkWorldStanding is the player's record with one dark-world family.
// Exactly one row exists per configured family once a player is initialized.
type DarkWorldStanding struct {
	Family          string   `json:"family"`
	Score           float64  `json:"score"`
	FavorsOwed      int      `json:"favors_owed"`
	DebtsOwed       int      `json:"debts_owed"`
	BetrayalCount   int      `json:"betrayal_count"`
	SpecialStatus   []string `json:"special_status"`
	LastInteraction string   `json:"last_interaction,omitempty"`
}

// Experience is one tracked player experience.
type Experience struct {
	ExperienceID    string             `json:"experience_id"`
	Status          ExperienceStatus   `json:"status"`
	EmotionalImpact map[string]float64 `json:"emotional_impact"`
	CrossReferences []string           `json:"cross_references"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// StoryEvent is one row of the append-only per-player audit log.
// (PlayerID, SequenceNum) is unique and SequenceNum is strictly increasing.
type StoryEvent struct {
	PlayerID    string                 `json:"player_id"`
	SequenceNum int64                  `json:"sequence_num"`
	EventType   string                 `json:"event_type"`
	Payload     map[string]interface{} `json:"payload"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Snapshot is the full derived story state for one player. Derived, never
// persisted except as cache entries.
type Snapshot struct {
	PlayerID            string                 `json:"player_id"`
	SurgeonButcherScore float64                `json:"surgeon_butcher_score"`
	BrokerBookState     map[string]interface{} `json:"broker_book_state"`
	DebtOfFleshState    map[string]interface{} `json:"debt_of_flesh_state"`
	ArcProgress         []ArcProgress          `json:"arc_progress"`
	RecentDecisions     []Decision             `json:"recent_decisions"`
	Relationships       []Relationship         `json:"relationships"`
	DarkWorldStandings  []DarkWorldStanding    `json:"dark_world_standings"`
	Experiences         []Experience           `json:"experiences"`
	GeneratedAt         time.Time              `json:"generated_at"`
}

// DriftSeverity buckets a drift signal by how far it overshoots its threshold.
type DriftSeverity string

const (
	DriftMinor    DriftSeverity = "minor"
	DriftModerate DriftSeverity = "moderate"
	DriftMajor    DriftSeverity = "major"
)

// severityForRatio maps actual/threshold to a severity bucket.
func severityForRatio(ratio float64) DriftSeverity {
	switch {
	case ratio >= 2.0:
		return DriftMajor
	case ratio >= 1.5:
		return DriftModerate
	default:
		return DriftMinor
	}
}

// DriftReport is the outcome of one drift check.
type DriftReport struct {
	PlayerID      string             `json:"player_id"`
	DriftDetected bool               `json:"drift_detected"`
	DriftType     string             `json:"drift_type,omitempty"`
	Severity      DriftSeverity      `json:"severity,omitempty"`
	DriftScore    float64            `json:"drift_score"`
	Metrics       map[string]float64 `json:"metrics"`
	Remediation   string             `json:"remediation,omitempty"`
	CheckedAt     time.Time          `json:"checked_at"`
}

// ConflictRecord is one triggered narrative-consistency rule.
type ConflictRecord struct {
	PlayerID         string                 `json:"player_id"`
	ConflictType     string                 `json:"conflict_type"`
	InvolvedEntities []string               `json:"involved_entities"`
	ConflictingFacts map[string]interface{} `json:"conflicting_facts"`
	Severity         string                 `json:"severity"`
	DetectedAt       time.Time              `json:"detected_at"`
}

const maxSnapshotDecisions = 20

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// mergeSet unions add into existing preserving order of first appearance.
func mergeSet(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(add))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
