package story

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads when the row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the typed persistence interface for player story state.
// Implementations: PostgresRepository (production) and MemoryRepository
// (tests, local runs). The manager never sees SQL.
type Repository interface {
	// EnsurePlayer creates the player row with zeroed scores and one
	// standing row per family. Idempotent under concurrent first access.
	EnsurePlayer(ctx context.Context, playerID string, families []string) error

	// PlayerExists reports whether the player row exists.
	PlayerExists(ctx context.Context, playerID string) (bool, error)

	// GetMoralScore returns the surgeon-butcher score.
	GetMoralScore(ctx context.Context, playerID string) (float64, error)

	// AdjustMoralScore applies a delta clamped to [-1,1] and returns the
	// new score.
	AdjustMoralScore(ctx context.Context, playerID string, delta float64) (float64, error)

	// GetBrokerBook and PutBrokerBook access the opaque broker-book state.
	GetBrokerBook(ctx context.Context, playerID string) (map[string]interface{}, error)
	PutBrokerBook(ctx context.Context, playerID string, state map[string]interface{}) error

	// GetDebtOfFlesh and PutDebtOfFlesh access the opaque debt-of-flesh state.
	GetDebtOfFlesh(ctx context.Context, playerID string) (map[string]interface{}, error)
	PutDebtOfFlesh(ctx context.Context, playerID string, state map[string]interface{}) error

	// Arc progress, unique by (player, arc).
	ListArcProgress(ctx context.Context, playerID string) ([]ArcProgress, error)
	UpsertArcProgress(ctx context.Context, playerID string, arc ArcProgress) error

	// Decisions, append-only.
	InsertDecision(ctx context.Context, playerID string, d Decision, sessionID string) error
	RecentDecisions(ctx context.Context, playerID string, limit int) ([]Decision, error)

	// Relationships, unique by (player, entity).
	ListRelationships(ctx context.Context, playerID string) ([]Relationship, error)
	GetRelationship(ctx context.Context, playerID, entityID string) (*Relationship, error)
	PutRelationship(ctx context.Context, playerID string, r Relationship) error

	// Dark-world standings, one row per family.
	ListStandings(ctx context.Context, playerID string) ([]DarkWorldStanding, error)
	GetStanding(ctx context.Context, playerID, family string) (*DarkWorldStanding, error)
	PutStanding(ctx context.Context, playerID string, s DarkWorldStanding) error

	// Experiences.
	ListExperiences(ctx context.Context, playerID string) ([]Experience, error)
	UpsertExperience(ctx context.Context, playerID string, e Experience) error

	// AppendEvent inserts an audit row with "on conflict do nothing"
	// semantics; inserted is false on a duplicate (player, sequence).
	AppendEvent(ctx context.Context, e StoryEvent) (inserted bool, err error)

	// MaxSequence returns the highest persisted sequence number for the
	// player, 0 when none.
	MaxSequence(ctx context.Context, playerID string) (int64, error)

	// EventsSince returns the player's audit rows with timestamps at or
	// after the cutoff, sequence ascending.
	EventsSince(ctx context.Context, playerID string, since time.Time) ([]StoryEvent, error)

	// ActivePlayers returns players with any event at or after the cutoff.
	ActivePlayers(ctx context.Context, since time.Time) ([]string, error)

	// Drift and conflict persistence.
	InsertDriftAlert(ctx context.Context, report DriftReport) error
	InsertConflict(ctx context.Context, rec ConflictRecord) error

	// Ping verifies connectivity for health reporting.
	Ping(ctx context.Context) error

	Close() error
}
