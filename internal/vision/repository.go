package vision

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a segment or summary does not exist.
var ErrNotFound = errors.New("vision: not found")

// ErrQueueEmpty is returned by LeaseNext when no pending row is available.
var ErrQueueEmpty = errors.New("vision: queue empty")

// Repository is the storage surface of the analyzer. The one non-obvious
// requirement is LeaseNext: an atomic dequeue that two concurrent workers
// cannot both win for the same row.
type Repository interface {
	// InsertSegment stores a new segment in pending state.
	InsertSegment(ctx context.Context, seg Segment) error
	// GetSegment loads a segment by id; ErrNotFound if absent.
	GetSegment(ctx context.Context, segmentID string) (*Segment, error)
	// SetSegmentStatus moves a segment through its lifecycle. Terminal
	// states record analyzed_at.
	SetSegmentStatus(ctx context.Context, segmentID string, status SegmentStatus, reason string) error

	// Enqueue admits a segment for analysis. If a pending row already
	// exists for the segment, its priority is raised to
	// max(existing, priority) instead of inserting a duplicate.
	Enqueue(ctx context.Context, segmentID string, priority int) error
	// LeaseNext atomically claims the next pending row ordered by
	// priority descending then created_at ascending, marks it processing,
	// bumps attempts and stamps last_attempt_at.
	LeaseNext(ctx context.Context) (*QueueRow, error)
	// SetQueueStatus finishes a leased row. Terminal states record
	// completed_at.
	SetQueueStatus(ctx context.Context, queueID string, status QueueStatus) error
	// QueueDepth counts pending rows; it feeds the health signal.
	QueueDepth(ctx context.Context) (int, error)
	// ReleaseExpired returns processing rows last attempted before the
	// cutoff to pending, reclaiming leases from dead workers.
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error)

	// InsertFinding persists one detector finding.
	InsertFinding(ctx context.Context, f Finding) error
	// FindingsForSegment lists all persisted findings for a segment.
	FindingsForSegment(ctx context.Context, segmentID string) ([]Finding, error)

	// GetSceneSummary loads the aggregate for a (build, scene) key;
	// ErrNotFound if the scene has never been summarized.
	GetSceneSummary(ctx context.Context, buildID, sceneID string) (*SceneSummary, error)
	// UpsertSceneSummary writes the aggregate, incrementing segment
	// counters on conflict and overwriting the derived fields.
	UpsertSceneSummary(ctx context.Context, s SceneSummary) error

	Ping(ctx context.Context) error
	Close() error
}
