package vision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresRepository backs the analyzer with Postgres. The lease relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never win the same row.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(ctx context.Context, url string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// EnsureSchema creates the analyzer tables when absent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL,
			scene_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			status_reason TEXT NOT NULL DEFAULT '',
			body JSONB NOT NULL,
			analyzed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_queue (
			queue_id TEXT PRIMARY KEY,
			segment_id TEXT NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_attempt_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS analysis_queue_lease_idx
			ON analysis_queue (status, priority DESC, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS findings (
			issue_id TEXT PRIMARY KEY,
			segment_id TEXT NOT NULL,
			detector_type TEXT NOT NULL,
			issue_type TEXT NOT NULL,
			severity DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS findings_segment_idx ON findings (segment_id)`,
		`CREATE TABLE IF NOT EXISTS scene_summaries (
			build_id TEXT NOT NULL,
			scene_id TEXT NOT NULL,
			total_segments INT NOT NULL DEFAULT 0,
			analyzed_segments INT NOT NULL DEFAULT 0,
			body JSONB NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (build_id, scene_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure analyzer schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) InsertSegment(ctx context.Context, seg Segment) error {
	if seg.Status == "" {
		seg.Status = SegmentPending
	}
	body, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("marshal segment: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO segments (id, build_id, scene_id, status, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`,
		seg.ID, seg.BuildID, seg.SceneID, seg.Status, body)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSegment(ctx context.Context, segmentID string) (*Segment, error) {
	var body []byte
	var status, reason string
	var analyzedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT body, status, status_reason, analyzed_at FROM segments WHERE id = $1`,
		segmentID).Scan(&body, &status, &reason, &analyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	var seg Segment
	if err := json.Unmarshal(body, &seg); err != nil {
		return nil, fmt.Errorf("decode segment: %w", err)
	}
	seg.Status = SegmentStatus(status)
	seg.StatusReason = reason
	if analyzedAt.Valid {
		t := analyzedAt.Time
		seg.AnalyzedAt = &t
	}
	return &seg, nil
}

func (r *PostgresRepository) SetSegmentStatus(ctx context.Context, segmentID string, status SegmentStatus, reason string) error {
	var analyzedAt interface{}
	if status == SegmentCompleted || status == SegmentFailed {
		analyzedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE segments SET status = $2, status_reason = $3,
			analyzed_at = COALESCE($4, analyzed_at)
		WHERE id = $1`,
		segmentID, status, reason, analyzedAt)
	if err != nil {
		return fmt.Errorf("set segment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Enqueue(ctx context.Context, segmentID string, priority int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE analysis_queue SET priority = GREATEST(priority, $2)
		WHERE segment_id = $1 AND status = 'pending'`,
		segmentID, priority)
	if err != nil {
		return fmt.Errorf("bump queue priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analysis_queue (queue_id, segment_id, priority, status)
		VALUES ($1, $2, $3, 'pending')`,
		uuid.NewString(), segmentID, priority)
	if err != nil {
		return fmt.Errorf("enqueue segment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LeaseNext(ctx context.Context) (*QueueRow, error) {
	row := &QueueRow{}
	var lastAttempt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE analysis_queue SET
			status = 'processing',
			attempts = attempts + 1,
			last_attempt_at = now()
		WHERE queue_id = (
			SELECT queue_id FROM analysis_queue
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING queue_id, segment_id, priority, status, attempts, created_at, last_attempt_at`).
		Scan(&row.QueueID, &row.SegmentID, &row.Priority, &row.Status, &row.Attempts, &row.CreatedAt, &lastAttempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("lease queue row: %w", err)
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		row.LastAttemptAt = &t
	}
	return row, nil
}

func (r *PostgresRepository) SetQueueStatus(ctx context.Context, queueID string, status QueueStatus) error {
	var completedAt interface{}
	if status == QueueCompleted || status == QueueFailed {
		completedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE analysis_queue SET status = $2, completed_at = COALESCE($3, completed_at)
		WHERE queue_id = $1`,
		queueID, status, completedAt)
	if err != nil {
		return fmt.Errorf("set queue status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM analysis_queue WHERE status = 'pending'`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (r *PostgresRepository) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE analysis_queue SET status = 'pending'
		WHERE status = 'processing' AND last_attempt_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepository) InsertFinding(ctx context.Context, f Finding) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO findings (issue_id, segment_id, detector_type, issue_type, severity, confidence, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (issue_id) DO NOTHING`,
		f.IssueID, f.SegmentID, f.DetectorType, f.IssueType, f.Severity, f.Confidence, body)
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindingsForSegment(ctx context.Context, segmentID string) ([]Finding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT body FROM findings WHERE segment_id = $1 ORDER BY created_at ASC`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()
	var out []Finding
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		var f Finding
		if err := json.Unmarshal(body, &f); err != nil {
			return nil, fmt.Errorf("decode finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetSceneSummary(ctx context.Context, buildID, sceneID string) (*SceneSummary, error) {
	var body []byte
	var total, analyzed int
	var updated time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT body, total_segments, analyzed_segments, last_updated
		FROM scene_summaries WHERE build_id = $1 AND scene_id = $2`,
		buildID, sceneID).Scan(&body, &total, &analyzed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scene summary: %w", err)
	}
	var s SceneSummary
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode scene summary: %w", err)
	}
	s.TotalSegments = total
	s.AnalyzedSegments = analyzed
	s.LastUpdated = updated
	return &s, nil
}

func (r *PostgresRepository) UpsertSceneSummary(ctx context.Context, s SceneSummary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal scene summary: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scene_summaries (build_id, scene_id, total_segments, analyzed_segments, body, last_updated)
		VALUES ($1, $2, 1, 1, $3, now())
		ON CONFLICT (build_id, scene_id) DO UPDATE SET
			total_segments = scene_summaries.total_segments + 1,
			analyzed_segments = scene_summaries.analyzed_segments + 1,
			body = EXCLUDED.body,
			last_updated = now()`,
		s.BuildID, s.SceneID, body)
	if err != nil {
		return fmt.Errorf("upsert scene summary: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }
func (r *PostgresRepository) Close() error                   { return r.db.Close() }

var _ Repository = (*PostgresRepository)(nil)
