package story

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresRepository implements Repository against Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens a connection pool (min 5, max 20 per the
// shared resource model) and verifies connectivity.
func NewPostgresRepository(repoURL string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", repoURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// EnsureSchema creates the story tables when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS players (
			player_id TEXT PRIMARY KEY,
			surgeon_butcher_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			broker_book_state JSONB NOT NULL DEFAULT '{}',
			debt_of_flesh_state JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS arc_progress (
			player_id TEXT NOT NULL REFERENCES players(player_id),
			arc_id TEXT NOT NULL,
			arc_role TEXT NOT NULL,
			progress_state TEXT NOT NULL,
			last_beat_id TEXT,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (player_id, arc_id)
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			player_id TEXT NOT NULL REFERENCES players(player_id),
			decision_id TEXT NOT NULL,
			arc_id TEXT,
			npc_id TEXT,
			choice_label TEXT NOT NULL,
			outcome_tags JSONB NOT NULL DEFAULT '[]',
			moral_weight DOUBLE PRECISION NOT NULL,
			session_id TEXT,
			ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (player_id, decision_id)
		)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			player_id TEXT NOT NULL REFERENCES players(player_id),
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			flags JSONB NOT NULL DEFAULT '[]',
			last_interaction TEXT,
			last_interaction_at TIMESTAMPTZ,
			PRIMARY KEY (player_id, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dark_world_standings (
			player_id TEXT NOT NULL REFERENCES players(player_id),
			family TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			favors_owed INT NOT NULL DEFAULT 0,
			debts_owed INT NOT NULL DEFAULT 0,
			betrayal_count INT NOT NULL DEFAULT 0,
			special_status JSONB NOT NULL DEFAULT '[]',
			last_interaction TEXT,
			PRIMARY KEY (player_id, family)
		)`,
		`CREATE TABLE IF NOT EXISTS experiences (
			player_id TEXT NOT NULL REFERENCES players(player_id),
			experience_id TEXT NOT NULL,
			status TEXT NOT NULL,
			emotional_impact JSONB NOT NULL DEFAULT '{}',
			cross_references JSONB NOT NULL DEFAULT '[]',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (player_id, experience_id)
		)`,
		`CREATE TABLE IF NOT EXISTS story_events (
			player_id TEXT NOT NULL,
			sequence_num BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (player_id, sequence_num)
		)`,
		`CREATE INDEX IF NOT EXISTS story_events_ts_idx ON story_events (ts)`,
		`CREATE TABLE IF NOT EXISTS drift_alerts (
			id BIGSERIAL PRIMARY KEY,
			player_id TEXT NOT NULL,
			drift_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			drift_score DOUBLE PRECISION NOT NULL,
			metrics JSONB NOT NULL DEFAULT '{}',
			remediation TEXT,
			checked_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS story_conflicts (
			id BIGSERIAL PRIMARY KEY,
			player_id TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			involved_entities JSONB NOT NULL DEFAULT '[]',
			conflicting_facts JSONB NOT NULL DEFAULT '{}',
			severity TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) EnsurePlayer(ctx context.Context, playerID string, families []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO players (player_id) VALUES ($1) ON CONFLICT (player_id) DO NOTHING`,
		playerID); err != nil {
		return fmt.Errorf("insert player: %w", err)
	}
	for _, family := range families {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dark_world_standings (player_id, family)
			 VALUES ($1, $2) ON CONFLICT (player_id, family) DO NOTHING`,
			playerID, family); err != nil {
			return fmt.Errorf("insert standing %s: %w", family, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresRepository) PlayerExists(ctx context.Context, playerID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM players WHERE player_id = $1)`, playerID).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) GetMoralScore(ctx context.Context, playerID string) (float64, error) {
	var score float64
	err := r.db.QueryRowContext(ctx,
		`SELECT surgeon_butcher_score FROM players WHERE player_id = $1`, playerID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return score, err
}

func (r *PostgresRepository) AdjustMoralScore(ctx context.Context, playerID string, delta float64) (float64, error) {
	var score float64
	err := r.db.QueryRowContext(ctx,
		`UPDATE players
		 SET surgeon_butcher_score = GREATEST(-1, LEAST(1, surgeon_butcher_score + $2))
		 WHERE player_id = $1
		 RETURNING surgeon_butcher_score`,
		playerID, delta).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return score, err
}

func (r *PostgresRepository) GetBrokerBook(ctx context.Context, playerID string) (map[string]interface{}, error) {
	return r.getJSONColumn(ctx, playerID, "broker_book_state")
}

func (r *PostgresRepository) PutBrokerBook(ctx context.Context, playerID string, state map[string]interface{}) error {
	return r.putJSONColumn(ctx, playerID, "broker_book_state", state)
}

func (r *PostgresRepository) GetDebtOfFlesh(ctx context.Context, playerID string) (map[string]interface{}, error) {
	return r.getJSONColumn(ctx, playerID, "debt_of_flesh_state")
}

func (r *PostgresRepository) PutDebtOfFlesh(ctx context.Context, playerID string, state map[string]interface{}) error {
	return r.putJSONColumn(ctx, playerID, "debt_of_flesh_state", state)
}

func (r *PostgresRepository) getJSONColumn(ctx context.Context, playerID, column string) (map[string]interface{}, error) {
	var raw []byte
	// column is one of two fixed identifiers, never user input.
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM players WHERE player_id = $1`, column), playerID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", column, err)
	}
	return out, nil
}

func (r *PostgresRepository) putJSONColumn(ctx context.Context, playerID, column string, state map[string]interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", column, err)
	}
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE players SET %s = $2 WHERE player_id = $1`, column), playerID, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListArcProgress(ctx context.Context, playerID string) ([]ArcProgress, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT arc_id, arc_role, progress_state, COALESCE(last_beat_id, ''), updated_at
		 FROM arc_progress WHERE player_id = $1 ORDER BY arc_id`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArcProgress
	for rows.Next() {
		var a ArcProgress
		if err := rows.Scan(&a.ArcID, &a.Role, &a.State, &a.LastBeatID, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertArcProgress(ctx context.Context, playerID string, arc ArcProgress) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO arc_progress (player_id, arc_id, arc_role, progress_state, last_beat_id, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		 ON CONFLICT (player_id, arc_id) DO UPDATE SET
			arc_role = EXCLUDED.arc_role,
			progress_state = EXCLUDED.progress_state,
			last_beat_id = COALESCE(EXCLUDED.last_beat_id, arc_progress.last_beat_id),
			updated_at = EXCLUDED.updated_at`,
		playerID, arc.ArcID, arc.Role, arc.State, arc.LastBeatID, arc.UpdatedAt)
	return err
}

func (r *PostgresRepository) InsertDecision(ctx context.Context, playerID string, d Decision, sessionID string) error {
	tags, err := json.Marshal(d.OutcomeTags)
	if err != nil {
		return fmt.Errorf("encode outcome tags: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO decisions (player_id, decision_id, arc_id, npc_id, choice_label, outcome_tags, moral_weight, session_id, ts)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
		 ON CONFLICT (player_id, decision_id) DO NOTHING`,
		playerID, d.DecisionID, d.ArcID, d.NPCID, d.ChoiceLabel, tags, d.MoralWeight, sessionID, d.Timestamp)
	return err
}

func (r *PostgresRepository) RecentDecisions(ctx context.Context, playerID string, limit int) ([]Decision, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT decision_id, COALESCE(arc_id, ''), COALESCE(npc_id, ''), choice_label, outcome_tags, moral_weight, ts
		 FROM decisions WHERE player_id = $1 ORDER BY ts DESC LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var tags []byte
		if err := rows.Scan(&d.DecisionID, &d.ArcID, &d.NPCID, &d.ChoiceLabel, &tags, &d.MoralWeight, &d.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tags, &d.OutcomeTags); err != nil {
			return nil, fmt.Errorf("decode outcome tags: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListRelationships(ctx context.Context, playerID string) ([]Relationship, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, entity_type, score, flags, COALESCE(last_interaction, ''), last_interaction_at
		 FROM relationships WHERE player_id = $1 ORDER BY entity_id`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var rel Relationship
	var flags []byte
	var at sql.NullTime
	if err := row.Scan(&rel.EntityID, &rel.EntityType, &rel.Score, &flags, &rel.LastInteraction, &at); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(flags, &rel.Flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	if at.Valid {
		t := at.Time
		rel.LastInteractionAt = &t
	}
	return &rel, nil
}

func (r *PostgresRepository) GetRelationship(ctx context.Context, playerID, entityID string) (*Relationship, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT entity_id, entity_type, score, flags, COALESCE(last_interaction, ''), last_interaction_at
		 FROM relationships WHERE player_id = $1 AND entity_id = $2`, playerID, entityID)
	return scanRelationship(row)
}

func (r *PostgresRepository) PutRelationship(ctx context.Context, playerID string, rel Relationship) error {
	flags, err := json.Marshal(rel.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	var at sql.NullTime
	if rel.LastInteractionAt != nil {
		at = sql.NullTime{Time: *rel.LastInteractionAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO relationships (player_id, entity_id, entity_type, score, flags, last_interaction, last_interaction_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		 ON CONFLICT (player_id, entity_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			score = EXCLUDED.score,
			flags = EXCLUDED.flags,
			last_interaction = EXCLUDED.last_interaction,
			last_interaction_at = EXCLUDED.last_interaction_at`,
		playerID, rel.EntityID, rel.EntityType, rel.Score, flags, rel.LastInteraction, at)
	return err
}

func (r *PostgresRepository) ListStandings(ctx context.Context, playerID string) ([]DarkWorldStanding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT family, score, favors_owed, debts_owed, betrayal_count, special_status, COALESCE(last_interaction, '')
		 FROM dark_world_standings WHERE player_id = $1 ORDER BY family`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DarkWorldStanding
	for rows.Next() {
		var s DarkWorldStanding
		var statuses []byte
		if err := rows.Scan(&s.Family, &s.Score, &s.FavorsOwed, &s.DebtsOwed, &s.BetrayalCount, &statuses, &s.LastInteraction); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(statuses, &s.SpecialStatus); err != nil {
			return nil, fmt.Errorf("decode special status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetStanding(ctx context.Context, playerID, family string) (*DarkWorldStanding, error) {
	var s DarkWorldStanding
	var statuses []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT family, score, favors_owed, debts_owed, betrayal_count, special_status, COALESCE(last_interaction, '')
		 FROM dark_world_standings WHERE player_id = $1 AND family = $2`, playerID, family).
		Scan(&s.Family, &s.Score, &s.FavorsOwed, &s.DebtsOwed, &s.BetrayalCount, &statuses, &s.LastInteraction)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(statuses, &s.SpecialStatus); err != nil {
		return nil, fmt.Errorf("decode special status: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) PutStanding(ctx context.Context, playerID string, s DarkWorldStanding) error {
	statuses, err := json.Marshal(s.SpecialStatus)
	if err != nil {
		return fmt.Errorf("encode special status: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO dark_world_standings (player_id, family, score, favors_owed, debts_owed, betrayal_count, special_status, last_interaction)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		 ON CONFLICT (player_id, family) DO UPDATE SET
			score = EXCLUDED.score,
			favors_owed = EXCLUDED.favors_owed,
			debts_owed = EXCLUDED.debts_owed,
			betrayal_count = EXCLUDED.betrayal_count,
			special_status = EXCLUDED.special_status,
			last_interaction = EXCLUDED.last_interaction`,
		playerID, s.Family, s.Score, s.FavorsOwed, s.DebtsOwed, s.BetrayalCount, statuses, s.LastInteraction)
	return err
}

func (r *PostgresRepository) ListExperiences(ctx context.Context, playerID string) ([]Experience, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT experience_id, status, emotional_impact, cross_references, started_at, completed_at
		 FROM experiences WHERE player_id = $1 ORDER BY experience_id`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Experience
	for rows.Next() {
		var e Experience
		var impact, refs []byte
		var completed sql.NullTime
		if err := rows.Scan(&e.ExperienceID, &e.Status, &impact, &refs, &e.StartedAt, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(impact, &e.EmotionalImpact); err != nil {
			return nil, fmt.Errorf("decode emotional impact: %w", err)
		}
		if err := json.Unmarshal(refs, &e.CrossReferences); err != nil {
			return nil, fmt.Errorf("decode cross references: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertExperience(ctx context.Context, playerID string, e Experience) error {
	impact, err := json.Marshal(e.EmotionalImpact)
	if err != nil {
		return fmt.Errorf("encode emotional impact: %w", err)
	}
	refs, err := json.Marshal(e.CrossReferences)
	if err != nil {
		return fmt.Errorf("encode cross references: %w", err)
	}
	var completed sql.NullTime
	if e.CompletedAt != nil {
		completed = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO experiences (player_id, experience_id, status, emotional_impact, cross_references, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (player_id, experience_id) DO UPDATE SET
			status = EXCLUDED.status,
			emotional_impact = EXCLUDED.emotional_impact,
			cross_references = EXCLUDED.cross_references,
			completed_at = EXCLUDED.completed_at`,
		playerID, e.ExperienceID, e.Status, impact, refs, e.StartedAt, completed)
	return err
}

func (r *PostgresRepository) AppendEvent(ctx context.Context, e StoryEvent) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO story_events (player_id, sequence_num, event_type, payload, ts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (player_id, sequence_num) DO NOTHING`,
		e.PlayerID, e.SequenceNum, e.EventType, payload, e.Timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepository) MaxSequence(ctx context.Context, playerID string) (int64, error) {
	var max int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_num), 0) FROM story_events WHERE player_id = $1`, playerID).Scan(&max)
	return max, err
}

func (r *PostgresRepository) EventsSince(ctx context.Context, playerID string, since time.Time) ([]StoryEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT player_id, sequence_num, event_type, payload, ts
		 FROM story_events WHERE player_id = $1 AND ts >= $2 ORDER BY sequence_num`, playerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoryEvent
	for rows.Next() {
		var e StoryEvent
		var payload []byte
		if err := rows.Scan(&e.PlayerID, &e.SequenceNum, &e.EventType, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ActivePlayers(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT player_id FROM story_events WHERE ts >= $1 ORDER BY player_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertDriftAlert(ctx context.Context, report DriftReport) error {
	metrics, err := json.Marshal(report.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO drift_alerts (player_id, drift_type, severity, drift_score, metrics, remediation, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		report.PlayerID, report.DriftType, report.Severity, report.DriftScore, metrics, report.Remediation, report.CheckedAt)
	return err
}

func (r *PostgresRepository) InsertConflict(ctx context.Context, rec ConflictRecord) error {
	entities, err := json.Marshal(rec.InvolvedEntities)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	facts, err := json.Marshal(rec.ConflictingFacts)
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO story_conflicts (player_id, conflict_type, involved_entities, conflicting_facts, severity, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.PlayerID, rec.ConflictType, entities, facts, rec.Severity, rec.DetectedAt)
	return err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
