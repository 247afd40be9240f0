package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL. The full record is kept
// as JSONB; turns are also written row by row for querying.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS viva_transcripts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			coherence_score INTEGER NOT NULL DEFAULT 0,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			payload JSONB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS viva_turns (
			transcript_id TEXT NOT NULL REFERENCES viva_transcripts(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			latency_ms BIGINT,
			is_barge_in BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (transcript_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_viva_transcripts_ended ON viva_transcripts (ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO viva_transcripts (id, session_id, outcome, started_at, ended_at, coherence_score, pii_redacted, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET outcome = EXCLUDED.outcome, ended_at = EXCLUDED.ended_at,
		   coherence_score = EXCLUDED.coherence_score, pii_redacted = EXCLUDED.pii_redacted, payload = EXCLUDED.payload`,
		record.ID,
		record.SessionID,
		record.Outcome,
		record.StartedAt,
		record.EndedAt,
		record.Graph.CoherenceScore,
		record.PIIRedacted,
		payload,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM viva_turns WHERE transcript_id = $1`, record.ID); err != nil {
		return fmt.Errorf("reset turns: %w", err)
	}

	batch := &pgx.Batch{}
	for i, turn := range record.Turns {
		var latencyMs *int64
		if turn.Latency != nil {
			ms := turn.Latency.Milliseconds()
			latencyMs = &ms
		}
		batch.Queue(
			`INSERT INTO viva_turns (transcript_id, seq, speaker, text, ts, latency_ms, is_barge_in)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.ID, i, string(turn.Speaker), turn.Text, turn.Timestamp, latencyMs, turn.IsBargeIn,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save turns: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM viva_transcripts WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("query transcript: %w", err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("decode transcript: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM viva_transcripts ORDER BY ended_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent transcripts: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		var r Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
