package auditlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSpeechMetrics = `
CREATE TABLE IF NOT EXISTS speech_metrics (
    id                   UUID             PRIMARY KEY,
    recorded_at          TIMESTAMPTZ      NOT NULL,
    audio_ref            TEXT             NOT NULL DEFAULT '',
    verdicts             TEXT             NOT NULL,
    segment              TEXT             NOT NULL,
    cause                TEXT             NOT NULL,
    provider             TEXT             NOT NULL DEFAULT '',
    total_duration_s     DOUBLE PRECISION NOT NULL,
    speech_time_s        DOUBLE PRECISION NOT NULL,
    pause_time_s         DOUBLE PRECISION NOT NULL,
    num_pauses           INTEGER          NOT NULL,
    avg_pause_duration_s DOUBLE PRECISION NOT NULL,
    word_count           INTEGER          NOT NULL,
    char_count           INTEGER          NOT NULL,
    wpm_total_active     DOUBLE PRECISION NOT NULL,
    wpm_speaking         DOUBLE PRECISION NOT NULL,
    cps_speaking         DOUBLE PRECISION NOT NULL,
    transcript           TEXT             NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_speech_metrics_recorded_at
    ON speech_metrics (recorded_at);
`

// Migrate creates the speech_metrics table if it does not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSpeechMetrics); err != nil {
		return fmt.Errorf("auditlog: migrate: %w", err)
	}
	return nil
}

// PostgresSink stores records in the speech_metrics table.
// All methods are safe for concurrent use.
type PostgresSink struct {
	pool *pgxpool.Pool
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("auditlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

// Append inserts r. A record whose ID already exists is ignored.
func (s *PostgresSink) Append(ctx context.Context, r Record) error {
	const q = `
		INSERT INTO speech_metrics
		    (id, recorded_at, audio_ref, verdicts, segment, cause, provider,
		     total_duration_s, speech_time_s, pause_time_s, num_pauses, avg_pause_duration_s,
		     word_count, char_count, wpm_total_active, wpm_speaking, cps_speaking, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`

	m := r.Metrics
	_, err := s.pool.Exec(ctx, q,
		r.ID.String(),
		r.Timestamp,
		r.AudioRef,
		r.Verdicts,
		m.Segment,
		r.Cause,
		r.Provider,
		m.TotalDuration,
		m.SpeechTime,
		m.PauseTime,
		m.NumPauses,
		m.AvgPauseDuration,
		m.WordCount,
		m.CharCount,
		m.WPMTotalActive,
		m.WPMSpeaking,
		m.CPSSpeaking,
		r.Transcript,
	)
	if err != nil {
		return fmt.Errorf("auditlog: insert record: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
