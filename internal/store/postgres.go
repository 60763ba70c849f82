package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS interview_sessions (
	id                        BIGSERIAL PRIMARY KEY,
	token                     BIGINT NOT NULL UNIQUE,
	state                     TEXT NOT NULL,
	scheduled_for             TIMESTAMPTZ,
	token_expires_at          TIMESTAMPTZ NOT NULL,
	started_at                TIMESTAMPTZ,
	completed_at              TIMESTAMPTZ,
	history                   JSONB NOT NULL DEFAULT '[]',
	cancel_modal_dismissals   INT NOT NULL DEFAULT 0,
	postpone_modal_dismissals INT NOT NULL DEFAULT 0,
	finalized                 BOOLEAN NOT NULL DEFAULT false,
	version                   BIGINT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL,
	updated_at                TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS interview_transcript_entries (
	id         BIGSERIAL PRIMARY KEY,
	session_id BIGINT NOT NULL REFERENCES interview_sessions(id),
	seq        INT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS realtime_session_metrics (
	id                             BIGSERIAL PRIMARY KEY,
	session_id                     BIGINT UNIQUE REFERENCES interview_sessions(id),
	started_at                     TIMESTAMPTZ NOT NULL,
	ended_at                       TIMESTAMPTZ NOT NULL,
	language                       TEXT NOT NULL,
	realtime_model                 TEXT NOT NULL,
	transcription_model            TEXT NOT NULL,
	ai_turns                       INT NOT NULL CHECK (ai_turns >= 0),
	candidate_turns                INT NOT NULL CHECK (candidate_turns >= 0),
	silence_chains_started         INT NOT NULL CHECK (silence_chains_started >= 0),
	silence_nudges_sent            INT NOT NULL CHECK (silence_nudges_sent >= 0),
	silence_repeats_sent           INT NOT NULL CHECK (silence_repeats_sent >= 0),
	silence_resolve_prompts_sent   INT NOT NULL CHECK (silence_resolve_prompts_sent >= 0),
	transcript_repair_prompts_sent INT NOT NULL CHECK (transcript_repair_prompts_sent >= 0),
	empty_candidate_transcripts    INT NOT NULL CHECK (empty_candidate_transcripts >= 0),
	no_audio_retries               INT NOT NULL CHECK (no_audio_retries >= 0),
	connection_failures            INT NOT NULL CHECK (connection_failures >= 0),
	last_failure_reason            TEXT,
	reason                         TEXT NOT NULL,
	created_at                     TIMESTAMPTZ NOT NULL
);`

const pgSessionColumns = `id, token, state, scheduled_for, token_expires_at, started_at, completed_at,
	history, cancel_modal_dismissals, postpone_modal_dismissals, finalized, version, created_at, updated_at`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) CreateSession(ctx context.Context, sess *interview.Session) error {
	history, err := encodeHistory(sess.History)
	if err != nil {
		return err
	}
	sess.Version = 1
	err = s.pool.QueryRow(ctx, `
		INSERT INTO interview_sessions (token, state, scheduled_for, token_expires_at, started_at, completed_at,
			history, cancel_modal_dismissals, postpone_modal_dismissals, finalized, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		sess.Token, sess.State, sess.ScheduledFor, sess.TokenExpiresAt, sess.StartedAt, sess.CompletedAt,
		history, sess.CancelModalDismissals, sess.PostponeModalDismissals, sess.Finalized, sess.Version,
		sess.CreatedAt, sess.UpdatedAt,
	).Scan(&sess.ID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id int64) (*interview.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM interview_sessions WHERE id = $1`, id)
	return scanPgSession(row)
}

func (s *Postgres) GetSessionByToken(ctx context.Context, token int64) (*interview.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM interview_sessions WHERE token = $1`, token)
	return scanPgSession(row)
}

func (s *Postgres) UpdateSession(ctx context.Context, sess *interview.Session, expectedVersion int64) error {
	return pgUpdateSession(ctx, s.pool, sess, expectedVersion)
}

// CompleteSession commits the completed session and its metrics record together.
func (s *Postgres) CompleteSession(ctx context.Context, sess *interview.Session, expectedVersion int64, m metrics.Realtime) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := pgUpdateSession(ctx, tx, sess, expectedVersion); err != nil {
		sess.Version = expectedVersion
		return err
	}
	if err := pgInsertMetrics(ctx, tx, m); err != nil {
		sess.Version = expectedVersion
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		sess.Version = expectedVersion
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) InsertRealtimeMetrics(ctx context.Context, m metrics.Realtime) error {
	return pgInsertMetrics(ctx, s.pool, m)
}

func (s *Postgres) AppendTranscript(ctx context.Context, e *interview.TranscriptEntry) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO interview_transcript_entries (session_id, seq, role, content, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		FROM interview_transcript_entries WHERE session_id = $1
		RETURNING id, seq`,
		e.SessionID, e.Role, e.Content, e.CreatedAt,
	).Scan(&e.ID, &e.Seq)
	if err != nil {
		if isPgUniqueViolation(err) {
			return interview.ErrConflict
		}
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

func (s *Postgres) ListTranscript(ctx context.Context, sessionID int64) ([]interview.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, seq, role, content, created_at
		FROM interview_transcript_entries
		WHERE session_id = $1
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []interview.TranscriptEntry
	for rows.Next() {
		var e interview.TranscriptEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgUpdateSession(ctx context.Context, db pgExecer, sess *interview.Session, expectedVersion int64) error {
	history, err := encodeHistory(sess.History)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE interview_sessions SET
			token = $1, state = $2, scheduled_for = $3, token_expires_at = $4, started_at = $5,
			completed_at = $6, history = $7, cancel_modal_dismissals = $8,
			postpone_modal_dismissals = $9, finalized = $10, version = version + 1, updated_at = $11
		WHERE id = $12 AND version = $13`,
		sess.Token, sess.State, sess.ScheduledFor, sess.TokenExpiresAt, sess.StartedAt,
		sess.CompletedAt, history, sess.CancelModalDismissals,
		sess.PostponeModalDismissals, sess.Finalized, sess.UpdatedAt,
		sess.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM interview_sessions WHERE id = $1)`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return interview.ErrNotFound
		}
		return interview.ErrConflict
	}
	sess.Version = expectedVersion + 1
	return nil
}

func pgInsertMetrics(ctx context.Context, db pgExecer, m metrics.Realtime) error {
	query := insertMetricsSQL(func(i int) string { return "$" + strconv.Itoa(i) })
	args := metricsArgs(m, time.Now().UTC(), func(v any) any { return v })
	if _, err := db.Exec(ctx, query, args...); err != nil {
		if isPgUniqueViolation(err) {
			return interview.ErrAlreadyFinalized
		}
		return fmt.Errorf("insert realtime metrics: %w", err)
	}
	return nil
}

func scanPgSession(row pgx.Row) (*interview.Session, error) {
	var sess interview.Session
	var history []byte
	err := row.Scan(
		&sess.ID, &sess.Token, &sess.State, &sess.ScheduledFor, &sess.TokenExpiresAt,
		&sess.StartedAt, &sess.CompletedAt, &history, &sess.CancelModalDismissals,
		&sess.PostponeModalDismissals, &sess.Finalized, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interview.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if sess.History, err = decodeHistory(history); err != nil {
		return nil, err
	}
	return &sess, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
