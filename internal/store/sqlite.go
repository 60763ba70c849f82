package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

// Times are stored as unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS interview_sessions (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	token                     INTEGER NOT NULL UNIQUE,
	state                     TEXT NOT NULL,
	scheduled_for             INTEGER,
	token_expires_at          INTEGER NOT NULL,
	started_at                INTEGER,
	completed_at              INTEGER,
	history                   TEXT NOT NULL DEFAULT '[]',
	cancel_modal_dismissals   INTEGER NOT NULL DEFAULT 0,
	postpone_modal_dismissals INTEGER NOT NULL DEFAULT 0,
	finalized                 INTEGER NOT NULL DEFAULT 0,
	version                   INTEGER NOT NULL,
	created_at                INTEGER NOT NULL,
	updated_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS interview_transcript_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES interview_sessions(id),
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS realtime_session_metrics (
	id                             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id                     INTEGER UNIQUE REFERENCES interview_sessions(id),
	started_at                     INTEGER NOT NULL,
	ended_at                       INTEGER NOT NULL,
	language                       TEXT NOT NULL,
	realtime_model                 TEXT NOT NULL,
	transcription_model            TEXT NOT NULL,
	ai_turns                       INTEGER NOT NULL,
	candidate_turns                INTEGER NOT NULL,
	silence_chains_started         INTEGER NOT NULL,
	silence_nudges_sent            INTEGER NOT NULL,
	silence_repeats_sent           INTEGER NOT NULL,
	silence_resolve_prompts_sent   INTEGER NOT NULL,
	transcript_repair_prompts_sent INTEGER NOT NULL,
	empty_candidate_transcripts    INTEGER NOT NULL,
	no_audio_retries               INTEGER NOT NULL,
	connection_failures            INTEGER NOT NULL,
	last_failure_reason            TEXT,
	reason                         TEXT NOT NULL,
	created_at                     INTEGER NOT NULL
);`

const sqliteSessionColumns = `id, token, state, scheduled_for, token_expires_at, started_at, completed_at,
	history, cancel_modal_dismissals, postpone_modal_dismissals, finalized, version, created_at, updated_at`

type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database file and applies the schema.
func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps transactions free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	s.db.Close()
}

func (s *SQLite) CreateSession(ctx context.Context, sess *interview.Session) error {
	history, err := encodeHistory(sess.History)
	if err != nil {
		return err
	}
	sess.Version = 1
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interview_sessions (token, state, scheduled_for, token_expires_at, started_at, completed_at,
			history, cancel_modal_dismissals, postpone_modal_dismissals, finalized, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Token, string(sess.State), nullMillis(sess.ScheduledFor), millis(sess.TokenExpiresAt),
		nullMillis(sess.StartedAt), nullMillis(sess.CompletedAt), string(history),
		sess.CancelModalDismissals, sess.PostponeModalDismissals, sess.Finalized, sess.Version,
		millis(sess.CreatedAt), millis(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if sess.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("get session id: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id int64) (*interview.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM interview_sessions WHERE id = ?`, id)
	return scanSQLiteSession(row)
}

func (s *SQLite) GetSessionByToken(ctx context.Context, token int64) (*interview.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM interview_sessions WHERE token = ?`, token)
	return scanSQLiteSession(row)
}

func (s *SQLite) UpdateSession(ctx context.Context, sess *interview.Session, expectedVersion int64) error {
	return sqliteUpdateSession(ctx, s.db, sess, expectedVersion)
}

func (s *SQLite) CompleteSession(ctx context.Context, sess *interview.Session, expectedVersion int64, m metrics.Realtime) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := sqliteUpdateSession(ctx, tx, sess, expectedVersion); err != nil {
		sess.Version = expectedVersion
		return err
	}
	if err := sqliteInsertMetrics(ctx, tx, m); err != nil {
		sess.Version = expectedVersion
		return err
	}
	if err := tx.Commit(); err != nil {
		sess.Version = expectedVersion
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) InsertRealtimeMetrics(ctx context.Context, m metrics.Realtime) error {
	return sqliteInsertMetrics(ctx, s.db, m)
}

func (s *SQLite) AppendTranscript(ctx context.Context, e *interview.TranscriptEntry) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO interview_transcript_entries (session_id, seq, role, content, created_at)
		SELECT ?1, COALESCE(MAX(seq), 0) + 1, ?2, ?3, ?4
		FROM interview_transcript_entries WHERE session_id = ?1
		RETURNING id, seq`,
		e.SessionID, string(e.Role), e.Content, millis(e.CreatedAt),
	).Scan(&e.ID, &e.Seq)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return interview.ErrConflict
		}
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

func (s *SQLite) ListTranscript(ctx context.Context, sessionID int64) ([]interview.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, created_at
		FROM interview_transcript_entries
		WHERE session_id = ?
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []interview.TranscriptEntry
	for rows.Next() {
		var e interview.TranscriptEntry
		var role string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &role, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		e.Role = interview.Role(role)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteUpdateSession(ctx context.Context, db sqlExecer, sess *interview.Session, expectedVersion int64) error {
	history, err := encodeHistory(sess.History)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE interview_sessions SET
			token = ?, state = ?, scheduled_for = ?, token_expires_at = ?, started_at = ?,
			completed_at = ?, history = ?, cancel_modal_dismissals = ?,
			postpone_modal_dismissals = ?, finalized = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		sess.Token, string(sess.State), nullMillis(sess.ScheduledFor), millis(sess.TokenExpiresAt),
		nullMillis(sess.StartedAt), nullMillis(sess.CompletedAt), string(history),
		sess.CancelModalDismissals, sess.PostponeModalDismissals, sess.Finalized, millis(sess.UpdatedAt),
		sess.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interview_sessions WHERE id = ?`, sess.ID).Scan(&n); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if n == 0 {
			return interview.ErrNotFound
		}
		return interview.ErrConflict
	}
	sess.Version = expectedVersion + 1
	return nil
}

func sqliteInsertMetrics(ctx context.Context, db sqlExecer, m metrics.Realtime) error {
	query := insertMetricsSQL(func(int) string { return "?" })
	args := metricsArgs(m, millis(time.Now()), func(v any) any {
		if t, ok := v.(time.Time); ok {
			return millis(t)
		}
		return v
	})
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if isSQLiteUniqueViolation(err) {
			return interview.ErrAlreadyFinalized
		}
		return fmt.Errorf("insert realtime metrics: %w", err)
	}
	return nil
}

func scanSQLiteSession(row *sql.Row) (*interview.Session, error) {
	var sess interview.Session
	var state, history string
	var scheduledFor, startedAt, completedAt sql.NullInt64
	var expiresAt, createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.Token, &state, &scheduledFor, &expiresAt, &startedAt, &completedAt,
		&history, &sess.CancelModalDismissals, &sess.PostponeModalDismissals, &sess.Finalized,
		&sess.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interview.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.State = interview.State(state)
	sess.ScheduledFor = fromNullMillis(scheduledFor)
	sess.TokenExpiresAt = fromMillis(expiresAt)
	sess.StartedAt = fromNullMillis(startedAt)
	sess.CompletedAt = fromNullMillis(completedAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	if sess.History, err = decodeHistory([]byte(history)); err != nil {
		return nil, err
	}
	return &sess, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
