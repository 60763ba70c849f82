// Package store persists interview sessions, transcript entries and realtime
// metrics records in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/interviewd/internal/config"
	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

// Store is implemented by both backends.
type Store interface {
	interview.Repository
	metrics.Sink
	Ping(ctx context.Context) error
	Close()
}

// Open connects the configured backend (config.BackendPostgres or
// config.BackendSQLite) and applies its schema.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case config.BackendPostgres:
		s, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		return NewSQLite(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

// metricsColumns lists the realtime_session_metrics insert columns; counter
// columns carry the counter wire names.
func metricsColumns() []string {
	cols := []string{"session_id", "started_at", "ended_at", "language", "realtime_model", "transcription_model"}
	for _, c := range (metrics.Realtime{}).Counters() {
		cols = append(cols, c.Name)
	}
	return append(cols, "last_failure_reason", "reason", "created_at")
}

// insertMetricsSQL builds the insert statement using placeholder(i) for the
// i-th (1-based) argument.
func insertMetricsSQL(placeholder func(i int) string) string {
	cols := metricsColumns()
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = placeholder(i + 1)
	}
	return "INSERT INTO realtime_session_metrics (" + strings.Join(cols, ", ") +
		") VALUES (" + strings.Join(ph, ", ") + ")"
}

// metricsArgs returns the insert arguments in metricsColumns order, with
// times passed through conv.
func metricsArgs(m metrics.Realtime, createdAt any, conv func(any) any) []any {
	var sessionID any
	if m.SessionID != nil {
		sessionID = *m.SessionID
	}
	args := []any{sessionID, conv(m.StartedAt), conv(m.EndedAt), m.Language, m.RealtimeModel, m.TranscriptionModel}
	for _, c := range m.Counters() {
		args = append(args, c.Value)
	}
	var lastFailure any
	if m.LastFailureReason != nil {
		lastFailure = *m.LastFailureReason
	}
	return append(args, lastFailure, m.Reason, createdAt)
}

func encodeHistory(h []interview.HistoryEntry) ([]byte, error) {
	if h == nil {
		h = []interview.HistoryEntry{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return b, nil
}

func decodeHistory(b []byte) ([]interview.HistoryEntry, error) {
	h := []interview.HistoryEntry{}
	if len(b) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return h, nil
}
