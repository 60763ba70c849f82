package interview

import (
	"context"
	"time"

	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

// Repository persists sessions, transcript entries and the per-session
// metrics record. Implementations return ErrNotFound for unknown ids or
// tokens and ErrConflict when expectedVersion is stale; on success they
// bump s.Version.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id int64) (*Session, error)
	GetSessionByToken(ctx context.Context, token int64) (*Session, error)
	UpdateSession(ctx context.Context, s *Session, expectedVersion int64) error

	// CompleteSession stores s and its metrics record in one transaction.
	// A second metrics record for the same session yields ErrAlreadyFinalized.
	CompleteSession(ctx context.Context, s *Session, expectedVersion int64, m metrics.Realtime) error

	// AppendTranscript assigns e.ID and the next e.Seq for the session.
	AppendTranscript(ctx context.Context, e *TranscriptEntry) error
	ListTranscript(ctx context.Context, sessionID int64) ([]TranscriptEntry, error)
}

// Publisher hands events to the collaborator boundary. It must not block on
// the network.
type Publisher interface {
	Publish(subject string, data any) error
}

// ReschedulePolicy decides whether a chosen postponement time is allowed.
type ReschedulePolicy interface {
	Check(now, at time.Time) error
}
