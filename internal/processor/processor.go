// Package processor consumes the realtime conversation driver's NATS events
// and applies them to interview sessions.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/interviewd/internal/hermes"
	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

const handleTimeout = 10 * time.Second

// Sessions is the part of interview.Service the intake drives.
type Sessions interface {
	AppendTranscript(ctx context.Context, id int64, role interview.Role, content string) (*interview.TranscriptEntry, error)
	Finalize(ctx context.Context, id int64, m metrics.Realtime) (*interview.Session, error)
}

// MetricsRecorder stores metrics records that carry no session id.
type MetricsRecorder interface {
	Record(ctx context.Context, m metrics.Realtime) error
}

type Processor struct {
	sessions Sessions
	recorder MetricsRecorder
	logger   *slog.Logger
}

func New(sessions Sessions, recorder MetricsRecorder, logger *slog.Logger) *Processor {
	return &Processor{sessions: sessions, recorder: recorder, logger: logger}
}

// HandleTranscriptTurn is the NATS handler for interview.realtime.transcript.
func (p *Processor) HandleTranscriptTurn(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var turn hermes.TranscriptTurn
	if err := json.Unmarshal(data, &turn); err != nil {
		p.logger.Error("failed to parse transcript turn", "subject", subject, "error", err)
		return
	}

	role, err := interview.ParseRole(turn.Role)
	if err != nil {
		p.logger.Warn("transcript turn rejected", "session_id", turn.SessionID, "error", err)
		return
	}

	entry, err := p.sessions.AppendTranscript(ctx, turn.SessionID, role, turn.Content)
	if err != nil {
		p.logFailure("transcript append failed", turn.SessionID, err)
		return
	}
	p.logger.Debug("transcript turn appended", "session_id", turn.SessionID, "seq", entry.Seq, "role", role)
}

// HandleRealtimeMetrics is the NATS handler for interview.realtime.metrics.
// Records with a session id finalize that session.
func (p *Processor) HandleRealtimeMetrics(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var m metrics.Realtime
	if err := json.Unmarshal(data, &m); err != nil {
		p.logger.Error("failed to parse realtime metrics", "subject", subject, "error", err)
		return
	}

	if m.SessionID == nil {
		if err := p.recorder.Record(ctx, m); err != nil {
			p.logger.Error("standalone metrics rejected", "reason", m.Reason, "error", err)
		}
		return
	}

	if _, err := p.sessions.Finalize(ctx, *m.SessionID, m); err != nil {
		p.logFailure("finalize failed", *m.SessionID, err)
	}
}

// logFailure logs expected domain rejections at warn and everything else at error.
func (p *Processor) logFailure(msg string, sessionID int64, err error) {
	switch {
	case errors.Is(err, interview.ErrValidation),
		errors.Is(err, interview.ErrNotFound),
		errors.Is(err, interview.ErrInvalidStateTransition),
		errors.Is(err, interview.ErrAlreadyFinalized):
		p.logger.Warn(msg, "session_id", sessionID, "error", err)
	default:
		p.logger.Error(msg, "session_id", sessionID, "error", err)
	}
}
