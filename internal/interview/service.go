// Package interview owns the lifecycle of interview sessions: the state
// machine, the transcript log and the hand-off of recorded answers.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/interviewd/internal/audio"
	"github.com/MikeSquared-Agency/interviewd/internal/hermes"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

const DefaultInvitationTTL = 72 * time.Hour

// maxToken keeps tokens exactly representable as JSON numbers.
const maxToken = 1 << 53

type Service struct {
	repo        Repository
	audio       *audio.Store
	events      Publisher
	policy      ReschedulePolicy
	instruments *metrics.Instruments
	logger      *slog.Logger

	locks    *keyedMutex
	now      func() time.Time
	newToken func() int64
	ttl      time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithInvitationTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithTokenSource overrides invitation token generation. Tokens must be positive.
func WithTokenSource(f func() int64) Option {
	return func(s *Service) { s.newToken = f }
}

func WithInstruments(in *metrics.Instruments) Option {
	return func(s *Service) { s.instruments = in }
}

// NewService wires the state machine to its collaborators. events and policy
// may be nil: events are then dropped and any future time is accepted.
func NewService(repo Repository, store *audio.Store, events Publisher, policy ReschedulePolicy, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		audio:    store,
		events:   events,
		policy:   policy,
		logger:   logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
		newToken: func() int64 { return rand.Int64N(maxToken-1) + 1 },
		ttl:      DefaultInvitationTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// outbound is an event waiting for the session lock to be released.
type outbound struct {
	subject string
	payload any
}

type saveFunc func(ctx context.Context, sess *Session, expectedVersion int64) error

// Schedule creates a new session awaiting its candidate. A nil scheduledFor
// means the invitation can be redeemed right away.
func (s *Service) Schedule(ctx context.Context, scheduledFor *time.Time) (*Session, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	if scheduledFor != nil {
		at := scheduledFor.UTC()
		if err := s.checkFutureTime(now, at); err != nil {
			return nil, err
		}
		scheduledFor = &at
		expires = at.Add(s.ttl)
	}

	sess := &Session{
		Token:          s.newToken(),
		State:          StateScheduled,
		ScheduledFor:   scheduledFor,
		TokenExpiresAt: expires,
		History:        []HistoryEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, s.storageErr("create session", err)
	}

	s.logger.Info("interview scheduled", "session_id", sess.ID, "scheduled_for", scheduledFor)
	ev := s.sessionEvent(sess, "", now)
	ev.Event = "schedule"
	s.emit(outbound{hermes.SubjectSessionScheduled, ev})
	return sess, nil
}

// Start redeems an invitation token and moves its session into progress.
func (s *Service) Start(ctx context.Context, token int64) (*Session, error) {
	if token <= 0 {
		return nil, fmt.Errorf("%w: interview_token must be positive", ErrValidation)
	}
	found, err := s.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, s.repoErr("lookup token", err)
	}

	return s.update(ctx, found.ID, func(sess *Session, now time.Time) (*outbound, error) {
		// The token may have been rotated by a postpone while we waited.
		if sess.Token != token {
			return nil, fmt.Errorf("%w: interview token", ErrNotFound)
		}
		if _, err := Transition(sess.State, EventStart); err != nil {
			return nil, err
		}
		if now.After(sess.TokenExpiresAt) {
			return nil, fmt.Errorf("%w: expired at %s", ErrExpired, sess.TokenExpiresAt.Format(time.RFC3339))
		}
		if _, err := sess.apply(EventStart, now); err != nil {
			return nil, err
		}
		sess.StartedAt = &now
		return &outbound{hermes.SubjectSessionStarted, s.sessionEvent(sess, EventStart, now)}, nil
	})
}

// Cancel moves a scheduled or running session to cancelled. Cancelling an
// already cancelled session succeeds without changes.
//
// A cancel races a postpone by the session as it was when the cancel
// arrived: if a postpone commits while the cancel waits for the session
// lock, the cancel fails with ErrInvalidStateTransition even when the new
// state would accept it.
func (s *Service) Cancel(ctx context.Context, id int64) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	seen, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, s.repoErr("get session", err)
	}

	return s.update(ctx, id, func(sess *Session, now time.Time) (*outbound, error) {
		if sess.State == StateCancelled {
			return nil, nil
		}
		if sess.postponedSince(len(seen.History)) {
			return nil, fmt.Errorf("%w: session was postponed while cancel was pending", ErrInvalidStateTransition)
		}
		if _, err := sess.apply(EventCancel, now); err != nil {
			return nil, err
		}
		return &outbound{hermes.SubjectSessionCancelled, s.sessionEvent(sess, EventCancel, now)}, nil
	})
}

// Postpone either reissues an immediate invitation (mode immediate) or moves
// the session to a chosen future time (mode pick_datetime). scheduledFor is
// ignored for immediate postponement.
func (s *Service) Postpone(ctx context.Context, id int64, mode PostponeMode, scheduledFor *time.Time) (*Session, error) {
	var at time.Time
	switch mode {
	case PostponeImmediate:
	case PostponePickDatetime:
		if scheduledFor == nil {
			return nil, fmt.Errorf("%w: scheduled_for is required for pick_datetime", ErrValidation)
		}
		at = scheduledFor.UTC()
		if err := s.checkFutureTime(s.now(), at); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown postpone mode %q", ErrValidation, mode)
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	return s.update(ctx, id, func(sess *Session, now time.Time) (*outbound, error) {
		ev := EventPostponeImmediate
		if mode == PostponePickDatetime {
			ev = EventPostponeAt
		}
		if _, err := sess.apply(ev, now); err != nil {
			return nil, err
		}
		sess.StartedAt = nil
		if ev == EventPostponeImmediate {
			sess.Token = s.newToken()
			sess.ScheduledFor = nil
			sess.TokenExpiresAt = now.Add(s.ttl)
		} else {
			sess.ScheduledFor = &at
			sess.TokenExpiresAt = at.Add(s.ttl)
		}
		return &outbound{hermes.SubjectSessionPostponed, s.sessionEvent(sess, ev, now)}, nil
	})
}

// AcknowledgeModalDismissed counts a cancel or postpone prompt the candidate
// closed without confirming. It never changes the lifecycle state; acting on
// repeated dismissals is left to the analysis collaborator.
func (s *Service) AcknowledgeModalDismissed(ctx context.Context, id int64, modal ModalType) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if _, err := ParseModalType(string(modal)); err != nil {
		return nil, err
	}

	return s.update(ctx, id, func(sess *Session, now time.Time) (*outbound, error) {
		if sess.State.Terminal() {
			return nil, fmt.Errorf("%w: session is %s", ErrInvalidStateTransition, sess.State)
		}
		if modal == ModalCancel {
			sess.CancelModalDismissals++
		} else {
			sess.PostponeModalDismissals++
		}
		return &outbound{hermes.SubjectModalDismissed, hermes.ModalDismissedEvent{
			EventID:                 uuid.New().String(),
			SessionID:               sess.ID,
			ModalType:               string(modal),
			CancelModalDismissals:   sess.CancelModalDismissals,
			PostponeModalDismissals: sess.PostponeModalDismissals,
			Timestamp:               now,
		}}, nil
	})
}

// AppendTranscript adds one turn to the transcript of a running session.
func (s *Service) AppendTranscript(ctx context.Context, id int64, role Role, content string) (*TranscriptEntry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	defer s.locks.Lock(id)()

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, s.repoErr("get session", err)
	}
	if sess.State != StateInProgress {
		return nil, fmt.Errorf("%w: transcript append while %s", ErrInvalidStateTransition, sess.State)
	}

	entry := &TranscriptEntry{
		SessionID: id,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.repo.AppendTranscript(ctx, entry); err != nil {
		return nil, s.storageErr("append transcript", err)
	}
	return entry, nil
}

// Finalize completes a running session and stores its realtime metrics
// record. Only the first call succeeds.
func (s *Service) Finalize(ctx context.Context, id int64, m metrics.Realtime) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if m.SessionID != nil && *m.SessionID != id {
		return nil, fmt.Errorf("%w: metrics belong to session %d", ErrValidation, *m.SessionID)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	m.SessionID = &id

	save := func(ctx context.Context, sess *Session, expected int64) error {
		return s.repo.CompleteSession(ctx, sess, expected, m)
	}
	sess, ev, err := s.commit(ctx, id, save, func(sess *Session, now time.Time) (*outbound, error) {
		if _, err := sess.apply(EventFinalize, now); err != nil {
			return nil, err
		}
		sess.CompletedAt = &now
		sess.Finalized = true
		return &outbound{hermes.SubjectSessionCompleted, s.sessionEvent(sess, EventFinalize, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.instruments.Observe(ctx, m)
	s.instruments.Transition(ctx, string(EventFinalize))
	s.emit(*ev)
	s.logger.Info("interview finalized",
		"session_id", id,
		"reason", m.Reason,
		"duration", m.Duration(),
		"connection_failures", m.ConnectionFailures,
	)
	return sess, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, s.repoErr("get session", err)
	}
	return sess, nil
}

// Transcript returns the session's turns in append order.
func (s *Service) Transcript(ctx context.Context, id int64) ([]TranscriptEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListTranscript(ctx, id)
	if err != nil {
		return nil, s.storageErr("list transcript", err)
	}
	return entries, nil
}

// update runs fn against the freshly loaded session under its lock and
// publishes the resulting event once the lock is released. fn returning a
// nil event means nothing changed and nothing is written.
func (s *Service) update(ctx context.Context, id int64, fn func(sess *Session, now time.Time) (*outbound, error)) (*Session, error) {
	sess, ev, err := s.commit(ctx, id, s.repo.UpdateSession, fn)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		if se, ok := ev.payload.(hermes.SessionEvent); ok {
			s.instruments.Transition(ctx, se.Event)
		}
		s.emit(*ev)
	}
	return sess, nil
}

func (s *Service) commit(ctx context.Context, id int64, save saveFunc, fn func(sess *Session, now time.Time) (*outbound, error)) (*Session, *outbound, error) {
	defer s.locks.Lock(id)()

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, nil, s.repoErr("get session", err)
	}
	expected := sess.Version
	now := s.now()

	ev, err := fn(sess, now)
	if err != nil {
		return nil, nil, err
	}
	if ev == nil {
		return sess, nil, nil
	}

	sess.UpdatedAt = now
	if err := save(ctx, sess, expected); err != nil {
		return nil, nil, s.repoErr("save session", err)
	}
	return sess, ev, nil
}

func (s *Service) emit(ev outbound) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ev.subject, ev.payload); err != nil {
		s.logger.Error("failed to publish event", "subject", ev.subject, "error", err)
	}
}

func (s *Service) sessionEvent(sess *Session, ev Event, now time.Time) hermes.SessionEvent {
	out := hermes.SessionEvent{
		EventID:      uuid.New().String(),
		SessionID:    sess.ID,
		To:           string(sess.State),
		Event:        string(ev),
		ScheduledFor: sess.ScheduledFor,
		Timestamp:    now,
	}
	if n := len(sess.History); n > 0 && ev != "" {
		out.From = string(sess.History[n-1].From)
	}
	// Only events that hand the candidate a new link carry the token.
	if ev == "" || ev == EventPostponeImmediate || ev == EventPostponeAt {
		out.Token = sess.Token
	}
	return out
}

func (s *Service) checkFutureTime(now, at time.Time) error {
	if !at.After(now) {
		return fmt.Errorf("%w: scheduled_for must be in the future", ErrValidation)
	}
	if s.policy != nil {
		if err := s.policy.Check(now, at); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}

// repoErr keeps the domain errors a repository may return and classifies
// everything else as a storage failure.
func (s *Service) repoErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyFinalized):
		return err
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: concurrent update", ErrInvalidStateTransition)
	}
	return s.storageErr(op, err)
}

func (s *Service) storageErr(op string, err error) error {
	s.logger.Error("storage failure", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func validateID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: interview_session_id must be positive", ErrValidation)
	}
	return nil
}
