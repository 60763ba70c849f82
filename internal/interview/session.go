package interview

import (
	"fmt"
	"time"
)

type ModalType string

const (
	ModalCancel   ModalType = "cancel"
	ModalPostpone ModalType = "postpone"
)

func ParseModalType(s string) (ModalType, error) {
	switch m := ModalType(s); m {
	case ModalCancel, ModalPostpone:
		return m, nil
	}
	return "", fmt.Errorf("%w: modal_type must be \"cancel\" or \"postpone\", got %q", ErrValidation, s)
}

type PostponeMode string

const (
	PostponeImmediate    PostponeMode = "immediate"
	PostponePickDatetime PostponeMode = "pick_datetime"
)

func ParsePostponeMode(s string) (PostponeMode, error) {
	switch m := PostponeMode(s); m {
	case PostponeImmediate, PostponePickDatetime:
		return m, nil
	}
	return "", fmt.Errorf("%w: mode must be \"immediate\" or \"pick_datetime\", got %q", ErrValidation, s)
}

// HistoryEntry records one committed lifecycle transition.
type HistoryEntry struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
}

// Session is one interview attempt by a candidate.
type Session struct {
	ID             int64      `json:"id"`
	Token          int64      `json:"interview_token"`
	State          State      `json:"state"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	History []HistoryEntry `json:"history"`

	// Close-without-confirm counters, read by the analysis collaborator.
	CancelModalDismissals   int `json:"cancel_modal_dismissals"`
	PostponeModalDismissals int `json:"postpone_modal_dismissals"`

	Finalized bool      `json:"finalized"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// postponedSince reports whether a postpone was committed after the first n
// history entries.
func (s *Session) postponedSince(n int) bool {
	if n < 0 || n > len(s.History) {
		n = 0
	}
	for _, h := range s.History[n:] {
		if h.Event == EventPostponeImmediate || h.Event == EventPostponeAt {
			return true
		}
	}
	return false
}

// apply moves the session along ev and appends the history entry.
// On error the session is left untouched.
func (s *Session) apply(ev Event, now time.Time) (HistoryEntry, error) {
	to, err := Transition(s.State, ev)
	if err != nil {
		return HistoryEntry{}, err
	}
	h := HistoryEntry{From: s.State, To: to, Event: ev, At: now}
	s.State = to
	s.History = append(s.History, h)
	return h, nil
}

// Clone returns a deep copy, so repositories never share memory with callers.
func (s *Session) Clone() *Session {
	c := *s
	c.ScheduledFor = cloneTime(s.ScheduledFor)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.History = append([]HistoryEntry(nil), s.History...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
