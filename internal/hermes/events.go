package hermes

import "time"

// Published by interviewd.
const (
	SubjectSessionScheduled  = "interview.session.scheduled"
	SubjectSessionStarted    = "interview.session.started"
	SubjectSessionCancelled  = "interview.session.cancelled"
	SubjectSessionPostponed  = "interview.session.postponed"
	SubjectSessionCompleted  = "interview.session.completed"
	SubjectModalDismissed    = "interview.modal.dismissed"
	SubjectAnswerReassembled = "interview.answer.reassembled"
)

// Consumed from the realtime conversation driver.
const (
	SubjectRealtimeTranscript = "interview.realtime.transcript"
	SubjectRealtimeMetrics    = "interview.realtime.metrics"
)

// SessionEvent is emitted after every committed lifecycle transition.
type SessionEvent struct {
	EventID      string     `json:"event_id"`
	SessionID    int64      `json:"interview_session_id"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Event        string     `json:"event"`
	Token        int64      `json:"interview_token,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// ModalDismissedEvent carries the close-without-confirm signal consumed by
// the analysis collaborator.
type ModalDismissedEvent struct {
	EventID                 string    `json:"event_id"`
	SessionID               int64     `json:"interview_session_id"`
	ModalType               string    `json:"modal_type"`
	CancelModalDismissals   int       `json:"cancel_modal_dismissals"`
	PostponeModalDismissals int       `json:"postpone_modal_dismissals"`
	Timestamp               time.Time `json:"timestamp"`
}

// AnswerReassembledEvent hands a merged answer recording to transcription.
type AnswerReassembledEvent struct {
	EventID     string    `json:"event_id"`
	SessionID   int64     `json:"interview_session_id"`
	AnswerIndex int       `json:"answer_index"`
	Path        string    `json:"path"`
	Bytes       int       `json:"bytes"`
	Fragments   int       `json:"fragments"`
	Timestamp   time.Time `json:"timestamp"`
}

// TranscriptTurn is one conversational turn reported by the realtime driver.
type TranscriptTurn struct {
	SessionID int64  `json:"interview_session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// MessageID is the broker-side deduplication key of an event.
func (e SessionEvent) MessageID() string { return e.EventID }
func (e ModalDismissedEvent) MessageID() string { return e.EventID }
func (e AnswerReassembledEvent) MessageID() string { return e.EventID }
