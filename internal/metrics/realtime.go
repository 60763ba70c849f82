// Package metrics accepts the realtime conversation metrics handed in once
// at the end of an interview session.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrInvalid      = errors.New("invalid realtime metrics")
	ErrSessionBound = errors.New("session-bound metrics must be finalized through the session")
)

// Realtime is the single metrics record of a completed or aborted session.
// Counters are produced by the realtime conversation driver.
type Realtime struct {
	SessionID          *int64    `json:"interview_session_id,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	EndedAt            time.Time `json:"ended_at"`
	Language           string    `json:"language"`
	RealtimeModel      string    `json:"realtime_model"`
	TranscriptionModel string    `json:"transcription_model"`

	AITurns                     int `json:"ai_turns"`
	CandidateTurns              int `json:"candidate_turns"`
	SilenceChainsStarted        int `json:"silence_chains_started"`
	SilenceNudgesSent           int `json:"silence_nudges_sent"`
	SilenceRepeatsSent          int `json:"silence_repeats_sent"`
	SilenceResolvePromptsSent   int `json:"silence_resolve_prompts_sent"`
	TranscriptRepairPromptsSent int `json:"transcript_repair_prompts_sent"`
	EmptyCandidateTranscripts   int `json:"empty_candidate_transcripts"`
	NoAudioRetries              int `json:"no_audio_retries"`
	ConnectionFailures          int `json:"connection_failures"`

	LastFailureReason *string `json:"last_failure_reason,omitempty"`
	Reason            string  `json:"reason"`
}

// Counters returns every counter keyed by its wire name, in a stable order.
func (m Realtime) Counters() []Counter {
	return []Counter{
		{"ai_turns", m.AITurns},
		{"candidate_turns", m.CandidateTurns},
		{"silence_chains_started", m.SilenceChainsStarted},
		{"silence_nudges_sent", m.SilenceNudgesSent},
		{"silence_repeats_sent", m.SilenceRepeatsSent},
		{"silence_resolve_prompts_sent", m.SilenceResolvePromptsSent},
		{"transcript_repair_prompts_sent", m.TranscriptRepairPromptsSent},
		{"empty_candidate_transcripts", m.EmptyCandidateTranscripts},
		{"no_audio_retries", m.NoAudioRetries},
		{"connection_failures", m.ConnectionFailures},
	}
}

type Counter struct {
	Name  string
	Value int
}

// Validate checks the time window, counters and required labels.
func (m Realtime) Validate() error {
	if m.SessionID != nil && *m.SessionID <= 0 {
		return fmt.Errorf("%w: interview_session_id must be positive", ErrInvalid)
	}
	if m.StartedAt.IsZero() || m.EndedAt.IsZero() {
		return fmt.Errorf("%w: started_at and ended_at are required", ErrInvalid)
	}
	if m.EndedAt.Before(m.StartedAt) {
		return fmt.Errorf("%w: ended_at precedes started_at", ErrInvalid)
	}
	for _, c := range m.Counters() {
		if c.Value < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalid, c.Name, c.Value)
		}
	}
	if strings.TrimSpace(m.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalid)
	}
	return nil
}

// Duration is the length of the session window.
func (m Realtime) Duration() time.Duration {
	return m.EndedAt.Sub(m.StartedAt)
}

// Sink persists standalone metrics records.
type Sink interface {
	InsertRealtimeMetrics(ctx context.Context, m Realtime) error
}

// Recorder stores metrics records that are not tied to an interview session,
// e.g. practice runs of the realtime driver.
type Recorder struct {
	sink        Sink
	instruments *Instruments
	logger      *slog.Logger
}

func NewRecorder(sink Sink, instruments *Instruments, logger *slog.Logger) *Recorder {
	return &Recorder{sink: sink, instruments: instruments, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, m Realtime) error {
	if m.SessionID != nil {
		return ErrSessionBound
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := r.sink.InsertRealtimeMetrics(ctx, m); err != nil {
		return fmt.Errorf("insert realtime metrics: %w", err)
	}
	r.instruments.Observe(ctx, m)
	r.logger.Info("standalone realtime metrics recorded",
		"reason", m.Reason,
		"duration", m.Duration(),
		"candidate_turns", m.CandidateTurns,
	)
	return nil
}
