package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
)

type scheduleRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

type startRequest struct {
	InterviewToken int64 `json:"interview_token"`
}

type sessionRequest struct {
	InterviewSessionID int64 `json:"interview_session_id"`
}

type postponeRequest struct {
	InterviewSessionID int64      `json:"interview_session_id"`
	Mode               string     `json:"mode"`
	ScheduledFor       *time.Time `json:"scheduled_for,omitempty"`
}

type modalDismissedRequest struct {
	InterviewSessionID int64  `json:"interview_session_id"`
	ModalType          string `json:"modal_type"`
}

type transcriptRequest struct {
	InterviewSessionID int64  `json:"interview_session_id"`
	Role               string `json:"role"`
	Content            string `json:"content"`
}

type answerResponse struct {
	AnswerIndex int    `json:"answer_index"`
	Path        string `json:"path"`
	Bytes       int    `json:"bytes"`
	Fragments   int    `json:"fragments"`
}

// schedule handles POST /api/v1/interviews
func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeOptional(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Schedule(r.Context(), req.ScheduledFor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// start handles POST /api/v1/interviews/start
func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.InterviewToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// cancel handles POST /api/v1/interviews/cancel
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Cancel(r.Context(), req.InterviewSessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// postpone handles POST /api/v1/interviews/postpone
func (s *Server) postpone(w http.ResponseWriter, r *http.Request) {
	var req postponeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	mode, err := interview.ParsePostponeMode(req.Mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Postpone(r.Context(), req.InterviewSessionID, mode, req.ScheduledFor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// modalDismissed handles POST /api/v1/interviews/modal-dismissed
func (s *Server) modalDismissed(w http.ResponseWriter, r *http.Request) {
	var req modalDismissedRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	modal, err := interview.ParseModalType(req.ModalType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.AcknowledgeModalDismissed(r.Context(), req.InterviewSessionID, modal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// appendTranscript handles POST /api/v1/interviews/transcript
func (s *Server) appendTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := interview.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.sessions.AppendTranscript(r.Context(), req.InterviewSessionID, role, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, entry)
}

// realtimeMetrics handles POST /api/v1/interviews/realtime-metrics. With an
// interview_session_id the session is finalized; without one the record is
// stored on its own.
func (s *Server) realtimeMetrics(w http.ResponseWriter, r *http.Request) {
	var m metrics.Realtime
	if err := decode(w, r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}

	if m.SessionID == nil {
		if err := s.recorder.Record(r.Context(), m); err != nil {
			s.writeError(w, r, err)
			return
		}
		JSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
		return
	}

	sess, err := s.sessions.Finalize(r.Context(), *m.SessionID, m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// getSession handles GET /api/v1/interviews/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// getTranscript handles GET /api/v1/interviews/{sessionID}/transcript
func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.sessions.Transcript(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []interview.TranscriptEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// latestAnswer handles GET /api/v1/interviews/{sessionID}/answers/latest
func (s *Server) latestAnswer(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, sealed, err := s.sessions.LatestAnswerIndex(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"answer_index": index, "sealed": sealed})
}

// uploadFragment handles POST /api/v1/interviews/{sessionID}/answers/{index}/fragments.
// The body is the raw fragment; index 0 targets the current answer.
func (s *Server) uploadFragment(w http.ResponseWriter, r *http.Request) {
	id, index, err := answerPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFragmentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("fragment exceeds %d bytes", tooLarge.Limit))
			return
		}
		Error(w, http.StatusBadRequest, "failed to read fragment")
		return
	}

	written, err := s.sessions.WriteFragment(r.Context(), id, index, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, written)
}

// completeAnswer handles POST /api/v1/interviews/{sessionID}/answers/{index}/complete
func (s *Server) completeAnswer(w http.ResponseWriter, r *http.Request) {
	id, index, err := answerPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	art, err := s.sessions.CompleteAnswer(r.Context(), id, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, answerResponse{
		AnswerIndex: art.Index,
		Path:        art.Path,
		Bytes:       art.Size,
		Fragments:   art.Fragments,
	})
}

func answerPath(r *http.Request) (int64, int, error) {
	id, err := pathInt(r, "sessionID")
	if err != nil {
		return 0, 0, err
	}
	index, err := pathInt(r, "index")
	if err != nil {
		return 0, 0, err
	}
	if index < 0 {
		return 0, 0, fmt.Errorf("%w: answer index must be >= 0", interview.ErrValidation)
	}
	return id, int(index), nil
}
