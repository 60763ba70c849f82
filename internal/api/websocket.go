package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MikeSquared-Agency/interviewd/internal/interview"
)

// wsMessage is a text control frame from the capture client.
type wsMessage struct {
	Type string `json:"type"`
}

// audioStream handles GET /ws/interviews/{sessionID}/audio. Binary frames are
// fragments of the current answer; text frames carry control messages:
// "answer_complete" seals the current answer, "ping" is answered with "pong".
func (s *Server) audioStream(w http.ResponseWriter, r *http.Request) {
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
	if sess.State != interview.StateInProgress {
		Error(w, http.StatusConflict, "interview is "+string(sess.State))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("failed to accept websocket", "session_id", id, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			s.logger.Debug("failed to close websocket", "session_id", id, "error", closeErr)
		}
	}()
	ws.SetReadLimit(maxFragmentBytes)

	s.logger.Info("audio stream opened", "session_id", id)
	s.audioLoop(r.Context(), ws, id)
	s.logger.Info("audio stream closed", "session_id", id)
}

func (s *Server) audioLoop(ctx context.Context, ws *websocket.Conn, id int64) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("websocket closed by client", "session_id", id)
			} else if !errors.Is(err, context.Canceled) {
				s.logger.Warn("websocket read error", "session_id", id, "error", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			written, err := s.sessions.WriteFragment(ctx, id, 0, data)
			if err != nil {
				if !s.streamError(ctx, ws, err) {
					return
				}
				continue
			}
			s.writeWS(ctx, ws, map[string]any{
				"type":         "fragment_saved",
				"answer_index": written.AnswerIndex,
				"bytes":        written.Bytes,
			})
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.writeWS(ctx, ws, map[string]string{"type": "error", "error": "invalid control message"})
			continue
		}
		switch msg.Type {
		case "ping":
			s.writeWS(ctx, ws, map[string]string{"type": "pong"})
		case "answer_complete":
			art, err := s.sessions.CompleteAnswer(ctx, id, 0)
			if err != nil {
				if !s.streamError(ctx, ws, err) {
					return
				}
				continue
			}
			s.writeWS(ctx, ws, map[string]any{
				"type":         "answer_reassembled",
				"answer_index": art.Index,
				"bytes":        art.Size,
				"fragments":    art.Fragments,
			})
		default:
			s.writeWS(ctx, ws, map[string]string{"type": "error", "error": "unknown message type " + msg.Type})
		}
	}
}

// streamError reports err to the client and says whether the stream may go on.
// Once the session has left in_progress no further audio is accepted.
func (s *Server) streamError(ctx context.Context, ws *websocket.Conn, err error) bool {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("audio stream failure", "error", err)
		msg = "internal error"
	}
	s.writeWS(ctx, ws, map[string]any{"type": "error", "status": status, "error": msg})
	return !errors.Is(err, interview.ErrInvalidStateTransition)
}

func (s *Server) writeWS(ctx context.Context, ws *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode websocket message", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("websocket write error", "error", err)
	}
}
