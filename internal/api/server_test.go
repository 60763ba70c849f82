package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MikeSquared-Agency/interviewd/internal/audio"
	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
	"github.com/MikeSquared-Agency/interviewd/internal/policy"
	"github.com/MikeSquared-Agency/interviewd/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupServer(t *testing.T) (*Server, *clock) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(db.Close)

	files, err := audio.NewStore(t.TempDir(), audio.WithHeaderSize(44))
	if err != nil {
		t.Fatalf("audio store: %v", err)
	}

	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	svc := interview.NewService(db, files, nil, policy.Default(), logger, interview.WithClock(c.Now))
	return NewServer(8760, svc, metrics.NewRecorder(db, nil, logger), logger), c
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func startedSession(t *testing.T, srv *Server) interview.Session {
	t.Helper()
	w := do(t, srv, "POST", "/api/v1/interviews", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("schedule: expected 201, got %d: %s", w.Code, w.Body)
	}
	sess := decodeBody[interview.Session](t, w)

	w = do(t, srv, "POST", "/api/v1/interviews/start", map[string]int64{"interview_token": sess.Token})
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body)
	}
	return decodeBody[interview.Session](t, w)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decodeBody[map[string]string](t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, "GET", "/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	srv, _ := setupServer(t)
	sess := startedSession(t, srv)
	if sess.State != interview.StateInProgress {
		t.Fatalf("state = %s, want in_progress", sess.State)
	}
	path := fmt.Sprintf("/api/v1/interviews/%d", sess.ID)

	w := do(t, srv, "POST", "/api/v1/interviews/start", map[string]int64{"interview_token": sess.Token})
	if w.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", w.Code)
	}

	w = do(t, srv, "POST", "/api/v1/interviews/transcript", map[string]any{
		"interview_session_id": sess.ID, "role": "assistant", "content": "Why this role?",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("transcript: expected 201, got %d: %s", w.Code, w.Body)
	}
	w = do(t, srv, "POST", "/api/v1/interviews/transcript", map[string]any{
		"interview_session_id": sess.ID, "role": "narrator", "content": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad role: expected 400, got %d", w.Code)
	}

	w = do(t, srv, "GET", path+"/transcript", nil)
	transcript := decodeBody[struct {
		Entries []interview.TranscriptEntry `json:"entries"`
		Count   int                         `json:"count"`
	}](t, w)
	if transcript.Count != 1 || transcript.Entries[0].Content != "Why this role?" {
		t.Errorf("unexpected transcript %+v", transcript)
	}

	w = do(t, srv, "POST", "/api/v1/interviews/modal-dismissed", map[string]any{
		"interview_session_id": sess.ID, "modal_type": "postpone",
	})
	if w.Code != http.StatusOK {
		t.Errorf("modal-dismissed: expected 200, got %d", w.Code)
	}
	if got := decodeBody[interview.Session](t, w); got.PostponeModalDismissals != 1 {
		t.Errorf("postpone dismissals = %d, want 1", got.PostponeModalDismissals)
	}

	w = do(t, srv, "POST", "/api/v1/interviews/postpone", map[string]any{
		"interview_session_id": sess.ID, "mode": "pick_datetime",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("postpone without scheduled_for: expected 400, got %d", w.Code)
	}
	w = do(t, srv, "POST", "/api/v1/interviews/postpone", map[string]any{
		"interview_session_id": sess.ID, "mode": "pick_datetime", "scheduled_for": "tomorrow",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("postpone with bad datetime: expected 400, got %d", w.Code)
	}

	for i := 0; i < 2; i++ {
		w = do(t, srv, "POST", "/api/v1/interviews/cancel", map[string]int64{"interview_session_id": sess.ID})
		if w.Code != http.StatusOK {
			t.Fatalf("cancel %d: expected 200, got %d: %s", i+1, w.Code, w.Body)
		}
	}

	w = do(t, srv, "GET", path, nil)
	if got := decodeBody[interview.Session](t, w); got.State != interview.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	w = do(t, srv, "POST", "/api/v1/interviews/transcript", map[string]any{
		"interview_session_id": sess.ID, "role": "user", "content": "still here",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("transcript after cancel: expected 409, got %d", w.Code)
	}
}

func TestStartEndpointErrors(t *testing.T) {
	srv, c := setupServer(t)

	w := do(t, srv, "POST", "/api/v1/interviews/start", map[string]int64{"interview_token": 987654})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown token: expected 404, got %d", w.Code)
	}
	w = do(t, srv, "POST", "/api/v1/interviews/start", `{"interview_token": -4}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative token: expected 400, got %d", w.Code)
	}
	w = do(t, srv, "POST", "/api/v1/interviews/start", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}

	w = do(t, srv, "POST", "/api/v1/interviews", nil)
	sess := decodeBody[interview.Session](t, w)
	c.Advance(interview.DefaultInvitationTTL + time.Hour)
	w = do(t, srv, "POST", "/api/v1/interviews/start", map[string]int64{"interview_token": sess.Token})
	if w.Code != http.StatusGone {
		t.Errorf("expired token: expected 410, got %d", w.Code)
	}
}

func TestRealtimeMetricsEndpoint(t *testing.T) {
	srv, c := setupServer(t)
	sess := startedSession(t, srv)

	payload := map[string]any{
		"started_at":                     c.Now().Add(-30 * time.Minute).Format(time.RFC3339),
		"ended_at":                       c.Now().Format(time.RFC3339),
		"language":                       "en",
		"realtime_model":                 "gpt-realtime",
		"transcription_model":            "whisper-1",
		"ai_turns":                       12,
		"candidate_turns":                11,
		"silence_chains_started":         1,
		"silence_nudges_sent":            2,
		"silence_repeats_sent":           0,
		"silence_resolve_prompts_sent":   0,
		"transcript_repair_prompts_sent": 1,
		"empty_candidate_transcripts":    0,
		"no_audio_retries":               0,
		"connection_failures":            0,
		"reason":                         "completed",
	}

	w := do(t, srv, "POST", "/api/v1/interviews/realtime-metrics", payload)
	if w.Code != http.StatusCreated {
		t.Errorf("standalone: expected 201, got %d: %s", w.Code, w.Body)
	}

	payload["no_audio_retries"] = -1
	w = do(t, srv, "POST", "/api/v1/interviews/realtime-metrics", payload)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative counter: expected 400, got %d", w.Code)
	}
	payload["no_audio_retries"] = 0

	payload["interview_session_id"] = sess.ID
	w = do(t, srv, "POST", "/api/v1/interviews/realtime-metrics", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d: %s", w.Code, w.Body)
	}
	if got := decodeBody[interview.Session](t, w); got.State != interview.StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}

	w = do(t, srv, "POST", "/api/v1/interviews/realtime-metrics", payload)
	if w.Code != http.StatusConflict {
		t.Errorf("double finalize: expected 409, got %d", w.Code)
	}
}

func TestFragmentEndpoints(t *testing.T) {
	srv, _ := setupServer(t)
	sess := startedSession(t, srv)
	base := fmt.Sprintf("/api/v1/interviews/%d/answers", sess.ID)

	for _, n := range []int{100, 80, 120} {
		w := do(t, srv, "POST", base+"/1/fragments", make([]byte, n))
		if w.Code != http.StatusCreated {
			t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body)
		}
	}
	w := do(t, srv, "POST", base+"/1/fragments", []byte{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty fragment: expected 400, got %d", w.Code)
	}

	w = do(t, srv, "POST", base+"/1/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", w.Code, w.Body)
	}
	ans := decodeBody[answerResponse](t, w)
	if ans.Bytes != 212 || ans.Fragments != 3 || ans.AnswerIndex != 1 {
		t.Errorf("unexpected answer %+v", ans)
	}

	w = do(t, srv, "GET", base+"/latest", nil)
	latest := decodeBody[map[string]any](t, w)
	if latest["answer_index"] != float64(1) || latest["sealed"] != true {
		t.Errorf("unexpected latest %+v", latest)
	}

	w = do(t, srv, "POST", base+"/5/complete", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("empty group: expected 404, got %d", w.Code)
	}
	w = do(t, srv, "POST", base+"/x/complete", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad index: expected 400, got %d", w.Code)
	}
}

func TestAudioWebSocket(t *testing.T) {
	srv, _ := setupServer(t)
	sess := startedSession(t, srv)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + fmt.Sprintf("/ws/interviews/%d/audio", sess.ID)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() map[string]any {
		t.Helper()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if typ != websocket.MessageText {
			t.Fatalf("expected text frame, got %v", typ)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return m
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if m := read(); m["type"] != "pong" {
		t.Errorf("expected pong, got %v", m)
	}

	for _, n := range []int{100, 80, 120} {
		if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, n)); err != nil {
			t.Fatal(err)
		}
		if m := read(); m["type"] != "fragment_saved" || m["answer_index"] != float64(1) {
			t.Errorf("unexpected ack %v", m)
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"answer_complete"}`)); err != nil {
		t.Fatal(err)
	}
	m := read()
	if m["type"] != "answer_reassembled" || m["bytes"] != float64(212) {
		t.Errorf("unexpected completion %v", m)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	if m := read(); m["answer_index"] != float64(2) {
		t.Errorf("next answer should be 2, got %v", m)
	}
}

func TestAudioWebSocket_RejectsIdleSession(t *testing.T) {
	srv, _ := setupServer(t)
	w := do(t, srv, "POST", "/api/v1/interviews", nil)
	sess := decodeBody[interview.Session](t, w)

	w = do(t, srv, "GET", fmt.Sprintf("/ws/interviews/%d/audio", sess.ID), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 before upgrade, got %d", w.Code)
	}
}

func TestScheduleEndpoint_Body(t *testing.T) {
	srv, c := setupServer(t)

	// Chunked request with nothing in it: ContentLength is unknown.
	req := httptest.NewRequest("POST", "/api/v1/interviews", io.NopCloser(strings.NewReader("")))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("empty chunked body: expected 201, got %d: %s", w.Code, w.Body)
	}
	if sess := decodeBody[interview.Session](t, w); sess.ScheduledFor != nil {
		t.Errorf("expected no scheduled_for, got %v", sess.ScheduledFor)
	}

	at := c.Now().Add(48 * time.Hour)
	w = do(t, srv, "POST", "/api/v1/interviews", map[string]any{"scheduled_for": at})
	if w.Code != http.StatusCreated {
		t.Fatalf("scheduled: expected 201, got %d: %s", w.Code, w.Body)
	}
	if sess := decodeBody[interview.Session](t, w); sess.ScheduledFor == nil || !sess.ScheduledFor.Equal(at) {
		t.Errorf("scheduled_for = %v, want %v", sess.ScheduledFor, at)
	}

	if w := do(t, srv, "POST", "/api/v1/interviews", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", w.Code)
	}
}

func TestJSON_EncodeFailureKeepsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusCreated, map[string]any{"bad": make(chan int)})

	if w.Code != http.StatusCreated {
		t.Errorf("expected the original status 201, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "error") {
		t.Errorf("no second body expected, got %q", w.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", interview.ErrValidation), http.StatusBadRequest},
		{metrics.ErrInvalid, http.StatusBadRequest},
		{interview.ErrNotFound, http.StatusNotFound},
		{interview.ErrInvalidStateTransition, http.StatusConflict},
		{interview.ErrAlreadyStarted, http.StatusConflict},
		{interview.ErrAlreadyFinalized, http.StatusConflict},
		{interview.ErrExpired, http.StatusGone},
		{interview.ErrStorage, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
