package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingSink struct {
	mu       sync.Mutex
	subjects []string
	block    chan struct{}
	fail     bool
}

func (s *recordingSink) Publish(subject string, _ any) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
	if s.fail {
		return errors.New("broker down")
	}
	return nil
}

func TestQueue_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(sink, 16, discard)

	want := []string{"interview.session.started", "interview.answer.reassembled", "interview.session.completed"}
	for _, s := range want {
		if err := q.Publish(s, nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	q.Close()

	if len(sink.subjects) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(sink.subjects), len(want))
	}
	for i := range want {
		if sink.subjects[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, sink.subjects[i], want[i])
		}
	}
}

func TestQueue_FullRejects(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	q := NewQueue(sink, 1, discard)

	// The worker takes at most one message and blocks on it, so with a
	// buffer of one the third publish cannot fit.
	var full bool
	for i := 0; i < 3; i++ {
		if err := q.Publish("interview.session.cancelled", nil); errors.Is(err, ErrQueueFull) {
			full = true
		}
	}
	if !full {
		t.Error("expected ErrQueueFull")
	}
	close(sink.block)
	q.Close()
}

func TestQueue_ClosedRejects(t *testing.T) {
	q := NewQueue(&recordingSink{fail: true}, 4, discard)
	if err := q.Publish("interview.session.started", nil); err != nil {
		t.Fatal(err)
	}
	q.Close()
	q.Close()
	if err := q.Publish("interview.session.started", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
