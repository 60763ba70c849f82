// Package dispatch decouples event publication from request handling: the
// caller enqueues, a single worker delivers to the broker.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrClosed    = errors.New("dispatch queue closed")
)

// Sink delivers one event. hermes.Client satisfies it.
type Sink interface {
	Publish(subject string, data any) error
}

type message struct {
	subject string
	data    any
}

// Queue is a bounded in-memory buffer in front of a Sink. Publish never
// blocks; when the buffer is full the event is rejected and logged.
type Queue struct {
	sink   Sink
	logger *slog.Logger
	ch     chan message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewQueue(sink Sink, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{
		sink:   sink,
		logger: logger,
		ch:     make(chan message, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Publish(subject string, data any) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- message{subject: subject, data: data}:
		return nil
	default:
		q.logger.Warn("dispatch queue full, dropping event", "subject", subject)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until buffered ones are delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for msg := range q.ch {
		if err := q.sink.Publish(msg.subject, msg.data); err != nil {
			q.logger.Error("failed to deliver event", "subject", msg.subject, "error", err)
			continue
		}
		q.logger.Debug("event delivered", "subject", msg.subject)
	}
}

// LogSink stands in for the broker when none is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(subject string, data any) error {
	s.Logger.Info("event", "subject", subject, "payload", data)
	return nil
}
