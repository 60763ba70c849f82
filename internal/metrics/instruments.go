package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments mirrors finalized session metrics and audio activity into
// OpenTelemetry counters. A nil *Instruments is a valid no-op.
type Instruments struct {
	sessions    metric.Int64Counter
	counters    map[string]metric.Int64Counter
	duration    metric.Float64Histogram
	fragments   metric.Int64Counter
	bytes       metric.Int64Counter
	reassembled metric.Int64Counter
	transitions metric.Int64Counter
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{counters: make(map[string]metric.Int64Counter)}
	var err error

	if in.sessions, err = meter.Int64Counter("interview.sessions.finalized",
		metric.WithDescription("Realtime metrics records accepted")); err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	for _, c := range (Realtime{}).Counters() {
		counter, err := meter.Int64Counter("interview.realtime."+c.Name)
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.Name, err)
		}
		in.counters[c.Name] = counter
	}
	if in.duration, err = meter.Float64Histogram("interview.session.duration",
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if in.fragments, err = meter.Int64Counter("interview.audio.fragments"); err != nil {
		return nil, fmt.Errorf("create fragments counter: %w", err)
	}
	if in.bytes, err = meter.Int64Counter("interview.audio.bytes", metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("create bytes counter: %w", err)
	}
	if in.reassembled, err = meter.Int64Counter("interview.audio.answers_reassembled"); err != nil {
		return nil, fmt.Errorf("create reassembly counter: %w", err)
	}
	if in.transitions, err = meter.Int64Counter("interview.session.transitions"); err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	return in, nil
}

func (in *Instruments) Observe(ctx context.Context, m Realtime) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("reason", m.Reason),
		attribute.String("language", m.Language),
		attribute.String("realtime_model", m.RealtimeModel),
	)
	in.sessions.Add(ctx, 1, attrs)
	for _, c := range m.Counters() {
		in.counters[c.Name].Add(ctx, int64(c.Value), attrs)
	}
	in.duration.Record(ctx, m.Duration().Seconds(), attrs)
}

func (in *Instruments) FragmentWritten(ctx context.Context, size int) {
	if in == nil {
		return
	}
	in.fragments.Add(ctx, 1)
	in.bytes.Add(ctx, int64(size))
}

func (in *Instruments) AnswerReassembled(ctx context.Context) {
	if in == nil {
		return
	}
	in.reassembled.Add(ctx, 1)
}

func (in *Instruments) Transition(ctx context.Context, event string) {
	if in == nil {
		return
	}
	in.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
