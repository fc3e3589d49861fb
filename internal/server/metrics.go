package server

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-audio/server"

type metrics struct {
	sessions atomic.Int64
	streams  atomic.Int64

	messages metric.Int64Counter
	connects metric.Int64Counter
	opTime   metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	m := &metrics{}
	meter := otel.Meter(instrumentationName)

	var err error
	if m.messages, err = meter.Int64Counter("loqa.audio.messages",
		metric.WithDescription("Control messages received, by type")); err != nil {
		return nil, err
	}
	if m.connects, err = meter.Int64Counter("loqa.audio.stream.connects",
		metric.WithDescription("Stream connect attempts, by result code")); err != nil {
		return nil, err
	}
	if m.opTime, err = meter.Float64Histogram("loqa.audio.message.duration",
		metric.WithDescription("Time spent handling a control message on the control goroutine"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}

	sessions, err := meter.Int64ObservableGauge("loqa.audio.sessions", metric.WithDescription("Connected clients"))
	if err != nil {
		return nil, err
	}
	streams, err := meter.Int64ObservableGauge("loqa.audio.streams", metric.WithDescription("Streams owned by connected clients"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(sessions, m.sessions.Load())
		obs.ObserveInt64(streams, m.streams.Load())
		return nil
	}, sessions, streams)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) message(ctx context.Context, kind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("type", kind))
	m.messages.Add(ctx, 1, attrs)
	m.opTime.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func (m *metrics) connect(ctx context.Context, code int32) {
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.Int("code", int(code))))
}
