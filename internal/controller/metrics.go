package controller

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/internal/controller"

// Metrics holds the session instruments recorded by the controller.
type Metrics struct {
	// SessionsStarted counts sessions by requested locale.
	SessionsStarted metric.Int64Counter
	// SessionsEnded counts sessions by terminal state and locale.
	SessionsEnded metric.Int64Counter
	// ActiveSessions is the number of sessions not yet terminal.
	ActiveSessions metric.Int64UpDownCounter
	// SessionDuration is the time from start to terminal state.
	SessionDuration metric.Float64Histogram
}

var durationBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// NewMetrics creates the instruments on mp. A nil mp uses the global
// provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}
	if met.SessionsStarted, err = m.Int64Counter("loqa.speech.sessions.started",
		metric.WithDescription("Recognition sessions started by locale."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("loqa.speech.sessions.ended",
		metric.WithDescription("Recognition sessions ended by terminal state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("loqa.speech.sessions.active",
		metric.WithDescription("Recognition sessions not yet in a terminal state."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("loqa.speech.session.duration",
		metric.WithDescription("Time from session start to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}
