package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/internal/availability"

// Prober reports whether recognition can currently be served.
type Prober interface {
	Available(ctx context.Context) bool
}

// Publisher receives availability changes.
type Publisher interface {
	Publish(events.Event)
}

type Options struct {
	Prober   Prober
	Sink     Publisher
	Interval time.Duration
	Meter    metric.MeterProvider
	Logger   *slog.Logger
}

// Monitor probes the recognizer periodically and publishes an availability
// event whenever the answer changes. The first probe is always published.
type Monitor struct {
	prober   Prober
	sink     Publisher
	interval time.Duration
	log      *slog.Logger

	mu        sync.RWMutex
	known     bool
	available bool

	gauge  metric.Int64ObservableGauge
	reg    metric.Registration
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Monitor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		prober:   opts.Prober,
		sink:     opts.Sink,
		interval: interval,
		log:      log.With(slog.String("component", "availability")),
	}
	if err := m.initMetrics(opts.Meter); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

// Start probes once synchronously, then keeps probing until Close.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.Probe(ctx)
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe asks the prober once and reports whether the answer changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	available := m.prober.Available(probeCtx)
	cancel()

	m.mu.Lock()
	changed := !m.known || m.available != available
	m.known = true
	m.available = available
	m.mu.Unlock()

	if changed {
		m.log.Info("recognition availability changed", slog.Bool("available", available))
		if m.sink != nil {
			m.sink.Publish(events.Event{Kind: events.KindAvailability, Available: available})
		}
	}
	return changed
}

// Healthy reports the last probe result. It is false before the first probe.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.known && m.available
}

// Close stops probing and unregisters the gauge.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if m.reg != nil {
		if err := m.reg.Unregister(); err != nil {
			m.log.Warn("failed to unregister gauge", slog.String("error", err.Error()))
		}
	}
}

func (m *Monitor) initMetrics(mp metric.MeterProvider) error {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	gauge, err := meter.Int64ObservableGauge("loqa.speech.available",
		metric.WithDescription("1 when speech recognition is available, 0 otherwise"))
	if err != nil {
		return err
	}
	m.gauge = gauge
	m.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if m.Healthy() {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}
