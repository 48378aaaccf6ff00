package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/events"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/stt/stttest"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const waitTimeout = 2 * time.Second

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// liveRecorder tracks how many sessions are between Starting and a terminal
// state and remembers the peak.
type liveRecorder struct {
	mu    sync.Mutex
	live  int
	peak  int
	trans []session.Transition
}

func (r *liveRecorder) RecordTransition(tr session.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trans = append(r.trans, tr)
	switch {
	case tr.To == session.Starting:
		r.live++
		if r.live > r.peak {
			r.peak = r.live
		}
	case tr.To.Terminal():
		r.live--
	}
}

func (r *liveRecorder) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

type fixture struct {
	ctrl     *Controller
	rec      *stttest.Recognizer
	frames   chan audio.Frame
	source   *audio.Source
	recorder *liveRecorder
	reader   *sdkmetric.ManualReader
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		rec:      stttest.New(),
		frames:   make(chan audio.Frame, 256),
		recorder: &liveRecorder{},
		reader:   sdkmetric.NewManualReader(),
		spans:    tracetest.NewSpanRecorder(),
	}
	f.rec.EndOnCloseSend = true
	f.source = audio.NewSource("test-mic", audio.ChannelCapture{Frames: f.frames}, newLogger())

	reg := stt.NewRegistry("en-US")
	reg.Register("en-US", f.rec)
	reg.Register("fr-FR", f.rec)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sink := events.NewSink(0, newLogger())
	t.Cleanup(sink.Close)

	opts := Options{
		Resolver: reg,
		Source:   f.source,
		Sink:     sink,
		Session:  session.Config{SampleRate: 16000, Channels: 1, Partials: true},
		Metrics:  metrics,
		Tracer:   tp.Tracer("test"),
		Recorder: f.recorder,
		Logger:   newLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.ctrl = New(opts)
	return f
}

func (f *fixture) wait(t *testing.T, id string) session.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	st, err := f.ctrl.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v (state %s)", id, err, st)
	}
	return st
}

func (f *fixture) stream(t *testing.T) *stttest.Stream {
	t.Helper()
	s, ok := f.rec.NextStream(waitTimeout)
	if !ok {
		t.Fatal("recognizer stream not started")
	}
	return s
}

func TestStartRejectsWhileActive(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session id")
	}
	if _, err := f.ctrl.Start(context.Background(), "fr-FR"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	gotID, st, ok := f.ctrl.Current()
	if !ok || gotID != id || st.Terminal() {
		t.Fatalf("unexpected current session %q %s %v", gotID, st, ok)
	}
	if err := f.ctrl.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st := f.wait(t, id); st != session.Cancelled {
		t.Fatalf("expected cancelled, got %s", st)
	}
}

func TestCancelAndStopLookup(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.ctrl.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.ctrl.Stop("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.ctrl.CurrentState("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	id, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stream(t)
	f.frames <- audio.Frame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1}
	if err := f.ctrl.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := f.wait(t, id); st != session.Completed {
		t.Fatalf("expected completed, got %s", st)
	}
	if err := f.ctrl.Cancel(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel on terminal session: expected ErrNotFound, got %v", err)
	}
	if err := f.ctrl.Stop(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stop on terminal session: expected ErrNotFound, got %v", err)
	}
	st, err := f.ctrl.CurrentState(id)
	if err != nil || st != session.Completed {
		t.Fatalf("expected completed snapshot, got %s %v", st, err)
	}
}

func TestConcurrentStartsFailFast(t *testing.T) {
	f := newFixture(t, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string
	var rejected int
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.ctrl.Start(context.Background(), "en-US")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ids = append(ids, id)
			case errors.Is(err, ErrAlreadyActive):
				rejected++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if len(ids) != 1 || rejected != 15 {
		t.Fatalf("expected one winner, got %d started and %d rejected", len(ids), rejected)
	}
	_ = f.ctrl.Cancel(ids[0])
	f.wait(t, ids[0])
}

func TestAtMostOneLiveSession(t *testing.T) {
	f := newFixture(t, nil)
	rng := rand.New(rand.NewSource(7))
	var ids []string
	for i := 0; i < 60; i++ {
		switch rng.Intn(3) {
		case 0:
			id, err := f.ctrl.Start(context.Background(), "fr-FR")
			if err == nil {
				ids = append(ids, id)
				f.stream(t)
			} else if !errors.Is(err, ErrAlreadyActive) {
				t.Fatalf("start: %v", err)
			}
		case 1:
			if id, _, ok := f.ctrl.Current(); ok {
				_ = f.ctrl.Stop(id)
			}
		case 2:
			if id, _, ok := f.ctrl.Current(); ok {
				_ = f.ctrl.Cancel(id)
			}
		}
		if rng.Intn(2) == 0 {
			f.frames <- audio.Frame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1}
		}
	}
	if id, _, ok := f.ctrl.Current(); ok {
		_ = f.ctrl.Cancel(id)
		f.wait(t, id)
	}
	if len(ids) == 0 {
		t.Fatal("expected at least one session to start")
	}
	if peak := f.recorder.Peak(); peak != 1 {
		t.Fatalf("expected at most one live session, peak was %d", peak)
	}
}

func TestStartAfterCancelReusesDevice(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stream(t)
	if err := f.ctrl.Cancel(first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	f.stream(t)
	f.frames <- audio.Frame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1}
	_ = f.ctrl.Stop(second)
	if st := f.wait(t, second); st != session.Completed {
		t.Fatalf("expected completed, got %s", st)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HistorySize = 2 })
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.ctrl.Start(context.Background(), "en-US")
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		f.stream(t)
		_ = f.ctrl.Cancel(id)
		f.wait(t, id)
		ids = append(ids, id)
	}
	if _, err := f.ctrl.CurrentState(ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest session to be forgotten, got %v", err)
	}
	for _, id := range ids[1:] {
		if st, err := f.ctrl.CurrentState(id); err != nil || st != session.Cancelled {
			t.Fatalf("expected cancelled snapshot for %s, got %s %v", id, st, err)
		}
	}
}

func TestWithCompleteDelay(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.EndOnCloseSend = false
	id, err := f.ctrl.Start(context.Background(), "fr-FR", WithCompleteDelay(30*time.Millisecond))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := f.stream(t)
	f.frames <- audio.Frame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1}
	<-stream.FirstFrame()
	stream.Partial("Bonjour")
	select {
	case <-stream.CloseSendCalled():
	case <-time.After(waitTimeout):
		t.Fatal("complete delay did not stop the session")
	}
	stream.End()
	if st := f.wait(t, id); st != session.Completed {
		t.Fatalf("expected completed, got %s", st)
	}
}

func TestMetricsAndSpans(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := f.stream(t)
	f.frames <- audio.Frame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1}
	<-stream.FirstFrame()
	stream.Final("Bonjour à tous")
	f.wait(t, id)

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	sums := map[string]int64{}
	var histCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histCount += dp.Count
				}
			}
		}
	}
	if sums["loqa.speech.sessions.started"] != 1 || sums["loqa.speech.sessions.ended"] != 1 {
		t.Fatalf("unexpected counters %v", sums)
	}
	if sums["loqa.speech.sessions.active"] != 0 {
		t.Fatalf("expected no active sessions, got %d", sums["loqa.speech.sessions.active"])
	}
	if histCount != 1 {
		t.Fatalf("expected one duration sample, got %d", histCount)
	}

	ended := f.spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one session span, got %d", len(ended))
	}
	found := false
	for _, kv := range ended[0].Attributes() {
		if kv.Key == attribute.Key("session.state") && kv.Value.AsString() == "completed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("span missing terminal state: %v", ended[0].Attributes())
	}
}

func TestShutdownStopsLiveSession(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stream(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := f.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if st, _ := f.ctrl.CurrentState(id); !st.Terminal() {
		t.Fatalf("expected terminal state after shutdown, got %s", st)
	}
	if f.source.Held() {
		t.Fatal("device must be released after shutdown")
	}
}

func TestRecognizerEndingBeforeAudioFreesController(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stream(t).End()
	if st := f.wait(t, id); st != session.Failed {
		t.Fatalf("expected failed, got %s", st)
	}
	if _, err := f.ctrl.Start(context.Background(), "fr-FR"); err != nil {
		t.Fatalf("next start must succeed, got %v", err)
	}
	f.stream(t)
}

func TestStartAwaitsTeardownWithoutHoldingLock(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, nil)
	f.rec.CloseGate = gate
	id, err := f.ctrl.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := f.stream(t)
	f.frames <- audio.Frame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1}
	<-stream.FirstFrame()
	if err := f.ctrl.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	started := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Start(context.Background(), "fr-FR")
		started <- err
	}()
	select {
	case err := <-started:
		t.Fatalf("start returned before the device was handed back: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		f.ctrl.Current()
		if st, err := f.ctrl.CurrentState(id); err != nil || st != session.Cancelled {
			t.Errorf("expected cancelled snapshot, got %s %v", st, err)
		}
	}()
	select {
	case <-answered:
	case <-time.After(waitTimeout):
		t.Fatal("queries blocked behind a waiting start")
	}

	close(gate)
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("start after teardown: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("start never resumed")
	}
	f.stream(t)
}
