package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAlreadyActive is returned by Start while a session is not terminal.
	ErrAlreadyActive = errors.New("a recognition session is already active")
	// ErrNotFound is returned when an id does not name the current live
	// session, or any known session for CurrentState.
	ErrNotFound = errors.New("session not found")
)

const defaultHistorySize = 32

// Recorder receives every committed session transition. It is called with
// the session lock held and must not block.
type Recorder interface {
	RecordTransition(session.Transition)
}

type Options struct {
	Resolver session.Resolver
	Source   session.Opener
	Sink     session.Publisher
	// Session is the base configuration of every session.
	Session session.Config
	// HistorySize bounds how many finished sessions CurrentState remembers.
	HistorySize int
	Metrics     *Metrics
	Tracer      trace.Tracer
	Recorder    Recorder
	Logger      *slog.Logger
}

// StartOption adjusts one session.
type StartOption func(*session.Config)

// WithCompleteDelay ends the session after d without a new partial.
func WithCompleteDelay(d time.Duration) StartOption {
	return func(cfg *session.Config) {
		if d > 0 {
			cfg.CompleteDelay = d
		}
	}
}

// Controller owns the sessions and keeps at most one of them live. Control
// operations are serialized by one mutex and never wait on capture or
// recognition.
type Controller struct {
	opts   Options
	base   *slog.Logger
	log    *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	current *session.Session
	history map[string]*session.Session
	order   []string
}

func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Controller{
		opts:    opts,
		base:    log,
		log:     log.With(slog.String("component", "session-controller")),
		tracer:  tracer,
		history: make(map[string]*session.Session),
	}
}

// Start creates a session for locale and returns its id. The session sets
// itself up asynchronously.
func (c *Controller) Start(ctx context.Context, locale string, opts ...StartOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A terminal session may still be handing the device back. Its teardown
	// is awaited without the lock; the loop then looks again because another
	// Start may have won meanwhile.
	for {
		prev := c.current
		if prev == nil {
			break
		}
		if !prev.State().Terminal() {
			return "", ErrAlreadyActive
		}
		if released(prev) {
			break
		}
		c.mu.Unlock()
		var err error
		select {
		case <-prev.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		c.mu.Lock()
		if err != nil {
			return "", err
		}
	}

	cfg := c.opts.Session
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	spanCtx, span := c.tracer.Start(ctx, "speech.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.locale.requested", locale),
		),
	)

	s := session.New(session.Options{
		ID:           id,
		Config:       cfg,
		Resolver:     c.opts.Resolver,
		Source:       c.opts.Source,
		Sink:         c.opts.Sink,
		Logger:       c.base,
		OnTransition: c.observer(span),
	})
	if err := s.Start(spanCtx, locale); err != nil {
		span.End()
		return "", err
	}
	c.current = s
	c.remember(s)
	c.log.Info("session started", slog.String("session_id", id), slog.String("locale", locale))
	return id, nil
}

// Cancel requests cancellation of the live session id.
func (c *Controller) Cancel(id string) error {
	s, err := c.live(id)
	if err != nil {
		return err
	}
	if !s.Cancel() {
		c.log.Info("cancel request dropped", slog.String("session_id", id), slog.String("state", s.State().String()))
	}
	return nil
}

// Stop requests a graceful stop of the live session id.
func (c *Controller) Stop(id string) error {
	s, err := c.live(id)
	if err != nil {
		return err
	}
	if !s.Stop() {
		c.log.Info("stop request dropped", slog.String("session_id", id), slog.String("state", s.State().String()))
	}
	return nil
}

// CurrentState returns a snapshot of the state of session id.
func (c *Controller) CurrentState(id string) (session.State, error) {
	c.mu.Lock()
	s, ok := c.history[id]
	c.mu.Unlock()
	if !ok {
		return session.Idle, ErrNotFound
	}
	return s.State(), nil
}

// Current returns the most recent session and its state. ok is false when
// no session was started yet.
func (c *Controller) Current() (id string, state session.State, ok bool) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return "", session.Idle, false
	}
	return s.ID(), s.State(), true
}

// Wait blocks until session id released its resources.
func (c *Controller) Wait(ctx context.Context, id string) (session.State, error) {
	c.mu.Lock()
	s, ok := c.history[id]
	c.mu.Unlock()
	if !ok {
		return session.Idle, ErrNotFound
	}
	return s.Wait(ctx)
}

// Shutdown stops the live session and waits for it. Sessions still running
// when ctx expires are cancelled.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil || s.State() == session.Idle {
		return nil
	}
	s.Stop()
	if _, err := s.Wait(ctx); err != nil {
		s.Cancel()
		<-s.Done()
		return err
	}
	return nil
}

func released(s *session.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func (c *Controller) live(id string) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil || s.ID() != id || s.State().Terminal() {
		return nil, ErrNotFound
	}
	return s, nil
}

func (c *Controller) remember(s *session.Session) {
	c.history[s.ID()] = s
	c.order = append(c.order, s.ID())
	for len(c.order) > c.opts.HistorySize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.history, oldest)
	}
}

// observer mirrors transitions into metrics, the session span and the
// recorder.
func (c *Controller) observer(span trace.Span) func(session.Transition) {
	var started time.Time
	return func(tr session.Transition) {
		ctx := context.Background()
		m := c.opts.Metrics
		span.AddEvent("transition", trace.WithAttributes(
			attribute.String("from", tr.From.String()),
			attribute.String("to", tr.To.String()),
		))
		switch {
		case tr.To == session.Starting:
			started = tr.At
			if m != nil {
				m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("locale", tr.Locale)))
				m.ActiveSessions.Add(ctx, 1)
			}
		case tr.To.Terminal():
			if m != nil {
				m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(
					attribute.String("state", tr.To.String()),
					attribute.String("locale", tr.Locale),
				))
				m.ActiveSessions.Add(ctx, -1)
				m.SessionDuration.Record(ctx, tr.At.Sub(started).Seconds())
			}
			span.SetAttributes(
				attribute.String("session.locale", tr.Locale),
				attribute.String("session.state", tr.To.String()),
			)
			if tr.Err != nil {
				span.RecordError(tr.Err)
				span.SetStatus(codes.Error, string(session.Classify(tr.Err)))
			}
			span.End()
			c.log.Info("session ended",
				slog.String("session_id", tr.SessionID),
				slog.String("state", tr.To.String()),
				slog.Duration("duration", tr.At.Sub(started)))
		}
		if c.opts.Recorder != nil {
			c.opts.Recorder.RecordTransition(tr)
		}
	}
}
