package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/events"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// ErrAlreadyStarted is returned when Start is called twice on a session.
var ErrAlreadyStarted = errors.New("session already started")

var errEndedBeforeAudio = errors.New("recognizer ended before any audio was forwarded")

const defaultDrainTimeout = 5 * time.Second

// Config tunes one session.
type Config struct {
	SampleRate int
	Channels   int
	Partials   bool
	// MaxDuration stops the session gracefully once exceeded. Zero disables it.
	MaxDuration time.Duration
	// DrainTimeout bounds how long Finishing waits for the recognizer.
	DrainTimeout time.Duration
	// CompleteDelay stops the session when no new partial arrived for that
	// long. Zero disables it.
	CompleteDelay time.Duration
}

// Publisher receives the events of a session. *events.Sink implements it.
type Publisher interface {
	Publish(events.Event)
}

type Options struct {
	ID       string
	Config   Config
	Resolver Resolver
	Source   Opener
	Sink     Publisher
	Logger   *slog.Logger
	// OnTransition is called for every committed transition while the
	// session lock is held. It must not call back into the session.
	OnTransition func(Transition)
}

// Session is one recognition attempt. Every state change is committed under
// one lock and validated against the transition table, so when two sources
// race (a cancel and a recognizer final, say) the first commit wins and the
// other is dropped.
type Session struct {
	id           string
	cfg          Config
	resolver     Resolver
	source       Opener
	sink         Publisher
	log          *slog.Logger
	onTransition func(Transition)

	kick chan struct{}
	done chan struct{}

	mu          sync.Mutex
	state       State
	requested   string
	locale      string
	startedAt   time.Time
	err         error
	seq         uint64
	lastPartial string
	handle      *audio.Handle
	abortCtx    context.Context
	abort       context.CancelFunc
}

func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Session{
		id:           opts.ID,
		cfg:          cfg,
		resolver:     opts.Resolver,
		source:       opts.Source,
		sink:         opts.Sink,
		log:          log.With(slog.String("component", "session"), slog.String("session_id", opts.ID)),
		onTransition: opts.OnTransition,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Locale returns the resolved locale, or the requested one before resolution.
func (s *Session) Locale() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locale != "" {
		return s.locale
	}
	return s.requested
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Err returns the error that failed the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state and released the
// device and the recognizer.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Done and returns the terminal state.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Start moves the session to Starting and sets it up in the background.
// Values carried by ctx are kept; its cancellation is not.
func (s *Session) Start(ctx context.Context, locale string) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.requested = locale
	s.startedAt = time.Now()
	s.abortCtx, s.abort = context.WithCancel(context.WithoutCancel(ctx))
	s.commitLocked(Starting, nil)
	s.mu.Unlock()

	go s.run()
	return nil
}

// Cancel aborts a Starting or Active session. Only a Cancelled event is
// emitted afterwards. It reports false when the session was not cancellable.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state != Starting && s.state != Active {
		s.log.Debug("cancel ignored", slog.String("state", s.state.String()))
		s.mu.Unlock()
		return false
	}
	s.commitLocked(Cancelled, nil)
	s.emitLocked(events.Event{Kind: events.KindCancelled})
	h := s.handle
	s.abort()
	s.mu.Unlock()

	s.signal()
	if h != nil {
		_ = h.Close()
	}
	return true
}

// Stop ends capture and lets the recognizer flush what it already received.
// It reports false when the session was not stoppable.
func (s *Session) Stop() bool {
	s.mu.Lock()
	if s.state != Starting && s.state != Active {
		s.log.Debug("stop ignored", slog.String("state", s.state.String()))
		s.mu.Unlock()
		return false
	}
	s.commitLocked(Finishing, nil)
	h := s.handle
	s.mu.Unlock()

	s.signal()
	if h != nil {
		_ = h.Close()
	}
	return true
}

func (s *Session) run() {
	defer close(s.done)
	defer s.abort()

	locale, rec, err := s.resolver.Resolve(s.requested)
	if err != nil {
		s.fail(err)
		return
	}
	s.mu.Lock()
	s.locale = locale
	s.mu.Unlock()
	if locale != stt.CanonicalLocale(s.requested) {
		s.log.Info("locale not served; using fallback",
			slog.String("requested", s.requested), slog.String("locale", locale))
	}

	handle, err := s.source.Open(s.abortCtx, s.cfg.SampleRate)
	if err != nil {
		s.fail(err)
		s.settleSetup()
		return
	}
	if !s.attach(handle) {
		_ = handle.Close()
		s.settleSetup()
		return
	}

	stream, err := rec.Start(s.abortCtx, stt.Config{
		Locale:     locale,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Partials:   s.cfg.Partials,
	})
	if err != nil {
		_ = handle.Close()
		s.fail(asRecognizerError(err))
		s.settleSetup()
		return
	}
	s.loop(handle, stream)
}

// attach hands the device to the session unless setup was interrupted.
func (s *Session) attach(h *audio.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Starting {
		return false
	}
	s.handle = h
	return true
}

// settleSetup completes a session stopped before its recognizer was running.
func (s *Session) settleSetup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Finishing {
		s.commitLocked(Completed, nil)
	}
}

func (s *Session) loop(h *audio.Handle, stream stt.Stream) {
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		s.forward(h, stream)
	}()
	defer func() {
		release(h, stream)
		s.abort()
		<-fwdDone
	}()

	var maxC, silenceC, drainC <-chan time.Time
	if s.cfg.MaxDuration > 0 {
		t := time.NewTimer(s.cfg.MaxDuration)
		defer t.Stop()
		maxC = t.C
	}
	var silence, drain *time.Timer
	defer func() {
		if silence != nil {
			silence.Stop()
		}
		if drain != nil {
			drain.Stop()
		}
	}()

	results := stream.Results()
	for {
		select {
		case <-s.kick:
			st := s.State()
			if st.Terminal() {
				return
			}
			if st == Finishing && drain == nil {
				drain = time.NewTimer(s.cfg.DrainTimeout)
				drainC = drain.C
			}
		case res, ok := <-results:
			if !ok {
				s.finish(h, stream, "")
				return
			}
			switch {
			case res.Err != nil:
				release(h, stream)
				s.fail(asRecognizerError(res.Err))
				return
			case res.Final:
				if s.State() == Starting {
					s.log.Debug("final before any audio discarded")
					continue
				}
				s.finish(h, stream, res.Text)
				return
			default:
				if s.partial(res.Text) && s.cfg.CompleteDelay > 0 {
					if silence == nil {
						silence = time.NewTimer(s.cfg.CompleteDelay)
						silenceC = silence.C
					} else {
						silence.Reset(s.cfg.CompleteDelay)
					}
				}
			}
		case <-maxC:
			s.log.Info("maximum session duration reached", slog.Duration("max_duration", s.cfg.MaxDuration))
			s.Stop()
		case <-silenceC:
			s.log.Debug("speech complete after silence", slog.Duration("complete_delay", s.cfg.CompleteDelay))
			s.Stop()
		case <-drainC:
			s.log.Warn("recognizer did not drain in time", slog.Duration("drain_timeout", s.cfg.DrainTimeout))
			s.finish(h, stream, "")
			return
		}
	}
}

// forward pumps captured frames into the recognizer. The session state is
// checked at every frame boundary, so a cancel or stop takes effect within
// one frame.
func (s *Session) forward(h *audio.Handle, stream stt.Stream) {
	first := true
	for frame := range h.Frames() {
		if !s.admit(first) {
			break
		}
		first = false
		if err := stream.Send(s.abortCtx, frame); err != nil {
			s.failLive(asRecognizerError(err))
			return
		}
	}
	if err := h.Err(); err != nil {
		s.failLive(fmt.Errorf("read audio frame: %w", err))
		return
	}
	if !s.captureEnded() {
		return
	}
	if err := stream.CloseSend(); err != nil {
		s.log.Debug("close send failed", slogError(err))
	}
}

// admit reports whether frames may still be forwarded. The first frame moves
// Starting to Active.
func (s *Session) admit(first bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if first && s.state == Starting {
		s.commitLocked(Active, nil)
		s.emitLocked(events.Event{Kind: events.KindStarted})
		return true
	}
	return s.state == Active
}

// captureEnded treats exhausted capture like a stop and reports whether the
// recognizer should be asked to flush.
func (s *Session) captureEnded() bool {
	s.mu.Lock()
	switch s.state {
	case Starting, Active:
		s.log.Debug("audio capture ended")
		s.commitLocked(Finishing, nil)
	case Finishing:
	default:
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Session) partial(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active && s.state != Finishing {
		s.log.Debug("partial discarded", slog.String("state", s.state.String()))
		return false
	}
	if text == "" || text == s.lastPartial {
		return false
	}
	s.lastPartial = text
	s.emitLocked(events.Event{Kind: events.KindPartial, Text: text})
	return true
}

// finish emits the final transcript, releases resources and completes. An
// empty text falls back to the last partial. A recognizer that finishes
// while no audio reached it yet fails the session.
func (s *Session) finish(h *audio.Handle, stream stt.Stream, text string) {
	s.mu.Lock()
	if s.state == Starting {
		s.failLocked(&stt.RecognizerError{Cause: errEndedBeforeAudio})
		s.mu.Unlock()
		s.signal()
		release(h, stream)
		return
	}
	if s.state != Active && s.state != Finishing {
		s.log.Debug("final discarded", slog.String("state", s.state.String()))
		s.mu.Unlock()
		return
	}
	if text == "" {
		text = s.lastPartial
	}
	if text != "" {
		s.emitLocked(events.Event{Kind: events.KindFinal, Text: text})
	}
	if s.state == Active {
		s.commitLocked(Finishing, nil)
	}
	s.mu.Unlock()

	release(h, stream)

	s.mu.Lock()
	s.commitLocked(Completed, nil)
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.failLocked(err)
	s.mu.Unlock()
	s.signal()
}

// failLive fails the session only while it is still capturing. Errors seen
// after a stop, cancel or final are side effects of the shutdown.
func (s *Session) failLive(err error) {
	s.mu.Lock()
	if s.state != Starting && s.state != Active {
		s.mu.Unlock()
		s.log.Debug("forwarding error discarded", slogError(err))
		return
	}
	s.failLocked(err)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) failLocked(err error) {
	if !s.commitLocked(Failed, err) {
		s.log.Debug("error discarded", slogError(err))
		return
	}
	s.log.Warn("session failed", slogError(err))
	s.emitLocked(events.Event{
		Kind:      events.KindError,
		Text:      err.Error(),
		ErrorKind: string(Classify(err)),
	})
}

func (s *Session) commitLocked(to State, err error) bool {
	from := s.state
	if !CanTransition(from, to) {
		s.log.Debug("transition dropped", slog.String("from", from.String()), slog.String("to", to.String()))
		return false
	}
	s.state = to
	if err != nil {
		s.err = err
	}
	s.log.Debug("session transition", slog.String("from", from.String()), slog.String("to", to.String()))
	if s.onTransition != nil {
		locale := s.locale
		if locale == "" {
			locale = s.requested
		}
		s.onTransition(Transition{
			SessionID: s.id,
			Locale:    locale,
			From:      from,
			To:        to,
			At:        time.Now(),
			Err:       err,
		})
	}
	return true
}

func (s *Session) emitLocked(ev events.Event) {
	if s.sink == nil {
		return
	}
	s.seq++
	ev.SessionID = s.id
	ev.Seq = s.seq
	if ev.Locale == "" {
		ev.Locale = s.locale
	}
	ev.Time = time.Now()
	s.sink.Publish(ev)
}

func (s *Session) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func release(h *audio.Handle, stream stt.Stream) {
	if h != nil {
		_ = h.Close()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

func asRecognizerError(err error) error {
	var recErr *stt.RecognizerError
	if errors.As(err, &recErr) {
		return err
	}
	return &stt.RecognizerError{Cause: err}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
