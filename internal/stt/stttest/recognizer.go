// Package stttest provides a scripted stt.Recognizer for tests. Each Start
// yields a Stream whose results are pushed by the test.
package stttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// ErrClosed is returned by Send after the stream was closed.
var ErrClosed = errors.New("stttest: stream closed")

// Recognizer records every Start call and hands out scripted streams.
type Recognizer struct {
	// StartErr makes Start fail.
	StartErr error
	// EndOnCloseSend closes the results of a stream when CloseSend is called.
	EndOnCloseSend bool
	// CloseGate, when set, makes Close block until it is closed, like a
	// backend with a slow close handshake.
	CloseGate <-chan struct{}

	mu      sync.Mutex
	streams []*Stream
	configs []stt.Config
	started chan *Stream
}

func New() *Recognizer {
	return &Recognizer{started: make(chan *Stream, 16)}
}

func (r *Recognizer) Start(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.configs = append(r.configs, cfg)
	if r.StartErr != nil {
		r.mu.Unlock()
		return nil, r.StartErr
	}
	s := &Stream{
		cfg:        cfg,
		endOnClose: r.EndOnCloseSend,
		closeGate:  r.CloseGate,
		results:    make(chan stt.Result, 16),
		firstFrame: make(chan struct{}),
		closeSend:  make(chan struct{}),
		closed:     make(chan struct{}),
	}
	r.streams = append(r.streams, s)
	r.mu.Unlock()
	r.started <- s
	return s, nil
}

// Configs returns the configurations passed to Start.
func (r *Recognizer) Configs() []stt.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stt.Config(nil), r.configs...)
}

// Starts returns the number of Start calls.
func (r *Recognizer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

// NextStream waits for the next stream handed out by Start.
func (r *Recognizer) NextStream(timeout time.Duration) (*Stream, bool) {
	select {
	case s := <-r.started:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Stream is one scripted recognition stream.
type Stream struct {
	cfg        stt.Config
	endOnClose bool
	closeGate  <-chan struct{}
	results    chan stt.Result

	firstFrame chan struct{}
	closeSend  chan struct{}
	closed     chan struct{}

	mu        sync.Mutex
	frames    []audio.Frame
	firstOnce sync.Once
	sendOnce  sync.Once
	closeOnce sync.Once
	endOnce   sync.Once
}

// Config returns the configuration the stream was started with.
func (s *Stream) Config() stt.Config { return s.cfg }

func (s *Stream) Send(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	s.firstOnce.Do(func() { close(s.firstFrame) })
	return nil
}

func (s *Stream) Results() <-chan stt.Result { return s.results }

func (s *Stream) CloseSend() error {
	s.sendOnce.Do(func() {
		close(s.closeSend)
		if s.endOnClose {
			s.End()
		}
	})
	return nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.closeGate != nil {
		<-s.closeGate
	}
	return nil
}

// Partial pushes an interim transcript. It reports false when the stream was
// closed before the consumer took it.
func (s *Stream) Partial(text string) bool {
	return s.push(stt.Result{Text: text})
}

// Final pushes a final transcript.
func (s *Stream) Final(text string) bool {
	return s.push(stt.Result{Text: text, Final: true})
}

// Fail pushes a backend error.
func (s *Stream) Fail(err error) bool {
	return s.push(stt.Result{Err: err})
}

// End closes the results channel. No push may follow.
func (s *Stream) End() {
	s.endOnce.Do(func() { close(s.results) })
}

func (s *Stream) push(r stt.Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.closed:
		return false
	}
}

// Pending returns the number of pushed results not yet taken by the consumer.
func (s *Stream) Pending() int { return len(s.results) }

// FirstFrame is closed once Send accepted a frame.
func (s *Stream) FirstFrame() <-chan struct{} { return s.firstFrame }

// CloseSendCalled is closed once CloseSend was called.
func (s *Stream) CloseSendCalled() <-chan struct{} { return s.closeSend }

// Closed is closed once Close was called.
func (s *Stream) Closed() <-chan struct{} { return s.closed }

// Frames returns the number of frames received so far.
func (s *Stream) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
