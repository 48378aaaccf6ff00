package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

var errStreamClosed = errors.New("stream closed")

type mockRecognizer struct {
	partialEvery int
}

// NewMockRecognizer returns a recognizer that reports how much audio it has
// seen: a partial every partialEvery frames and a final on CloseSend.
func NewMockRecognizer(partialEvery int) Recognizer {
	if partialEvery <= 0 {
		partialEvery = 8
	}
	return &mockRecognizer{partialEvery: partialEvery}
}

func (m *mockRecognizer) Start(ctx context.Context, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockStream{cfg: cfg, every: m.partialEvery, pipe: newResultPipe(16)}, nil
}

type mockStream struct {
	cfg   Config
	every int
	pipe  *resultPipe

	mu       sync.Mutex
	frames   int
	bytes    int
	sendDone bool
	closed   bool
	flushing bool
}

func (s *mockStream) Send(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone || s.closed {
		return errStreamClosed
	}
	s.frames++
	s.bytes += len(frame.PCM)
	if s.cfg.Partials && s.frames%s.every == 0 {
		s.pipe.trySend(Result{Text: s.text("partial")})
	}
	return nil
}

func (s *mockStream) text(mode string) string {
	return fmt.Sprintf("[%s transcript locale=%s length=%d]", mode, s.cfg.Locale, s.bytes)
}

func (s *mockStream) Results() <-chan Result { return s.pipe.ch }

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone || s.closed {
		return nil
	}
	s.sendDone = true
	s.flushing = true
	final := Result{Text: s.text("final"), Final: true}
	go func() {
		s.pipe.send(final)
		s.pipe.finish()
	}()
	return nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pipe.abort()
	if !s.flushing {
		s.pipe.finish()
	}
	return nil
}
