package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// ErrUnsupportedLocale is returned when no recognizer can serve a locale.
var ErrUnsupportedLocale = errors.New("unsupported locale")

// RecognizerError wraps a failure raised by a recognizer backend.
type RecognizerError struct {
	Cause error
}

func (e *RecognizerError) Error() string {
	if e.Cause == nil {
		return "recognizer error"
	}
	return "recognizer error: " + e.Cause.Error()
}

func (e *RecognizerError) Unwrap() error { return e.Cause }

// Config describes one recognition stream.
type Config struct {
	Locale     string
	SampleRate int
	Channels   int
	Partials   bool
}

// Result is one recognizer output. Err is set when the backend failed; the
// results channel is closed right after.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
	Err        error
}

// Stream is an open recognition attempt.
//
// Send may block while the backend applies back-pressure and must honour ctx.
// CloseSend signals end of audio; the backend flushes and then closes
// Results. Close aborts the stream and releases resources.
type Stream interface {
	Send(ctx context.Context, frame audio.Frame) error
	Results() <-chan Result
	CloseSend() error
	Close() error
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Start(ctx context.Context, cfg Config) (Stream, error)
}

// Prober is implemented by recognizers that can report whether they are
// currently usable.
type Prober interface {
	Available(ctx context.Context) bool
}
