package session

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// State is a step of the recognition lifecycle.
type State int

const (
	Idle State = iota
	Starting
	Active
	Finishing
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:      "idle",
	Starting:  "starting",
	Active:    "active",
	Finishing: "finishing",
	Completed: "completed",
	Cancelled: "cancelled",
	Failed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

var transitions = map[State][]State{
	Idle:      {Starting},
	Starting:  {Active, Finishing, Cancelled, Failed},
	Active:    {Finishing, Cancelled, Failed},
	Finishing: {Completed, Failed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies the failure carried by an Error event.
type ErrorKind string

const (
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindAlreadyOpen       ErrorKind = "already_open"
	KindUnsupportedLocale ErrorKind = "unsupported_locale"
	KindRecognizer        ErrorKind = "recognizer_error"
	KindIO                ErrorKind = "io_error"
)

// Classify maps an error to its ErrorKind. Unknown errors are I/O errors.
func Classify(err error) ErrorKind {
	var recErr *stt.RecognizerError
	switch {
	case errors.Is(err, audio.ErrAlreadyOpen):
		return KindAlreadyOpen
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, stt.ErrUnsupportedLocale):
		return KindUnsupportedLocale
	case errors.As(err, &recErr):
		return KindRecognizer
	default:
		return KindIO
	}
}

// Transition describes one committed state change.
type Transition struct {
	SessionID string
	Locale    string
	From      State
	To        State
	At        time.Time
	Err       error
}

// Resolver picks the recognizer serving a locale. *stt.Registry implements it.
type Resolver interface {
	Resolve(locale string) (string, stt.Recognizer, error)
}

// Opener acquires the capture device. *audio.Source implements it.
type Opener interface {
	Open(ctx context.Context, sampleRateHint int) (*audio.Handle, error)
}
