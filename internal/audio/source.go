package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrDeviceUnavailable is returned when the capture driver cannot be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrAlreadyOpen is returned while another handle holds the device.
	ErrAlreadyOpen = errors.New("audio device already open")
)

// Reader yields frames at the driver cadence. ReadFrame returns io.EOF once
// the capture is exhausted and must return promptly when ctx is cancelled.
type Reader interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Capture is a microphone driver.
type Capture interface {
	Open(ctx context.Context, sampleRateHint int) (Reader, error)
}

// Source guards exclusive access to one capture device.
type Source struct {
	name    string
	capture Capture
	log     *slog.Logger
	held    atomic.Bool
}

func NewSource(name string, capture Capture, log *slog.Logger) *Source {
	return &Source{
		name:    name,
		capture: capture,
		log:     log.With(slog.String("component", "audio-source"), slog.String("device", name)),
	}
}

// Name returns the device name.
func (s *Source) Name() string { return s.name }

// Held reports whether a handle currently owns the device.
func (s *Source) Held() bool { return s.held.Load() }

// Open acquires the device and starts producing frames. The returned Handle
// owns the device until Close.
func (s *Source) Open(ctx context.Context, sampleRateHint int) (*Handle, error) {
	if !s.held.CompareAndSwap(false, true) {
		return nil, ErrAlreadyOpen
	}
	reader, err := s.capture.Open(ctx, sampleRateHint)
	if err != nil {
		s.held.Store(false)
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, s.name, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		source: s,
		reader: reader,
		hint:   sampleRateHint,
		frames: make(chan Frame),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.pump(pumpCtx)
	s.log.Debug("audio device opened", slog.Int("sample_rate_hint", sampleRateHint))
	return h, nil
}

// Handle is an open capture. Frames stops when the driver is exhausted, an I/O
// error occurs, or Close is called.
type Handle struct {
	source *Source
	reader Reader
	hint   int
	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (h *Handle) pump(ctx context.Context) {
	defer close(h.done)
	defer close(h.frames)

	warned := false
	for {
		frame, err := h.reader.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			return
		}
		if !warned && h.hint > 0 && frame.SampleRate != h.hint {
			// No resampling here; the recognizer has to cope with the native rate.
			h.source.log.Warn("device rate differs from hint",
				slog.Int("native", frame.SampleRate), slog.Int("hint", h.hint))
			warned = true
		}
		select {
		case h.frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// Frames returns the frame stream. It is closed when capture ends.
func (h *Handle) Frames() <-chan Frame { return h.frames }

// Err returns the I/O error that ended the stream, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close stops capture and releases the device. Safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		err = h.reader.Close()
		h.source.held.Store(false)
		h.source.log.Debug("audio device released")
	})
	return err
}
