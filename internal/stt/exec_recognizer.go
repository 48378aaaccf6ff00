package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external transcriber on the audio collected so far.
// Partials are produced by re-running it every PartialEveryMS.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	log *slog.Logger
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{
		cmd: args,
		cfg: cfg,
		log: log.With(slog.String("component", "stt-exec")),
	}, nil
}

// Available reports whether the transcriber binary can be found.
func (r *execRecognizer) Available(context.Context) bool {
	_, err := exec.LookPath(r.cmd[0])
	return err == nil
}

func (r *execRecognizer) Start(ctx context.Context, cfg Config) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &execStream{
		rec:      r,
		cfg:      cfg,
		pipe:     newResultPipe(16),
		ctx:      sctx,
		cancel:   cancel,
		interval: time.Duration(r.cfg.PartialEveryMS) * time.Millisecond,
		window:   time.Duration(r.cfg.PartialWindowMS) * time.Millisecond,
		rate:     cfg.SampleRate,
		channels: cfg.Channels,
	}, nil
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, locale string, final bool) (execResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, sampleRate, channels); err != nil {
		return execResult{}, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if locale != "" {
		cmdArgs = append(cmdArgs, "--language", locale)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

type execStream struct {
	rec      *execRecognizer
	cfg      Config
	pipe     *resultPipe
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	window   time.Duration
	wg       sync.WaitGroup

	mu           sync.Mutex
	buffer       []byte
	rate         int
	channels     int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	sendDone     bool
	closed       bool
}

func (s *execStream) Send(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone || s.closed {
		return errStreamClosed
	}
	if frame.SampleRate > 0 {
		s.rate = frame.SampleRate
	}
	if frame.Channels > 0 {
		s.channels = frame.Channels
	}
	s.buffer = append(s.buffer, frame.PCM...)
	if s.cfg.Partials && s.shouldSchedulePartial() {
		s.schedule(false)
	}
	return nil
}

func (s *execStream) shouldSchedulePartial() bool {
	if s.inflight {
		return false
	}
	if s.lastPartial.IsZero() {
		s.lastPartial = time.Now()
		return true
	}
	if s.interval <= 0 {
		return false
	}
	if time.Since(s.lastPartial) >= s.interval {
		s.lastPartial = time.Now()
		return true
	}
	return false
}

// schedule must be called with s.mu held.
func (s *execStream) schedule(final bool) {
	if s.inflight {
		if final {
			s.pendingFinal = true
		}
		return
	}
	pcm := s.buffer
	if !final {
		pcm = tailWindow(pcm, s.rate, s.channels, s.window)
	}
	pcm = append([]byte(nil), pcm...)
	s.inflight = true
	s.wg.Add(1)
	go s.run(pcm, s.rate, s.channels, final)
}

func (s *execStream) run(pcm []byte, rate, channels int, final bool) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()

	res, err := s.rec.transcribe(ctx, pcm, rate, channels, s.cfg.Locale, final)
	switch {
	case s.pipe.aborted():
	case err != nil && final:
		s.pipe.send(Result{Err: &RecognizerError{Cause: err}})
	case err != nil:
		s.rec.log.Warn("stt partial transcription failed", slogError(err))
	case final:
		s.pipe.send(Result{Text: res.Text, Confidence: res.Confidence, Final: true})
	case res.Text != "":
		s.pipe.trySend(Result{Text: res.Text, Confidence: res.Confidence})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight = false
	if !final {
		s.lastPartial = time.Now()
	}
	if s.pendingFinal && !final && !s.closed {
		s.pendingFinal = false
		s.schedule(true)
	}
}

// tailWindow returns the last window of 16-bit PCM in buf, cut on a sample
// boundary. A zero window keeps everything.
func tailWindow(buf []byte, rate, channels int, window time.Duration) []byte {
	if window <= 0 || rate <= 0 {
		return buf
	}
	if channels <= 0 {
		channels = 1
	}
	frame := 2 * channels
	limit := int(int64(rate)*int64(window)/int64(time.Second)) * frame
	if limit <= 0 || len(buf) <= limit {
		return buf
	}
	return buf[len(buf)-limit:]
}

func (s *execStream) Results() <-chan Result { return s.pipe.ch }

func (s *execStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone || s.closed {
		return nil
	}
	s.sendDone = true
	s.schedule(true)
	go func() {
		s.wg.Wait()
		s.pipe.finish()
	}()
	return nil
}

func (s *execStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pipe.abort()
	s.cancel()
	s.wg.Wait()
	s.pipe.finish()
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
