package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bridge"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/nats-io/nats.go"
)

// buildRegistry binds the configured recognizer to every configured locale.
// The default locale is always registered so unknown tags can fall back.
func buildRegistry(cfg config.Config, log *slog.Logger) (*stt.Registry, error) {
	var rec stt.Recognizer
	switch cfg.STT.Mode {
	case "mock":
		rec = stt.NewMockRecognizer(partialEveryFrames(cfg))
	case "exec":
		execRec, err := stt.NewExecRecognizer(cfg.STT, log)
		if err != nil {
			return nil, fmt.Errorf("exec recognizer: %w", err)
		}
		rec = execRec
	case "websocket":
		wsRec, err := stt.NewWebSocketRecognizer(cfg.STT.Endpoint,
			stt.WithAPIKey(cfg.STT.APIKey),
			stt.WithModel(cfg.STT.Model),
		)
		if err != nil {
			return nil, err
		}
		rec = wsRec
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.STT.Mode)
	}

	reg := stt.NewRegistry(cfg.STT.DefaultLocale)
	reg.Register(cfg.STT.DefaultLocale, rec)
	for _, locale := range cfg.STT.Locales {
		reg.Register(locale, rec)
	}
	return reg, nil
}

// partialEveryFrames converts the partial cadence to a frame count for the
// mock recognizer.
func partialEveryFrames(cfg config.Config) int {
	frame := audio.FrameDuration(cfg.Audio.FrameSamples, cfg.Audio.SampleRate)
	if frame <= 0 || cfg.STT.PartialEveryMS <= 0 {
		return 1
	}
	n := int(time.Duration(cfg.STT.PartialEveryMS) * time.Millisecond / frame)
	if n < 1 {
		return 1
	}
	return n
}

func buildCapture(cfg config.AudioConfig, conn *nats.Conn) (audio.Capture, error) {
	switch cfg.Driver {
	case "silence":
		return audio.SilenceCapture{
			SampleRate:   cfg.SampleRate,
			Channels:     cfg.Channels,
			FrameSamples: cfg.FrameSamples,
		}, nil
	case "wav":
		return audio.WAVCapture{
			Path:         cfg.WAVPath,
			FrameSamples: cfg.FrameSamples,
			Realtime:     cfg.Realtime,
		}, nil
	case "bus":
		if conn == nil {
			return nil, fmt.Errorf("audio driver bus needs a NATS connection")
		}
		return audio.BusCapture{Conn: conn, Device: cfg.Device}, nil
	default:
		return nil, fmt.Errorf("unknown audio driver %q", cfg.Driver)
	}
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		Partials:      cfg.STT.PublishInterim,
		MaxDuration:   time.Duration(cfg.Session.MaxDurationMS) * time.Millisecond,
		DrainTimeout:  time.Duration(cfg.Session.DrainTimeoutMS) * time.Millisecond,
		CompleteDelay: time.Duration(cfg.Session.CompleteDelayMS) * time.Millisecond,
	}
}

func authorizer(cfg config.BridgeConfig) bridge.Authorizer {
	if cfg.Authorization == "" {
		return bridge.StaticAuthorizer(bridge.Authorized)
	}
	return bridge.StaticAuthorizer(bridge.AuthorizationStatus(cfg.Authorization))
}
