package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Audio        AudioConfig        `yaml:"audio"`
	STT          STTConfig          `yaml:"stt"`
	Session      SessionConfig      `yaml:"session"`
	Events       EventsConfig       `yaml:"events"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Availability AvailabilityConfig `yaml:"availability"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture driver backing the microphone.
type AudioConfig struct {
	Driver       string `yaml:"driver"` // silence, wav, bus
	Device       string `yaml:"device"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	FrameSamples int    `yaml:"frame_samples"`
	WAVPath      string `yaml:"wav_path"`
	Realtime     bool   `yaml:"realtime"`
}

type STTConfig struct {
	Mode           string   `yaml:"mode"` // mock, exec, websocket
	Command        string   `yaml:"command"`
	ModelPath      string   `yaml:"model_path"`
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	DefaultLocale  string   `yaml:"default_locale"`
	Locales        []string `yaml:"locales"`
	PartialEveryMS int      `yaml:"partial_every_ms"`
	// PartialWindowMS bounds how much trailing audio a partial re-transcribes.
	PartialWindowMS int  `yaml:"partial_window_ms"`
	PublishInterim  bool `yaml:"publish_interim"`
}

type SessionConfig struct {
	MaxDurationMS   int `yaml:"max_duration_ms"`
	DrainTimeoutMS  int `yaml:"drain_timeout_ms"`
	CompleteDelayMS int `yaml:"complete_delay_ms"`
	HistorySize     int `yaml:"history_size"`
}

type EventsConfig struct {
	QueueLimit int `yaml:"queue_limit"`
}

type BridgeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Prefix          string `yaml:"prefix"`
	Authorization   string `yaml:"authorization"` // authorized, denied, restricted, not_determined
	PreferredLocale string `yaml:"preferred_locale"`
}

type AvailabilityConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speech.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Driver:       "silence",
			Device:       "default",
			SampleRate:   16000,
			Channels:     1,
			FrameSamples: 1024,
			Realtime:     true,
		},
		STT: STTConfig{
			Mode:            "mock",
			Model:           "nova-3",
			DefaultLocale:   "en-US",
			Locales:         []string{"en-US", "fr-FR", "it-IT", "ko-KR", "ru-RU"},
			PartialEveryMS:  800,
			PartialWindowMS: 30000,
			PublishInterim:  true,
		},
		Session: SessionConfig{
			MaxDurationMS:  60000,
			DrainTimeoutMS: 5000,
			HistorySize:    32,
		},
		Events: EventsConfig{
			QueueLimit: 1024,
		},
		Bridge: BridgeConfig{
			Enabled:         true,
			Prefix:          "speech",
			Authorization:   "authorized",
			PreferredLocale: "en-US",
		},
		Availability: AvailabilityConfig{
			Enabled:    true,
			IntervalMS: 5000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Driver, "LOQA_AUDIO_DRIVER")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameSamples, "LOQA_AUDIO_FRAME_SAMPLES")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.DefaultLocale, "LOQA_STT_DEFAULT_LOCALE")
	overrideStringSlice(&cfg.STT.Locales, "LOQA_STT_LOCALES")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.PartialWindowMS, "LOQA_STT_PARTIAL_WINDOW_MS")
	overrideBool(&cfg.STT.PublishInterim, "LOQA_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.Session.MaxDurationMS, "LOQA_SESSION_MAX_DURATION_MS")
	overrideInt(&cfg.Session.DrainTimeoutMS, "LOQA_SESSION_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Session.CompleteDelayMS, "LOQA_SESSION_COMPLETE_DELAY_MS")
	overrideInt(&cfg.Session.HistorySize, "LOQA_SESSION_HISTORY_SIZE")
	overrideInt(&cfg.Events.QueueLimit, "LOQA_EVENTS_QUEUE_LIMIT")
	overrideBool(&cfg.Bridge.Enabled, "LOQA_BRIDGE_ENABLED")
	overrideString(&cfg.Bridge.Prefix, "LOQA_BRIDGE_PREFIX")
	overrideString(&cfg.Bridge.Authorization, "LOQA_BRIDGE_AUTHORIZATION")
	overrideString(&cfg.Bridge.PreferredLocale, "LOQA_BRIDGE_PREFERRED_LOCALE")
	overrideBool(&cfg.Availability.Enabled, "LOQA_AVAILABILITY_ENABLED")
	overrideInt(&cfg.Availability.IntervalMS, "LOQA_AVAILABILITY_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Driver {
	case "silence", "bus":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when driver=wav")
		}
	default:
		return errors.New("audio.driver must be one of silence|wav|bus")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return errors.New("audio.frame_samples must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "websocket":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=websocket")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|websocket")
	}
	if cfg.STT.DefaultLocale == "" {
		return errors.New("stt.default_locale must not be empty")
	}
	if len(cfg.STT.Locales) == 0 {
		return errors.New("stt.locales must not be empty")
	}
	if cfg.STT.PartialWindowMS < 0 {
		return errors.New("stt.partial_window_ms must be >= 0")
	}
	if cfg.Session.MaxDurationMS < 0 {
		return errors.New("session.max_duration_ms must be >= 0")
	}
	if cfg.Session.DrainTimeoutMS <= 0 {
		return errors.New("session.drain_timeout_ms must be positive")
	}
	if cfg.Session.CompleteDelayMS < 0 {
		return errors.New("session.complete_delay_ms must be >= 0")
	}
	if cfg.Events.QueueLimit < 0 {
		return errors.New("events.queue_limit must be >= 0")
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.Prefix == "" {
			return errors.New("bridge.prefix must not be empty when the bridge is enabled")
		}
		switch cfg.Bridge.Authorization {
		case "authorized", "denied", "restricted", "not_determined":
		default:
			return errors.New("bridge.authorization must be one of authorized|denied|restricted|not_determined")
		}
	}
	if cfg.Availability.Enabled && cfg.Availability.IntervalMS <= 0 {
		return errors.New("availability.interval_ms must be positive")
	}
	return nil
}
