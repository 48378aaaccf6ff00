package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/availability"
	"github.com/loqalabs/loqa-speech/internal/bridge"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/controller"
	"github.com/loqalabs/loqa-speech/internal/events"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Runtime wires the speech daemon: broker, bus, recognizers, capture,
// session controller, event persistence, the NATS bridge and the HTTP
// health surface.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	addr   atomic.Value

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	recorder *eventstore.Recorder
	sink     *events.Sink
	ctrl     *controller.Controller
	bridge   *bridge.Bridge
	monitor  *availability.Monitor
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the HTTP listen address once Start has bound it.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether every component started.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Start runs until ctx is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.startComponents(ctx, tel); err != nil {
		r.closeComponents()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/session", r.handleSession)
	if tel.metricsHandler != nil {
		mux.Handle("/metrics", tel.metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.closeComponents()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	feed := r.sink.Subscribe()
	g.Go(func() error {
		// Persistence outlives gctx so the final events of a session are
		// written; it stops when the sink is closed.
		return r.recorder.Run(context.WithoutCancel(gctx), feed.Events())
	})
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		r.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if r.bridge != nil {
			r.bridge.Close()
		}
		if err := r.ctrl.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("session shutdown incomplete", slog.String("error", err.Error()))
		}
		r.sink.Close()
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	err = g.Wait()
	r.closeComponents()
	return err
}

func (r *Runtime) startComponents(ctx context.Context, tel *telemetry) error {
	log := r.logger

	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, log)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(r.cfg, log)
	if err != nil {
		return err
	}
	capture, err := buildCapture(r.cfg.Audio, r.bus.Conn())
	if err != nil {
		return err
	}
	source := audio.NewSource(r.cfg.Audio.Device, capture, log)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.recorder = eventstore.NewRecorder(r.store, r.cfg.Audio.Device, log)
	r.sink = events.NewSink(r.cfg.Events.QueueLimit, log)

	metrics, err := controller.NewMetrics(tel.meterProvider)
	if err != nil {
		log.Warn("failed to initialize session metrics", slog.String("error", err.Error()))
	}
	r.ctrl = controller.New(controller.Options{
		Resolver:    registry,
		Source:      source,
		Sink:        r.sink,
		Session:     sessionConfig(r.cfg),
		HistorySize: r.cfg.Session.HistorySize,
		Metrics:     metrics,
		Tracer:      tel.tracerProvider.Tracer("github.com/loqalabs/loqa-speech/internal/controller"),
		Recorder:    r.recorder,
		Logger:      log,
	})

	if r.cfg.Availability.Enabled {
		r.monitor = availability.New(availability.Options{
			Prober:   registry,
			Sink:     r.sink,
			Interval: time.Duration(r.cfg.Availability.IntervalMS) * time.Millisecond,
			Meter:    tel.meterProvider,
			Logger:   log,
		})
		r.monitor.Start(ctx)
	}

	if r.cfg.Bridge.Enabled {
		r.bridge = bridge.New(bridge.Options{
			Conn:            r.bus.Conn(),
			Prefix:          r.cfg.Bridge.Prefix,
			Controller:      r.ctrl,
			Sink:            r.sink,
			Authorizer:      authorizer(r.cfg.Bridge),
			PreferredLocale: r.cfg.Bridge.PreferredLocale,
			Logger:          log,
		})
		if err := r.bridge.Start(ctx); err != nil {
			r.bridge = nil
			return fmt.Errorf("start bridge: %w", err)
		}
	}

	log.Info("speech components ready",
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Any("locales", registry.Locales()),
		slog.String("audio_driver", r.cfg.Audio.Driver))
	return nil
}

// closeComponents releases everything startComponents acquired, in reverse
// order. It tolerates a partial start.
func (r *Runtime) closeComponents() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.monitor != nil {
		r.monitor.Close()
	}
	if r.sink != nil {
		r.sink.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus != nil && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type sessionStatus struct {
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Available bool   `json:"available"`
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	status := sessionStatus{State: "idle", Available: r.monitor == nil || r.monitor.Healthy()}
	if id, state, ok := r.ctrl.Current(); ok {
		status.SessionID = id
		status.State = state.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
