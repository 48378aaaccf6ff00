package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	serverName   = "loqa-speech"
	readyTimeout = 5 * time.Second
	// Bus capture frames are JSON with base64 PCM; leave room for a few
	// seconds of 48kHz stereo audio per message.
	maxPayload = 4 << 20
)

// EmbeddedServer is the in-process broker that edge microphones publish
// audio to and bridge clients call into.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the broker when cfg.Embedded is set and returns nil
// otherwise. Port -1 picks a free port. The bus credentials from cfg are
// enforced so the daemon's own client and remote devices share them.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-embedded"))

	opts := &server.Options{
		ServerName:    serverName,
		Host:          "0.0.0.0",
		Port:          cfg.Port,
		MaxPayload:    maxPayload,
		JetStream:     cfg.StoreDir != "",
		StoreDir:      cfg.StoreDir,
		NoSigs:        true,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Authorization: cfg.Token,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.Bool("auth", cfg.Token != "" || cfg.Username != ""),
		slog.Bool("jetstream", opts.JetStream))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL local clients dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Clients reports the number of connected clients.
func (e *EmbeddedServer) Clients() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

// Shutdown stops the broker and waits for it. It is safe on a nil server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
