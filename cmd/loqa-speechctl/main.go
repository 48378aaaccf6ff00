package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "usage: loqa-speechctl <activate|listen|stop|cancel|watch|version> [flags]"

type globalFlags struct {
	servers string
	prefix  string
	timeout time.Duration
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.servers, "servers", envOr("LOQA_BUS_SERVERS", nats.DefaultURL), "Comma separated NATS servers")
	fs.StringVar(&g.prefix, "prefix", envOr("LOQA_BRIDGE_PREFIX", "speech"), "Bridge subject prefix")
	fs.DurationVar(&g.timeout, "timeout", 5*time.Second, "Request timeout")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var (
		g      globalFlags
		locale string
		delay  time.Duration
		err    error
	)
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	g.register(fs)

	switch os.Args[1] {
	case "activate", "stop", "cancel":
		fs.Parse(os.Args[2:])
		err = runMethod(g, os.Args[1], struct{}{})
	case "listen":
		fs.StringVar(&locale, "locale", "", "Recognition locale, e.g. fr-FR")
		fs.DurationVar(&delay, "complete-delay", 0, "Stop after this much time without a new partial")
		fs.Parse(os.Args[2:])
		err = runMethod(g, protocol.MethodListen, protocol.ListenRequest{
			Locale:          locale,
			CompleteDelayMS: int(delay / time.Millisecond),
		})
	case "watch":
		fs.Parse(os.Args[2:])
		err = runWatch(g, os.Stdout)
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, g globalFlags) (*bus.Client, error) {
	var servers []string
	for _, s := range strings.Split(g.servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	cfg := config.BusConfig{
		Servers:        servers,
		Token:          os.Getenv("LOQA_BUS_TOKEN"),
		ConnectTimeout: int(g.timeout / time.Millisecond),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, cfg, "loqa-speechctl", logger)
}

// runMethod sends one bridge request and prints its boolean reply.
func runMethod(g globalFlags, method string, req any) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	client, err := connect(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.Reply
	if err := client.RequestJSON(ctx, protocol.Subject(g.prefix, method), req, &reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%s: %s", method, reply.Error)
	}
	fmt.Println(reply.Result)
	return nil
}

// runWatch prints pushed notifications until interrupted.
func runWatch(g globalFlags, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	client, err := connect(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(g.prefix+".>", msgs)
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			name := strings.TrimPrefix(msg.Subject, g.prefix+".")
			if !strings.HasPrefix(name, "on") {
				continue
			}
			var note protocol.Notification
			if err := json.Unmarshal(msg.Data, &note); err != nil {
				fmt.Fprintf(out, "%s <invalid: %v>\n", name, err)
				continue
			}
			fmt.Fprintln(out, formatNotification(name, note))
		}
	}
}

func formatNotification(name string, note protocol.Notification) string {
	var b strings.Builder
	b.WriteString(name)
	if note.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", note.SessionID)
	}
	if note.Locale != "" {
		fmt.Fprintf(&b, " locale=%s", note.Locale)
	}
	if note.Text != "" {
		fmt.Fprintf(&b, " text=%q", note.Text)
	}
	if note.Error != "" {
		fmt.Fprintf(&b, " error=%s", note.Error)
	}
	if note.Available != nil {
		fmt.Fprintf(&b, " available=%t", *note.Available)
	}
	return b.String()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
