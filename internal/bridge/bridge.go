package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/controller"
	"github.com/loqalabs/loqa-speech/internal/events"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/nats-io/nats.go"
)

// ErrPermissionDenied is logged when a caller is not authorized to use speech
// recognition. The boundary only ever sees false.
var ErrPermissionDenied = errors.New("speech recognition permission denied")

const requestTimeout = 5 * time.Second

// AuthorizationStatus mirrors the host permission states. Callers cannot
// tell them apart; only Authorized enables recognition.
type AuthorizationStatus string

const (
	Authorized    AuthorizationStatus = "authorized"
	Denied        AuthorizationStatus = "denied"
	Restricted    AuthorizationStatus = "restricted"
	NotDetermined AuthorizationStatus = "not_determined"
)

// Authorizer reports whether recognition may be used.
type Authorizer interface {
	Authorize(ctx context.Context) AuthorizationStatus
}

// StaticAuthorizer always answers with the same status.
type StaticAuthorizer AuthorizationStatus

func (s StaticAuthorizer) Authorize(context.Context) AuthorizationStatus {
	return AuthorizationStatus(s)
}

// Controller is the part of the session controller the bridge drives.
type Controller interface {
	Start(ctx context.Context, locale string, opts ...controller.StartOption) (string, error)
	Stop(id string) error
	Cancel(id string) error
	Current() (string, session.State, bool)
}

type Options struct {
	Conn            *nats.Conn
	Prefix          string
	Controller      Controller
	Sink            *events.Sink
	Authorizer      Authorizer
	PreferredLocale string
	Logger          *slog.Logger
}

// Bridge exposes the controller as NATS request/reply methods and pushes
// session events back as notifications.
type Bridge struct {
	conn      *nats.Conn
	prefix    string
	ctrl      Controller
	sink      *events.Sink
	auth      Authorizer
	preferred string
	log       *slog.Logger

	subs      []*nats.Subscription
	feed      *events.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	auth := opts.Authorizer
	if auth == nil {
		auth = StaticAuthorizer(Authorized)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "speech"
	}
	return &Bridge{
		conn:      opts.Conn,
		prefix:    prefix,
		ctrl:      opts.Controller,
		sink:      opts.Sink,
		auth:      auth,
		preferred: opts.PreferredLocale,
		log:       log.With(slog.String("component", "bridge")),
	}
}

// Start subscribes to the method subjects and begins forwarding events.
func (b *Bridge) Start(ctx context.Context) error {
	if b.conn == nil {
		return errors.New("bridge: NATS connection is required")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	handlers := map[string]nats.MsgHandler{
		protocol.MethodActivate: b.handleActivate,
		protocol.MethodListen:   b.handleListen,
		protocol.MethodCancel:   b.handleCancel,
		protocol.MethodStop:     b.handleStop,
	}
	for method, handler := range handlers {
		subject := protocol.Subject(b.prefix, method)
		sub, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			b.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	if err := b.conn.Flush(); err != nil {
		b.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	b.feed = b.sink.Subscribe()
	b.wg.Add(1)
	go b.forward()

	b.log.Info("speech bridge ready", slog.String("prefix", b.prefix))
	return nil
}

// Close stops serving requests and forwarding events.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.unsubscribe()
		if b.feed != nil {
			b.feed.Unsubscribe()
		}
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *Bridge) unsubscribe() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("failed to unsubscribe", slog.String("subject", sub.Subject), slogError(err))
		}
	}
	b.subs = nil
}

func (b *Bridge) authorized(ctx context.Context) bool {
	status := b.auth.Authorize(ctx)
	if status != Authorized {
		b.log.Warn("recognition not authorized", slog.String("status", string(status)), slogError(ErrPermissionDenied))
		return false
	}
	return true
}

func (b *Bridge) handleActivate(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()
	if !b.authorized(ctx) {
		b.reply(msg, false)
		return
	}
	if b.preferred != "" {
		b.sink.Publish(events.Event{Kind: events.KindLocale, Locale: b.preferred})
	}
	b.reply(msg, true)
}

func (b *Bridge) handleListen(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	var req protocol.ListenRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			b.log.Warn("invalid listen request", slogError(err))
			b.reply(msg, false)
			return
		}
	}
	if !b.authorized(ctx) {
		b.reply(msg, false)
		return
	}
	if id, state, ok := b.ctrl.Current(); ok && !state.Terminal() {
		b.log.Info("listen while a session is running; stopping it", slog.String("session_id", id))
		if err := b.ctrl.Stop(id); err != nil && !errors.Is(err, controller.ErrNotFound) {
			b.log.Warn("failed to stop running session", slog.String("session_id", id), slogError(err))
		}
		b.reply(msg, false)
		return
	}

	opts := []controller.StartOption{}
	if req.CompleteDelayMS > 0 {
		opts = append(opts, controller.WithCompleteDelay(time.Duration(req.CompleteDelayMS)*time.Millisecond))
	}
	id, err := b.ctrl.Start(ctx, req.Locale, opts...)
	if err != nil {
		b.log.Warn("failed to start session", slog.String("locale", req.Locale), slogError(err))
		b.reply(msg, false)
		return
	}
	b.log.Debug("listening", slog.String("session_id", id), slog.String("locale", req.Locale))
	b.reply(msg, true)
}

// handleCancel and handleStop always answer false; callers follow the
// notifications instead.
func (b *Bridge) handleCancel(msg *nats.Msg) {
	if id, state, ok := b.ctrl.Current(); ok && !state.Terminal() {
		if err := b.ctrl.Cancel(id); err != nil {
			b.log.Debug("cancel rejected", slog.String("session_id", id), slogError(err))
		}
	}
	b.reply(msg, false)
}

func (b *Bridge) handleStop(msg *nats.Msg) {
	if id, state, ok := b.ctrl.Current(); ok && !state.Terminal() {
		if err := b.ctrl.Stop(id); err != nil {
			b.log.Debug("stop rejected", slog.String("session_id", id), slogError(err))
		}
	}
	b.reply(msg, false)
}

func (b *Bridge) reply(msg *nats.Msg, result bool) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(protocol.Reply{Result: result})
	if err != nil {
		b.log.Error("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn("failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

func (b *Bridge) forward() {
	defer b.wg.Done()
	for ev := range b.feed.Events() {
		name, note, ok := notification(ev)
		if !ok {
			continue
		}
		data, err := json.Marshal(note)
		if err != nil {
			b.log.Error("failed to encode notification", slogError(err))
			continue
		}
		if err := b.conn.Publish(protocol.Subject(b.prefix, name), data); err != nil {
			b.log.Warn("failed to publish notification", slog.String("notification", name), slogError(err))
		}
	}
}

// notification maps an event to its pushed notification. Cancellation
// acknowledgements stay internal.
func notification(ev events.Event) (string, protocol.Notification, bool) {
	note := protocol.Notification{SessionID: ev.SessionID, Timestamp: ev.Time}
	switch ev.Kind {
	case events.KindStarted:
		note.Locale = ev.Locale
		return protocol.NotifyRecognitionStarted, note, true
	case events.KindPartial:
		note.Text = ev.Text
		return protocol.NotifySpeech, note, true
	case events.KindFinal:
		note.Text = ev.Text
		return protocol.NotifyRecognitionComplete, note, true
	case events.KindError:
		note.Error = ev.ErrorKind
		note.Text = ev.Text
		return protocol.NotifyError, note, true
	case events.KindAvailability:
		available := ev.Available
		note.Available = &available
		return protocol.NotifySpeechAvailability, note, true
	case events.KindLocale:
		note.Locale = ev.Locale
		return protocol.NotifyCurrentLocale, note, true
	default:
		return "", note, false
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
