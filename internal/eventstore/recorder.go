package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/events"
	"github.com/loqalabs/loqa-speech/internal/session"
)

const (
	recorderQueueSize = 256
	pruneInterval     = time.Hour
)

type transitionPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

type errorPayload struct {
	ErrorKind string `json:"error_kind"`
}

// Recorder persists session transitions and transcription events. Session
// hooks hand it transitions without blocking; Run does the writes.
type Recorder struct {
	store  *Store
	device string
	log    *slog.Logger
	queue  chan session.Transition
}

func NewRecorder(store *Store, device string, log *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		device: device,
		log:    log.With(slog.String("component", "eventstore-recorder")),
		queue:  make(chan session.Transition, recorderQueueSize),
	}
}

// RecordTransition queues tr. A full queue drops it with a warning.
func (r *Recorder) RecordTransition(tr session.Transition) {
	select {
	case r.queue <- tr:
	default:
		r.log.Warn("recorder queue full; dropping transition",
			slog.String("session_id", tr.SessionID), slog.String("to", tr.To.String()))
	}
}

// Run writes queued transitions and the events read from feed until ctx is
// done or feed is closed. Pending transitions are flushed before returning.
func (r *Recorder) Run(ctx context.Context, feed <-chan events.Event) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	defer r.flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-r.queue:
			r.writeTransition(tr)
		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			// The session row must exist before its events.
			r.flush()
			r.writeEvent(ev)
		case <-ticker.C:
			if err := r.store.Prune(context.Background()); err != nil {
				r.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case tr := <-r.queue:
			r.writeTransition(tr)
		default:
			return
		}
	}
}

func (r *Recorder) writeTransition(tr session.Transition) {
	ctx := context.Background()
	if tr.To == session.Starting {
		if err := r.store.AppendSession(ctx, tr.SessionID, tr.Locale, r.device, tr.To.String()); err != nil {
			r.log.Warn("failed to record session", slog.String("session_id", tr.SessionID), slog.String("error", err.Error()))
			return
		}
	} else {
		var errorKind string
		if tr.Err != nil {
			errorKind = string(session.Classify(tr.Err))
		}
		if err := r.store.UpdateSessionState(ctx, tr.SessionID, tr.Locale, tr.To.String(), errorKind, tr.To.Terminal()); err != nil {
			r.log.Warn("failed to update session", slog.String("session_id", tr.SessionID), slog.String("error", err.Error()))
			return
		}
	}

	payload := transitionPayload{From: tr.From.String(), To: tr.To.String()}
	if tr.Err != nil {
		payload.Error = tr.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("failed to encode transition", slog.String("error", err.Error()))
		return
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID: tr.SessionID,
		Type:      "transition",
		Payload:   data,
		CreatedAt: tr.At,
	}); err != nil {
		r.log.Warn("failed to record transition", slog.String("session_id", tr.SessionID), slog.String("error", err.Error()))
	}
}

func (r *Recorder) writeEvent(ev events.Event) {
	// Availability and locale hints are not tied to a session.
	if ev.SessionID == "" {
		return
	}
	entry := Event{
		SessionID: ev.SessionID,
		Seq:       int64(ev.Seq),
		Type:      string(ev.Kind),
		Text:      ev.Text,
		CreatedAt: ev.Time,
	}
	if ev.Kind == events.KindError {
		data, err := json.Marshal(errorPayload{ErrorKind: ev.ErrorKind})
		if err != nil {
			r.log.Warn("failed to encode error payload", slog.String("error", err.Error()))
			return
		}
		entry.Payload = data
	}
	if err := r.store.AppendEvent(context.Background(), entry); err != nil {
		r.log.Warn("failed to record event",
			slog.String("session_id", ev.SessionID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}
