package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind tags a transcription event.
type Kind string

const (
	KindStarted      Kind = "started"
	KindPartial      Kind = "partial"
	KindFinal        Kind = "final"
	KindError        Kind = "error"
	KindAvailability Kind = "availability"
	KindCancelled    Kind = "cancelled"
	KindLocale       Kind = "locale"
)

// Event is one lifecycle or result notification. Seq increases by one per
// event within a session.
type Event struct {
	SessionID string
	Seq       uint64
	Kind      Kind
	Text      string
	ErrorKind string
	Available bool
	Locale    string
	Time      time.Time
}

// Sink fans events out to subscribers. Publish never blocks: each
// subscriber has its own queue drained by a pump goroutine.
type Sink struct {
	limit int
	log   *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewSink creates a sink whose per-subscriber queues hold at most limit
// events. A limit of zero or less means unbounded.
func NewSink(limit int, log *slog.Logger) *Sink {
	return &Sink{
		limit: limit,
		log:   log.With(slog.String("component", "event-sink")),
		subs:  make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber that receives every event published from
// now on.
func (s *Sink) Subscribe() *Subscription {
	sub := &Subscription{
		sink: s,
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.out)
		sub.stopped = true
		return sub
	}
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish enqueues ev for every current subscriber.
func (s *Sink) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		if !sub.enqueue(ev, s.limit) {
			s.log.Warn("subscriber queue full; dropping event",
				slog.Uint64("subscriber", sub.id),
				slog.String("kind", string(ev.Kind)),
				slog.String("session_id", ev.SessionID))
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Sink) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription after its queued events were delivered or
// the subscriber went away.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.draining = true
		sub.cond.Signal()
		sub.mu.Unlock()
	}
}

func (s *Sink) remove(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Subscription is one subscriber's ordered view of the sink.
type Subscription struct {
	sink *Sink
	id   uint64
	out  chan Event
	done chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	dropped  int
	draining bool
	stopped  bool
	once     sync.Once
}

// Events returns the delivery channel. It is closed after Unsubscribe or
// when the sink is closed.
func (sub *Subscription) Events() <-chan Event { return sub.out }

// Dropped returns how many events were discarded because the queue was full.
func (sub *Subscription) Dropped() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Unsubscribe stops delivery and discards queued events. Safe to call more
// than once.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		if sub.sink != nil {
			sub.sink.remove(sub.id)
		}
		sub.mu.Lock()
		alreadyStopped := sub.stopped
		sub.stopped = true
		sub.queue = nil
		sub.cond.Signal()
		sub.mu.Unlock()
		if !alreadyStopped {
			close(sub.done)
		}
	})
}

func (sub *Subscription) enqueue(ev Event, limit int) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return true
	}
	if limit > 0 && len(sub.queue) >= limit {
		sub.dropped++
		return false
	}
	sub.queue = append(sub.queue, ev)
	sub.cond.Signal()
	return true
}

func (sub *Subscription) pump() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.stopped && !sub.draining {
			sub.cond.Wait()
		}
		if sub.stopped || (sub.draining && len(sub.queue) == 0) {
			sub.mu.Unlock()
			return
		}
		ev := sub.queue[0]
		sub.queue[0] = Event{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}
