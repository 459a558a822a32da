// Package notifications delivers trade events without ever holding up the
// code that produced them.
package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

var (
	// ErrQueueFull is returned by Emit when the event was dropped.
	ErrQueueFull = errors.New("notifications: queue full")
	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("notifications: dispatcher closed")
)

// Emitter receives events. Implementations must not block the caller for
// longer than a short, bounded time.
type Emitter interface {
	Emit(ctx context.Context, e models.Event) error
}

// Sink delivers rendered text somewhere (a chat, a webhook).
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Dispatcher queues events and delivers them to a Sink from one goroutine,
// so events reach the sink in the order they were emitted.
type Dispatcher struct {
	sink     Sink
	format   func(models.Event) string
	timeout  time.Duration
	attempts int
	backoff  time.Duration

	queue chan models.Event
	done  chan struct{}

	base  context.Context
	abort context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

var _ Emitter = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize bounds the number of pending events.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan models.Event, n)
		}
	}
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRetry sets the number of attempts and the base backoff between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
		}
		d.backoff = backoff
	}
}

// WithFormatter replaces Format.
func WithFormatter(f func(models.Event) string) Option {
	return func(d *Dispatcher) { d.format = f }
}

// NewDispatcher starts the delivery goroutine. Call Close to stop it.
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		format:   Format,
		timeout:  5 * time.Second,
		attempts: 3,
		backoff:  time.Second,
		queue:    make(chan models.Event, 256),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.base, d.abort = context.WithCancel(context.Background())
	go d.run()
	return d
}

// Emit enqueues e and returns immediately. A full queue drops the event.
func (d *Dispatcher) Emit(_ context.Context, e models.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- e:
		return nil
	default:
		log.Warn().Str("trade_id", e.TradeID).Str("kind", string(e.Kind)).Msg("Notification queue full, event dropped")
		return ErrQueueFull
	}
}

// Close stops accepting events and drains the queue until ctx expires. Events
// still queued at the deadline are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.abort()
		return nil
	case <-ctx.Done():
		d.abort()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		if d.base.Err() != nil {
			log.Warn().Str("trade_id", e.TradeID).Str("kind", string(e.Kind)).Msg("Dispatcher stopped, event dropped")
			continue
		}
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e models.Event) {
	text := d.format(e)
	if text == "" {
		return
	}

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(d.base, d.timeout)
		err = d.sink.Send(ctx, text)
		cancel()
		if err == nil {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("trade_id", e.TradeID).Msg("Notification delivery failed")

		if attempt < d.attempts {
			select {
			case <-d.base.Done():
				return
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}
	}
	log.Error().Err(err).Str("trade_id", e.TradeID).Str("kind", string(e.Kind)).Msg("Notification dropped after retries")
}

// LogEmitter writes every event to the log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e models.Event) error {
	ev := log.Info()
	if e.Err != "" {
		ev = log.Warn().Str("error", e.Err)
	}
	ev.Str("component", "events").
		Str("trade_id", e.TradeID).
		Str("symbol", e.Symbol).
		Str("kind", string(e.Kind)).
		Str("source", string(e.Entry.Source)).
		Str("price", e.Entry.Price.String()).
		Msg("Trade event")
	return nil
}

// Multi fans an event out to several emitters. Every emitter is called; the
// returned error joins the individual failures.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e models.Event) error {
	var errs []error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
