package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/lens/internal/metrics"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event dispatcher closed")
)

// DefaultQueueSize is used when NewDispatcher gets a non-positive size.
const DefaultQueueSize = 256

// deliverTimeout bounds a single sink call.
const deliverTimeout = 5 * time.Second

// Dispatcher forwards events to a Sink from a single background goroutine.
type Dispatcher struct {
	sink Sink
	log  *slog.Logger

	mu     sync.RWMutex
	ch     chan Event
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher with a queue of the given size.
func NewDispatcher(sink Sink, size int, log *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sink: sink,
		log:  log,
		ch:   make(chan Event, size),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Emit enqueues without blocking. A full queue drops the event.
func (d *Dispatcher) Emit(_ context.Context, e Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.ch <- e:
		return nil
	default:
		d.dropped.Add(1)
		metrics.EventsDropped.Inc()
		return ErrQueueFull
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.ch {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Event sink panicked", "type", e.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if err := d.sink.Emit(ctx, e); err != nil {
		d.log.Warn("Event sink failed", "type", e.Type, "error", err)
	}
}
