package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/spirit/internal/monitoring"
)

// ErrClosed is returned when submitting to, or publishing on, a closed
// dispatcher or bus.
var ErrClosed = errors.New("transport closed")

// DefaultBuffer is the event queue length used when none is given.
const DefaultBuffer = 64

// errorLogEvery controls how often a repeated handler error is logged.
const errorLogEvery = 100

// Dispatcher funnels events from any number of producers into a single
// consumer goroutine, so the handler sees one event at a time in arrival
// order.
type Dispatcher struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	delivered atomic.Int64
	errors    atomic.Int64
}

// NewDispatcher creates a dispatcher with the given queue length.
func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Submit queues ev for delivery. It blocks while the queue is full and
// returns ctx.Err() or ErrClosed if either ends the wait first.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	select {
	case d.events <- ev:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events. Run delivers whatever is already queued and
// then returns.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Run delivers events to h until ctx is cancelled or the dispatcher is
// closed. Handler errors are logged and counted, never returned.
func (d *Dispatcher) Run(ctx context.Context, h Handler) error {
	var lastErr string
	var repeats int

	deliver := func(ev Event) {
		err := d.deliver(h, ev)
		if err == nil {
			return
		}
		d.errors.Add(1)
		if msg := err.Error(); msg != lastErr {
			lastErr, repeats = msg, 0
			monitoring.Logf("[dispatcher] %s event: %v", ev.Kind, err)
			return
		}
		repeats++
		if repeats%errorLogEvery == 0 {
			monitoring.Logf("[dispatcher] %s event: %v (repeated %d times)", ev.Kind, err, repeats)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			deliver(ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.events:
					deliver(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(h Handler, ev Event) error {
	d.delivered.Add(1)
	switch ev.Kind {
	case EventImage:
		h.OnImage(ev.Image)
	case EventTracked:
		h.OnTracked(ev.Tracked)
	case EventPose:
		if ev.Pose == nil {
			return errors.New("pose event without a pose")
		}
		return h.OnPose(*ev.Pose)
	default:
		return errors.New("unknown event kind " + ev.Kind.String())
	}
	return nil
}

// Delivered returns the number of events handed to the handler.
func (d *Dispatcher) Delivered() int64 {
	return d.delivered.Load()
}

// Errors returns the number of events whose handling failed.
func (d *Dispatcher) Errors() int64 {
	return d.errors.Load()
}
