package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/spirit/internal/pastimage"
)

// Bus fans transforms and selections out to subscribers. Publishing never
// blocks: a subscriber whose channel is full misses the message and the drop
// is counted.
type Bus struct {
	buffer int

	mu          sync.Mutex
	subscribers map[string]subscriber
	closed      bool

	published atomic.Int64
	dropped   atomic.Int64
}

type subscriber struct {
	ch   chan Message
	kind MessageKind // "" receives every kind
}

var _ pastimage.Publisher = (*Bus)(nil)

// NewBus creates a bus whose subscriber channels hold buffer messages.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer:      buffer,
		subscribers: make(map[string]subscriber),
	}
}

// Subscribe creates a channel receiving every subsequent message. The ID is
// used to unsubscribe. Subscribing to a closed bus returns a closed channel.
func (b *Bus) Subscribe() (string, <-chan Message) {
	return b.subscribe("", b.buffer)
}

// SubscribeKind creates a channel of the given buffer length receiving only
// messages of one kind. Slow consumers that must not share a buffer with
// the per-pose transform stream subscribe this way.
func (b *Bus) SubscribeKind(kind MessageKind, buffer int) (string, <-chan Message) {
	if buffer <= 0 {
		buffer = b.buffer
	}
	return b.subscribe(kind, buffer)
}

func (b *Bus) subscribe(kind MessageKind, buffer int) (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = subscriber{ch: ch, kind: kind}
	return id, ch
}

// Unsubscribe closes and removes the subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// PublishTransform publishes a transform message.
func (b *Bus) PublishTransform(t pastimage.Transform) error {
	return b.publish(Message{Kind: KindTransform, Transform: &t})
}

// PublishSelection publishes a selection message.
func (b *Bus) PublishSelection(s pastimage.Selection) error {
	return b.publish(Message{Kind: KindSelection, Selection: &s})
}

func (b *Bus) publish(m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.published.Add(1)
	for _, sub := range b.subscribers {
		if sub.kind != "" && sub.kind != m.Kind {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Published returns the number of messages published.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns the number of per-subscriber deliveries skipped because a
// channel was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes return ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// AttachAdminRoutes attaches a live tail of bus messages to the debug mux.
// Image data is left out of the tail.
func (b *Bus) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Server-Sent Events, one JSON view per message.
	debug.HandleSilentFunc("pastimage/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := b.Subscribe()
		defer b.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case m, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(m.View(false))
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Kind, payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
