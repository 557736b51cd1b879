// Package events carries structured progress events from long-running
// operations to streaming clients. Emission never blocks the operation path:
// a saturated subscriber drops events rather than slowing the producer.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/pkg/models"
)

const defaultBuffer = 256

// Bus fans events out to per-topic subscribers. Topics are request ids for
// search streams and sync job ids for sync progress.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan models.Event]struct{}

	buffer int
}

// NewBus creates an event bus. buffer sets the per-subscriber channel depth;
// 0 uses the default.
func NewBus(log zerolog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		log:    log,
		subs:   make(map[string]map[chan models.Event]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a listener on a topic. The returned cancel must be
// called when the client disconnects; it closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan models.Event, func()) {
	ch := make(chan models.Event, b.buffer)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan models.Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], ch)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its topic. Saturated
// subscribers are skipped.
func (b *Bus) Publish(topic string, e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- e:
		default:
			b.log.Debug().Str("topic", topic).Str("kind", string(e.Kind)).Msg("subscriber saturated, event dropped")
		}
	}
}

// Emitter binds the bus to one topic and request id, implementing the
// fire-and-forget emitter contract passed into pipelines.
type Emitter struct {
	bus       *Bus
	topic     string
	requestID string
}

// NewEmitter creates an emitter for one operation stream.
func NewEmitter(bus *Bus, topic, requestID string) *Emitter {
	return &Emitter{bus: bus, topic: topic, requestID: requestID}
}

// Emit publishes a structured event. Never blocks.
func (e *Emitter) Emit(kind models.EventKind, operation string, payload map[string]any) {
	e.bus.Publish(e.topic, models.Event{
		RequestID: e.requestID,
		TS:        time.Now().UTC(),
		Kind:      kind,
		Operation: operation,
		Payload:   payload,
	})
}

// Nop is an emitter that discards everything. Used when no client listens.
type Nop struct{}

func (Nop) Emit(models.EventKind, string, map[string]any) {}
