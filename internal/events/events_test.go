package events_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/pkg/models"
)

func TestEmitReachesSubscriber(t *testing.T) {
	bus := events.NewBus(zerolog.Nop(), 4)
	ch, cancel := bus.Subscribe("req-1")
	defer cancel()

	em := events.NewEmitter(bus, "req-1", "req-1")
	em.Emit(models.EventOperationStarted, "retrieval", map[string]any{"limit": 10})

	select {
	case e := <-ch:
		if e.Kind != models.EventOperationStarted || e.Operation != "retrieval" {
			t.Errorf("event = %+v", e)
		}
		if e.RequestID != "req-1" {
			t.Errorf("RequestID = %q", e.RequestID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEmitIsolatedByTopic(t *testing.T) {
	bus := events.NewBus(zerolog.Nop(), 4)
	ch, cancel := bus.Subscribe("req-a")
	defer cancel()

	events.NewEmitter(bus, "req-b", "req-b").Emit(models.EventOperationCompleted, "rerank", nil)

	select {
	case e := <-ch:
		t.Errorf("unexpected cross-topic event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitNeverBlocksWhenSaturated(t *testing.T) {
	bus := events.NewBus(zerolog.Nop(), 1)
	_, cancel := bus.Subscribe("req-1")
	defer cancel()

	em := events.NewEmitter(bus, "req-1", "req-1")
	done := make(chan struct{})
	go func() {
		// Nobody drains; emits past the buffer must drop, not block.
		for i := 0; i < 100; i++ {
			em.Emit(models.EventOperationProgress, "sync", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on saturated subscriber")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := events.NewBus(zerolog.Nop(), 1)
	_, cancel := bus.Subscribe("req-1")
	cancel()
	cancel()

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish("req-1", models.Event{Kind: models.EventOperationCompleted})
}
