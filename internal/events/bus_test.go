package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zap.NewNop(), DefaultConfig())
	t.Cleanup(b.Close)
	return b
}

func TestPublishDeliversToTypedSubscriber(t *testing.T) {
	b := newBus(t)
	var mu sync.Mutex
	var got Event
	done := make(chan struct{})

	b.Subscribe(EventTypeFill, func(e Event) error {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
		return nil
	})

	b.Publish(NewFillEvent("t1", "BTCUSDT", "buy", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromInt(5), ""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.GetType() != EventTypeFill {
		t.Fatalf("expected a fill event, got %+v", got)
	}
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	b := newBus(t)
	count := make(chan struct{}, 2)
	b.SubscribeAll(func(e Event) error {
		count <- struct{}{}
		return nil
	})

	b.Publish(NewFillEvent("t1", "BTCUSDT", "buy", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))
	b.Publish(NewRiskAlertEvent("BTCUSDT", "circuit_breaker", "critical", "daily loss limit breached", decimal.NewFromInt(-500), decimal.NewFromInt(-400)))

	for i := 0; i < 2; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus(t)
	delivered := make(chan struct{}, 1)
	sub := b.Subscribe(EventTypeFill, func(e Event) error {
		delivered <- struct{}{}
		return nil
	})
	b.Unsubscribe(sub)

	b.Publish(NewFillEvent("t1", "BTCUSDT", "buy", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))

	select {
	case <-delivered:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishSyncRunsOnCallerGoroutine(t *testing.T) {
	b := newBus(t)
	called := false
	b.Subscribe(EventTypeFill, func(e Event) error {
		called = true
		return nil
	}, SubscribeOptions{Async: false})

	b.PublishSync(NewFillEvent("t1", "BTCUSDT", "sell", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))
	if !called {
		t.Fatal("expected synchronous handler to have run")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := newBus(t)
	recovered := make(chan struct{}, 1)
	b.Subscribe(EventTypeFill, func(e Event) error {
		defer func() {
			if r := recover(); r != nil {
				recovered <- struct{}{}
				panic(r)
			}
		}()
		panic("boom")
	}, SubscribeOptions{Async: false})

	b.PublishSync(NewFillEvent("t1", "BTCUSDT", "sell", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))
	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("expected handler panic to propagate to the bus's recover")
	}
	stats := b.Stats()
	if stats.Errors < 1 {
		t.Fatalf("expected at least one recorded error, got %+v", stats)
	}
}

func TestHandlerErrorIsCountedNotFatal(t *testing.T) {
	b := newBus(t)
	b.Subscribe(EventTypeFill, func(e Event) error {
		return errors.New("boom")
	}, SubscribeOptions{Async: false})

	b.PublishSync(NewFillEvent("t1", "BTCUSDT", "sell", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))
	stats := b.Stats()
	if stats.Errors < 1 {
		t.Fatalf("expected the handler error to be counted, got %+v", stats)
	}
}

func TestDropsWhenBufferFull(t *testing.T) {
	// Built without starting the worker pool so the single buffered slot
	// stays occupied deterministically, rather than racing a worker drain.
	b := &Bus{
		logger:      zap.NewNop(),
		subscribers: make(map[EventType][]*subscription),
		eventChan:   make(chan Event, 1),
	}

	b.Publish(NewFillEvent("t1", "BTCUSDT", "buy", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))
	b.Publish(NewFillEvent("t2", "BTCUSDT", "buy", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))
	b.Publish(NewFillEvent("t3", "BTCUSDT", "buy", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.Zero, ""))

	stats := b.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected at least one dropped event, got %+v", stats)
	}
}
