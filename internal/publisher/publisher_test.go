package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"quantbridge/config"
	"quantbridge/models"
)

type captureBus struct {
	mu   sync.Mutex
	keys []string
	msgs [][]byte
}

func (b *captureBus) Write(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	b.keys = append(b.keys, key)
	b.msgs = append(b.msgs, append([]byte(nil), payload...))
	b.mu.Unlock()
	return nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

func testConfig(queueSize int) *config.Config {
	cfg := &config.Config{}
	cfg.Publisher.QueueSize = queueSize
	cfg.Publisher.PublishTimeout = 20 * time.Millisecond
	return cfg
}

func marketEvent(symbol string) models.Event {
	return models.Event{
		Kind:     models.EventKindTrade,
		Platform: "binance",
		Subject:  symbol,
		Payload:  map[string]string{"symbol": symbol},
	}
}

func orderEvent(account string) models.Event {
	return models.Event{
		Kind:     models.EventKindOrder,
		Platform: "binance",
		Subject:  account,
	}
}

func TestDeliverWritesRoutingKey(t *testing.T) {
	bus := &captureBus{}
	p := NewPublisher(testConfig(8), bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := p.Publish(marketEvent("BTCUSDT")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for bus.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if bus.count() != 1 {
		t.Fatalf("expected 1 delivered event, got %d", bus.count())
	}
	if bus.keys[0] != "binance.BTCUSDT.trade" {
		t.Fatalf("unexpected routing key %q", bus.keys[0])
	}
	var event models.Event
	if err := json.Unmarshal(bus.msgs[0], &event); err != nil {
		t.Fatalf("payload not valid json: %v", err)
	}
	if event.Kind != models.EventKindTrade {
		t.Fatalf("unexpected kind %q", event.Kind)
	}

	cancel()
	p.Stop()
}

func TestFullQueueDropsOldestMarketEvent(t *testing.T) {
	// No Start: the queue fills and stays full.
	p := NewPublisher(testConfig(2), &captureBus{})

	if err := p.Publish(marketEvent("A")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := p.Publish(marketEvent("B")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := p.Publish(marketEvent("C")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if got := p.GetStats().Dropped; got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	first := <-p.queue
	second := <-p.queue
	if first.Subject != "B" || second.Subject != "C" {
		t.Fatalf("expected oldest evicted, got %q then %q", first.Subject, second.Subject)
	}
}

func TestOrderEventsNeverEvicted(t *testing.T) {
	p := NewPublisher(testConfig(2), &captureBus{})

	if err := p.Publish(orderEvent("main")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := p.Publish(orderEvent("sub")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	// Queue holds only must-deliver events; the market event is the
	// one that gets dropped.
	p.publishLossy(marketEvent("A"))

	first := <-p.queue
	second := <-p.queue
	if first.Kind != models.EventKindOrder || second.Kind != models.EventKindOrder {
		t.Fatalf("order events evicted: %q, %q", first.Kind, second.Kind)
	}
	if got := p.GetStats().Dropped; got != 1 {
		t.Fatalf("expected the market event counted dropped, got %d", got)
	}
}

func TestMustDeliverTimesOutWhenSaturated(t *testing.T) {
	p := NewPublisher(testConfig(1), &captureBus{})

	if err := p.Publish(orderEvent("main")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	start := time.Now()
	err := p.Publish(orderEvent("sub"))
	if !errors.Is(err, ErrPublishTimeout) {
		t.Fatalf("expected ErrPublishTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned before the publish timeout: %v", elapsed)
	}
}
