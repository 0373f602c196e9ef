package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantbridge/config"
	"quantbridge/logger"
	"quantbridge/models"
)

// ErrPublishTimeout is returned when a must-deliver event cannot be
// queued within the configured publish timeout.
var ErrPublishTimeout = errors.New("publish timeout: queue full")

// Bus is the outbound transport. Write receives the routing key and
// the serialized event.
type Bus interface {
	Write(ctx context.Context, key string, payload []byte) error
	Close() error
}

// Stats counts events moved through (or dropped at) the publisher.
type Stats struct {
	Published int64
	Dropped   int64
}

// Publisher owns the bounded outbound queue. Market events are stale
// tolerant: when the queue is full the oldest droppable event makes
// room for the new one. Order and position events are never dropped;
// enqueueing them blocks up to the publish timeout and then fails
// loudly so the caller knows delivery is not guaranteed.
type Publisher struct {
	cfg *config.Config
	bus Bus

	queue chan models.Event

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	stats      Stats
	statsMutex sync.RWMutex
}

func NewPublisher(cfg *config.Config, bus Bus) *Publisher {
	size := cfg.Publisher.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Publisher{
		cfg:   cfg,
		bus:   bus,
		queue: make(chan models.Event, size),
		wg:    &sync.WaitGroup{},
		log:   logger.GetLogger(),
	}
}

func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"queue_size": cap(p.queue),
	}).Info("starting publisher")

	p.wg.Add(1)
	go p.run()

	return nil
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("publisher").Info("stopping publisher")
	p.wg.Wait()
	if err := p.bus.Close(); err != nil {
		p.log.WithComponent("publisher").WithError(err).Warn("bus close failed")
	}
	p.log.WithComponent("publisher").Info("publisher stopped")
}

// Publish enqueues one event for delivery.
func (p *Publisher) Publish(event models.Event) error {
	if event.Kind.MustDeliver() {
		return p.publishBlocking(event)
	}
	p.publishLossy(event)
	return nil
}

func (p *Publisher) publishLossy(event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case p.queue <- event:
		return
	default:
	}

	// Queue full: evict the oldest droppable event. Must-deliver
	// events at the head are drained to a side list and requeued.
	var held []models.Event
	evicted := false
	for !evicted {
		select {
		case old := <-p.queue:
			if old.Kind.MustDeliver() {
				held = append(held, old)
				continue
			}
			evicted = true
		default:
			evicted = true // queue drained of droppable events
		}
	}
	for _, h := range held {
		select {
		case p.queue <- h:
		default:
			// Cannot happen: we removed at least len(held) entries.
		}
	}

	select {
	case p.queue <- event:
		p.statsMutex.Lock()
		p.stats.Dropped++
		p.statsMutex.Unlock()
	default:
		p.statsMutex.Lock()
		p.stats.Dropped++
		p.statsMutex.Unlock()
		p.log.WithComponent("publisher").WithFields(logger.Fields{
			"kind": event.Kind,
		}).Warn("queue saturated with critical events, market event dropped")
	}
}

func (p *Publisher) publishBlocking(event models.Event) error {
	timeout := p.cfg.Publisher.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case p.queue <- event:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.queue <- event:
		return nil
	case <-timer.C:
		p.log.WithComponent("publisher").WithFields(logger.Fields{
			"kind":    event.Kind,
			"subject": event.Subject,
		}).Error("must-deliver event timed out waiting for queue space")
		return ErrPublishTimeout
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case event := <-p.queue:
			p.deliver(event)
		}
	}
}

func (p *Publisher) deliver(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.WithComponent("publisher").WithError(err).Warn("failed to marshal event")
		return
	}
	if err := p.bus.Write(p.ctx, event.RoutingKey(), data); err != nil {
		p.log.WithComponent("publisher").WithError(err).WithFields(logger.Fields{
			"routing_key": event.RoutingKey(),
		}).Warn("failed to write event to bus")
		return
	}
	p.statsMutex.Lock()
	p.stats.Published++
	p.statsMutex.Unlock()
}

// GetStats returns a copy of the current counters.
func (p *Publisher) GetStats() Stats {
	p.statsMutex.RLock()
	defer p.statsMutex.RUnlock()
	return p.stats
}

// StartMetricsReporting periodically reports queue depth and counters
// until the context is cancelled.
func (p *Publisher) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.GetStats()
			p.log.LogMetric("publisher", "queue_len", int64(len(p.queue)), "gauge", nil)
			p.log.LogMetric("publisher", "published", stats.Published, "counter", nil)
			p.log.LogMetric("publisher", "dropped", stats.Dropped, "counter", nil)
		}
	}
}
