package publisher

import (
	"context"

	"quantbridge/logger"
)

// LogBus writes events to the structured log. Used when no broker is
// configured, mainly for local runs and tests.
type LogBus struct {
	log *logger.Log
}

func NewLogBus() *LogBus {
	return &LogBus{log: logger.GetLogger()}
}

func (b *LogBus) Write(ctx context.Context, key string, payload []byte) error {
	b.log.WithComponent("log_bus").WithFields(logger.Fields{
		"routing_key": key,
		"bytes":       len(payload),
	}).Debug("event")
	return nil
}

func (b *LogBus) Close() error { return nil }
