package publisher

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"quantbridge/config"
	"quantbridge/logger"
)

// KafkaBus writes events to a kafka topic. The routing key is the
// message key, so all events of one platform+subject land in one
// partition in order.
type KafkaBus struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaBus(cfg *config.KafkaConfig) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	b := &KafkaBus{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.Hash{},
		},
		log: logger.GetLogger(),
	}
	b.log.WithComponent("kafka_bus").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka bus initialized")
	return b, nil
}

func (b *KafkaBus) Write(ctx context.Context, key string, payload []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
