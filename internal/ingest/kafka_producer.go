// Package ingest moves heartbeats and job events through Kafka. Heartbeats
// posted to any replica are produced to a topic and applied by a consumer
// group member; job events are mirrored to a topic for downstream systems.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/observability"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}

type HeartbeatProducer struct {
	writer MessageWriter
}

func NewHeartbeatProducer(w MessageWriter) *HeartbeatProducer {
	return &HeartbeatProducer{writer: w}
}

// Publish enqueues hb keyed by driver id, so one driver's heartbeats stay on
// one partition in order.
func (k *HeartbeatProducer) Publish(ctx context.Context, hb geo.Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b}); err != nil {
		observability.KafkaMessagesTotal.WithLabelValues("heartbeats_out", "error").Inc()
		return errs.NewTransientError("produce heartbeat", err)
	}
	observability.KafkaMessagesTotal.WithLabelValues("heartbeats_out", "ok").Inc()
	return nil
}

func (k *HeartbeatProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
