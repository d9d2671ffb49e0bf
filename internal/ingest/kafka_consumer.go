package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/geo"
	"github.com/example/job-dispatch/internal/observability"
)

// MessageReader is the subset of *kafka.Reader used here.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

// HeartbeatSink applies a heartbeat; geo.Tracker implements it.
type HeartbeatSink interface {
	ReportHeartbeat(ctx context.Context, hb geo.Heartbeat) (bool, error)
}

type HeartbeatConsumer struct {
	reader     MessageReader
	sink       HeartbeatSink
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
	maxBackoff time.Duration
}

func NewHeartbeatConsumer(r MessageReader, sink HeartbeatSink, logger *slog.Logger) *HeartbeatConsumer {
	return &HeartbeatConsumer{
		reader:     r,
		sink:       sink,
		logger:     logger.With("component", "heartbeat_consumer"),
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is done. Read errors back off exponentially; a
// message that cannot be applied after retries is logged and skipped.
func (c *HeartbeatConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down heartbeat consumer")
				return ctx.Err()
			}
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *HeartbeatConsumer) handle(ctx context.Context, m kafka.Message) {
	var hb geo.Heartbeat
	if err := json.Unmarshal(m.Value, &hb); err != nil {
		observability.KafkaMessagesTotal.WithLabelValues("heartbeats_in", "invalid").Inc()
		c.logger.Warn("invalid heartbeat message", "err", err, "offset", m.Offset)
		return
	}
	if err := applyWithRetry(ctx, c.sink, hb, c.attempts, c.retryDelay); err != nil {
		observability.KafkaMessagesTotal.WithLabelValues("heartbeats_in", "error").Inc()
		c.logger.Error("heartbeat apply failed", "driver_id", hb.DriverID, "err", err)
		return
	}
	observability.KafkaMessagesTotal.WithLabelValues("heartbeats_in", "ok").Inc()
}

// applyWithRetry retries transient failures with doubling delay. Any other
// error is final on the first attempt.
func applyWithRetry(ctx context.Context, sink HeartbeatSink, hb geo.Heartbeat, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = sink.ReportHeartbeat(ctx, hb); err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrTransient) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
