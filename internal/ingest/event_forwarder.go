package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/job-dispatch/internal/eventbus"
	"github.com/example/job-dispatch/internal/jobstore"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/observability"
)

type JobEventSource interface {
	Subscribe(ctx context.Context, f jobstore.Filter) (*eventbus.Subscription[models.JobEvent], error)
}

// EventForwarder mirrors committed job changes to Kafka keyed by job id.
// Snapshot events replayed on (re)subscription are forwarded as well;
// consumers dedupe by job id and version.
type EventForwarder struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewEventForwarder(w MessageWriter, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{writer: w, logger: logger.With("component", "event_forwarder")}
}

func (f *EventForwarder) Run(ctx context.Context, src JobEventSource) error {
	for {
		sub, err := src.Subscribe(ctx, jobstore.Filter{})
		if err != nil {
			f.logger.WarnContext(ctx, "subscribe to jobs failed", "err", err)
		} else {
			for ev := range sub.Events() {
				f.forward(ctx, ev)
			}
			sub.Close()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (f *EventForwarder) forward(ctx context.Context, ev models.JobEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		f.logger.ErrorContext(ctx, "encode job event", "job_id", ev.Job.ID, "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.writer.WriteMessages(wctx, kafka.Message{Key: []byte(ev.Job.ID), Value: b}); err != nil {
		observability.KafkaMessagesTotal.WithLabelValues("job_events", "error").Inc()
		f.logger.WarnContext(ctx, "forward job event failed", "job_id", ev.Job.ID, "version", ev.Job.Version, "err", err)
		return
	}
	observability.KafkaMessagesTotal.WithLabelValues("job_events", "ok").Inc()
}
