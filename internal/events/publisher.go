// Package events publishes terminal job envelopes to an external AMQP
// exchange for subscribers outside this process. It is a one-way,
// best-effort notification sink layered on top of the queue manager's
// in-process waiter/listener fanout -- it never feeds back into queue
// state and its absence never breaks a job.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relaylabs/async-sidecar/internal/envelope"
	"github.com/relaylabs/async-sidecar/shared/rabbitmq"
)

// Publisher fans terminal envelopes out to RabbitMQ. A nil *Publisher is
// valid and every method on it is a no-op, so callers can wire it
// unconditionally and only construct a real one when RabbitMQ is
// configured.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher wraps an already-connected RabbitMQ client.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger}
}

// PublishFinal publishes a terminal envelope with a bounded timeout,
// independent of the caller's context, so a slow or unreachable broker
// never holds up the queue manager's finalize path. Errors are logged,
// never returned -- this is a best-effort sink.
func (p *Publisher) PublishFinal(env envelope.Envelope) {
	if p == nil || p.client == nil {
		return
	}

	body, err := json.Marshal(jobFinalMessage{Event: "job.final", Envelope: env})
	if err != nil {
		p.logger.Error("failed to encode job.final event", slog.Any("error", err), slog.String("job_id", env.JobID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.client.Publish(ctx, body, "application/json"); err != nil {
		p.logger.Warn("failed to publish job.final event",
			slog.Any("error", err),
			slog.String("job_id", env.JobID),
		)
	}
}

// Close releases the underlying RabbitMQ connection, if any.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

type jobFinalMessage struct {
	Event    string            `json:"event"`
	Envelope envelope.Envelope `json:"envelope"`
}
