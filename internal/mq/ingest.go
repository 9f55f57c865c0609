package mq

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-dispatch-ledger/internal/domain"
	"github.com/tbourn/go-dispatch-ledger/internal/services"
)

// HeaderTaskID optionally carries the task id next to the raw payload.
const HeaderTaskID = "task_id"

// Appender is the EventLog contract used by the consumer.
type Appender interface {
	Append(ctx context.Context, payload []byte, taskID string) (*domain.WebhookEvent, error)
}

// Ingest appends every delivery to the event log until deliveries closes or
// ctx is done. A delivery is acked once stored; storage outages requeue it,
// anything else is dropped to the queue's dead-letter policy.
func Ingest(ctx context.Context, deliveries <-chan amqp.Delivery, app Appender, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handleDelivery(ctx, d, app, log)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, app Appender, log zerolog.Logger) {
	taskID, _ := d.Headers[HeaderTaskID].(string)

	ev, err := app.Append(ctx, d.Body, taskID)
	switch {
	case err == nil:
		_ = d.Ack(false)
		log.Debug().Str("event_id", ev.ID).Uint64("delivery_tag", d.DeliveryTag).Msg("ingested webhook event")
	case errors.Is(err, services.ErrPersistenceUnavailable), errors.Is(err, context.Canceled):
		_ = d.Nack(false, true)
		log.Warn().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("ingest requeued")
	default:
		_ = d.Nack(false, false)
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("ingest rejected")
	}
}
