package mq

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tbourn/go-dispatch-ledger/internal/services"
)

// Publisher is the subset of Client used to emit signals.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table, contentType string, persistent bool) error
}

// DeadLetterPublisher publishes ExceededRetries signals as persistent JSON
// messages.
type DeadLetterPublisher struct {
	Pub        Publisher
	Exchange   string
	RoutingKey string
}

// ExceededRetries implements services.DeadLetterSink.
func (p DeadLetterPublisher) ExceededRetries(ctx context.Context, sig services.ExceededRetries) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	headers := amqp.Table{"event_id": sig.EventID}
	if sig.TaskID != "" {
		headers[HeaderTaskID] = sig.TaskID
	}
	if err := p.Pub.Publish(ctx, p.Exchange, p.RoutingKey, body, headers, "application/json", true); err != nil {
		return fmt.Errorf("publish exceeded-retries %s: %w", sig.EventID, err)
	}
	return nil
}

var _ services.DeadLetterSink = DeadLetterPublisher{}
