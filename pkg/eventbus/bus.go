package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/365ddevotional-cloud/zibana-abuse-engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the envelope published on the bus
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Handler processes one event; returning an error leaves the message unacked
type Handler func(ctx context.Context, event *Event) error

// Bus is a thin NATS-backed publish/subscribe bus
type Bus struct {
	conn *nats.Conn
}

// NewBus connects to NATS at the given URL
func NewBus(url string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to nats: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Publish marshals data and publishes it under the given subject and event type.
// The write is flushed to the server within the context's deadline.
func (b *Bus) Publish(ctx context.Context, subject, eventType string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.conn.Publish(subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a queue subscription on the given subject. ctx bounds the
// subscription's lifetime: it is handed to every handler invocation, and once it
// is cancelled the subscription is drained and handlers stop receiving messages.
func (b *Bus) Subscribe(ctx context.Context, subject, queue string, handler Handler) error {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("eventbus: dropping malformed event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		if err := handler(ctx, &event); err != nil {
			logger.Error("eventbus: handler failed",
				zap.String("subject", msg.Subject),
				zap.String("type", event.Type),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return nil
}

// Close drains and closes the underlying connection
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}
