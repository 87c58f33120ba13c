package mq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/example/helpdesk/backend/internal/logging"
)

// ChangeEvent is the payload announced whenever a document in a collection is written.
type ChangeEvent struct {
	Collection string    `json:"collection"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RoutingKey returns the topic routing key for changes to collection.
func RoutingKey(collection string) string {
	return collection + ".changed"
}

// RabbitBus publishes and consumes change events on a RabbitMQ topic exchange. Every
// listener gets its own exclusive, auto-deleted queue so each one sees every event.
type RabbitBus struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	mu       sync.Mutex
}

// NewRabbitBus connects to RabbitMQ and declares the change exchange.
func NewRabbitBus(url, exchange string) (*RabbitBus, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &RabbitBus{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish serializes a ChangeEvent to JSON and sends it to the exchange.
func (b *RabbitBus) Publish(ctx context.Context, collection string) error {
	body, err := json.Marshal(ChangeEvent{Collection: collection, OccurredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel.PublishWithContext(ctx, b.exchange, RoutingKey(collection), false, false, amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Listen binds a private queue to collection's routing key and calls notify per event.
func (b *RabbitBus) Listen(ctx context.Context, collection string, notify func()) (<-chan error, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare queue")
	}
	if err := ch.QueueBind(q.Name, RoutingKey(collection), b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "bind queue")
	}
	deliveries, err := ch.Consume(q.Name, "listener-"+uuid.NewString(), true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "consume")
	}
	closed := ch.NotifyClose(make(chan *amqp091.Error, 1))

	errs := make(chan error, 1)
	go func() {
		defer func() {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
				logging.Debug().Err(err).Msg("close listener channel")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case amqpErr, ok := <-closed:
				if ok && amqpErr != nil {
					errs <- amqpErr
				} else {
					errs <- errors.New("rabbitmq channel closed")
				}
				return
			case _, ok := <-deliveries:
				if !ok {
					if ctx.Err() == nil {
						errs <- errors.New("rabbitmq deliveries closed")
					}
					return
				}
				notify()
			}
		}
	}()
	return errs, nil
}

// Ping reports whether the connection is still open.
func (b *RabbitBus) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	return nil
}

// Close terminates the connection.
func (b *RabbitBus) Close() error {
	if b == nil {
		return nil
	}
	if err := b.channel.Close(); err != nil {
		logging.Warn().Err(err).Msg("close channel")
	}
	return b.conn.Close()
}
