package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/logging"
)

// Routing keys for photo lifecycle events.
const (
	PhotoAdded   = "photo.added"
	PhotoEvicted = "photo.evicted"
	PhotoDeleted = "photo.deleted"
)

// PhotoEvent is the JSON body of every lifecycle message.
type PhotoEvent struct {
	Type       string    `json:"type"`
	OwnerID    string    `json:"owner_id"`
	PhotoID    string    `json:"photo_id"`
	StorageKey string    `json:"storage_key"`
	Locked     bool      `json:"locked"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits photo lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event PhotoEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, PhotoEvent) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *zap.Logger
}

// DialAMQP connects to RabbitMQ and declares the exchange.
func DialAMQP(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, logging.NewOperationError("events.dial", exchange, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, logging.NewOperationError("events.channel", exchange, err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, logging.NewOperationError("events.declare_exchange", exchange, err)
	}

	p := newAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	p.logger.Info("rabbitmq publisher ready", zap.String("exchange", exchange))
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger *zap.Logger) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger.Named("event_publisher")}
}

// Publish sends event as a persistent JSON message routed by its type.
func (p *AMQPPublisher) Publish(ctx context.Context, event PhotoEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return logging.NewOperationError("events.publish", event.PhotoID, err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		event.Type, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
		},
	)
	if err != nil {
		return logging.NewOperationError("events.publish", event.PhotoID, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
