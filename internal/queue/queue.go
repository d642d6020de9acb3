package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
)

const (
	// IngestQueue carries IngestMessage bodies for the worker.
	IngestQueue = "ingest_queue"
	// EventsExchange is the topic exchange run outcomes are published to.
	EventsExchange = "kg_events"

	// MaxRetries is how often a message is retried before it goes to the DLQ.
	MaxRetries = 10
	// RetryDelay is the TTL of the retry queue.
	RetryDelay = 10 * time.Second

	retriesHeader = "x-retries"
)

// Declarer is the part of a channel that declares topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
}

// Publisher is the part of a channel that publishes.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Connect dials RabbitMQ.
func Connect(cfg config.RabbitMQConfig) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("queue: connect to %s:%s: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// DLQName returns the dead-letter queue of name.
func DLQName(name string) string { return name + "_dlq" }

// RetryName returns the retry queue of name.
func RetryName(name string) string { return name + "_retry" }

// SetupQueues declares the events exchange and, for every name, a durable
// queue with its dead-letter queue and a retry queue whose messages
// dead-letter back into the main queue after RetryDelay.
func SetupQueues(ch Declarer, names ...string) error {
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare exchange %s: %w", EventsExchange, err)
	}

	for _, name := range names {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare %s: %w", name, err)
		}
		if _, err := ch.QueueDeclare(DLQName(name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare %s: %w", DLQName(name), err)
		}
		_, err := ch.QueueDeclare(RetryName(name), true, false, false, false, amqp091.Table{
			"x-message-ttl":             int32(RetryDelay / time.Millisecond),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		})
		if err != nil {
			return fmt.Errorf("queue: declare %s: %w", RetryName(name), err)
		}
	}
	return nil
}

// PublishFIFO publishes a persistent JSON message to queueName through the
// default exchange.
func PublishFIFO(ctx context.Context, ch Publisher, queueName string, data []byte, headers amqp091.Table) error {
	return ch.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishTopic publishes data to EventsExchange under topic.
func PublishTopic(ctx context.Context, ch Publisher, topic string, data []byte) error {
	return ch.PublishWithContext(ctx, EventsExchange, topic, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}
