package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig describes the RabbitMQ connection for usage events.
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPPublisher delivers usage events to a durable RabbitMQ queue.
type AMQPPublisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

// NewAMQPPublisher connects to RabbitMQ and declares the queue.
func NewAMQPPublisher(cfg AMQPConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "streamflow.usage"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	// Durable queue, events survive a broker restart.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}

	return &AMQPPublisher{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		logger: logger.With(zap.String("component", "events_amqp"), zap.String("queue", queue)),
	}, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, event UsageEvent) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp publisher not initialized")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish usage event: %w", err)
	}

	p.logger.Debug("usage event published",
		zap.String("session_id", event.SessionID),
		zap.Int("total_tokens", event.TotalTokens))
	return nil
}

// Close implements Publisher.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
