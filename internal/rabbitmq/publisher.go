package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
)

const (
	ExchangeName = "workspace"
	ExchangeType = "topic"
	QueueStatus  = "workspace.session.status"
)

// SessionStatusMessage is the body published for every session event.
type SessionStatusMessage struct {
	EventType string               `json:"event_type"`
	Timestamp string               `json:"timestamp"`
	Payload   SessionStatusPayload `json:"payload"`
}

type SessionStatusPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Publisher sends session events to the workspace exchange. It implements events.Sink.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  zerolog.Logger
}

func NewPublisher(rabbitMQURL string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(rabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueStatus,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare status queue: %w", err)
	}

	err = ch.QueueBind(
		QueueStatus,
		"session.*",
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind status queue: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		channel: ch,
		logger:  logger.With().Str("component", "rabbitmq-publisher").Logger(),
	}
	p.logger.Info().Str("exchange", ExchangeName).Msg("RabbitMQ publisher connected")
	return p, nil
}

func (p *Publisher) Name() string { return "rabbitmq" }

// RoutingKey is session.<event type>.
func RoutingKey(e events.Event) string {
	return "session." + e.Type
}

func buildPublishing(e events.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(SessionStatusMessage{
		EventType: e.Type,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload: SessionStatusPayload{
			SessionID: e.SessionID,
			UserID:    e.UserID,
			Status:    e.Status,
			Message:   e.Message,
		},
	})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Timestamp,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	msg, err := buildPublishing(e)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, ExchangeName, RoutingKey(e), false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("Error closing RabbitMQ channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
