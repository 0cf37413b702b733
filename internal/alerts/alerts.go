// Package alerts fans safety escalations out to the supervisor notification
// pipeline over RabbitMQ.
package alerts

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/careloop/careloop-engine/internal/safety"
)

// Notification is one safety escalation event.
type Notification struct {
	SessionID   string       `json:"session_id"`
	CounselorID string       `json:"counselor_id"`
	Level       safety.Level `json:"level"`
	Severity    string       `json:"severity"`
	Explanation string       `json:"explanation"`
	Action      string       `json:"action,omitempty"`
	RaisedAt    time.Time    `json:"raised_at"`
}

// Publisher delivers safety notifications. Delivery is best effort: analysis
// never blocks or fails because the broker is down.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}

// AMQPPublisher publishes notifications to a durable queue with a retry queue
// and DLQ so no escalation is silently dropped downstream.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher connects to the broker and declares the queue topology.
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// retry queue dead-letters back to the main queue after its TTL
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mainQ,
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// main queue dead-letters to the DLQ on reject
	if _, err := ch.QueueDeclare(mainQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish sends one notification with a short delivery budget.
func (p *AMQPPublisher) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogPublisher records notifications to the process log. Used when no broker
// is configured, typically in development.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher creates a publisher that only logs.
func NewLogPublisher(logger *log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, n Notification) error {
	if p.logger != nil {
		p.logger.Printf("alert: session=%s level=%s severity=%s explanation=%q",
			n.SessionID, n.Level, n.Severity, n.Explanation)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
