// Package events publishes scenario lifecycle events to RabbitMQ. Publishing
// is best effort: a failed publish is reported to the caller, who logs it and
// carries on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

// QueueScenarioCalculated receives one message per committed recomputation.
const QueueScenarioCalculated = "scenario.calculated"

// ScenarioCalculated is published after a payout set has been replaced.
type ScenarioCalculated struct {
	ScenarioID       string          `json:"scenario_id"`
	CompanyID        string          `json:"company_id"`
	ExitAmount       decimal.Decimal `json:"exit_amount"`
	Currency         string          `json:"currency"`
	EquityTotal      decimal.Decimal `json:"equity_total"`
	ConvertibleTotal decimal.Decimal `json:"convertible_total"`
	Unallocated      decimal.Decimal `json:"unallocated"`
	PayoutCount      int             `json:"payout_count"`
	CalculatedAt     time.Time       `json:"calculated_at"`
}

// Publisher sends scenario events somewhere.
type Publisher interface {
	PublishScenarioCalculated(ctx context.Context, ev ScenarioCalculated) error
	Close() error
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishScenarioCalculated(context.Context, ScenarioCalculated) error { return nil }
func (Nop) Close() error                                                        { return nil }

// AMQPPublisher publishes JSON events to a durable queue on the default
// exchange. Messages are marked persistent.
type AMQPPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher dials url and declares the scenario.calculated queue.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel open: %w", err)
	}

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		QueueScenarioCalculated, // name
		true,                    // durable
		false,                   // autoDelete
		false,                   // exclusive
		false,                   // noWait
		nil,                     // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: queue declare: %w", err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: QueueScenarioCalculated}, nil
}

func (p *AMQPPublisher) PublishScenarioCalculated(ctx context.Context, ev ScenarioCalculated) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    ev.ScenarioID + ":" + ev.CalculatedAt.UTC().Format(time.RFC3339Nano),
		Body:         body,
	}

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}
