/**
 * @description
 * This package provides a simple producer for publishing balance events to
 * RabbitMQ. It encapsulates connecting, declaring the durable topic exchange
 * and publishing JSON messages with a one-shot channel reopen on failure.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	PublishBalanceChangeRecorded(ctx context.Context, event domain.BalanceChangeRecordedEvent) error
	Close()
}

// channel is the subset of *amqp091.Channel the producer uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	exchange string
	conn     *amqp091.Connection
	channel  channel
	reopen   func() (channel, error)
	logger   *zap.Logger
}

// Fallback is a no-op publisher used when RabbitMQ is not configured or
// unavailable at startup.
type Fallback struct {
	logger *zap.Logger
}

// NewFallback creates a no-op publisher that logs skipped events.
func NewFallback(logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{logger: logger.With(zap.String("component", "rabbitmq_producer"), zap.String("mode", "fallback"))}
}

func (p *Fallback) Publish(_ context.Context, routingKey string, _ interface{}) error {
	p.logger.Debug("publish skipped", zap.String("routing_key", routingKey))
	return nil
}

func (p *Fallback) PublishBalanceChangeRecorded(ctx context.Context, event domain.BalanceChangeRecordedEvent) error {
	return p.Publish(ctx, domain.BalanceChangeRecordedRoutingKey, event)
}

func (p *Fallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters that precede the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer connects to RabbitMQ and declares exchange.
func NewEventProducer(amqpURL, exchange string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	openChannel := func() (channel, error) {
		return conn.Channel()
	}
	ch, err := openChannel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	p := newEventProducer(ch, openChannel, exchange, logger)
	p.conn = conn
	if err := p.declare(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return p, nil
}

func newEventProducer(ch channel, reopen func() (channel, error), exchange string, logger *zap.Logger) *EventProducer {
	return &EventProducer{
		exchange: exchange,
		channel:  ch,
		reopen:   reopen,
		logger:   logger.With(zap.String("component", "rabbitmq_producer"), zap.String("exchange", exchange)),
	}
}

func (p *EventProducer) declare() error {
	return p.channel.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	)
}

// Publish sends body as JSON to the producer's exchange with routingKey.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed; reopening channel", zap.String("routing_key", routingKey), zap.Error(err))

	// One-shot retry: reopen channel, re-declare exchange and try again
	if p.reopen == nil {
		return err
	}
	ch, chErr := p.reopen()
	if chErr != nil {
		return fmt.Errorf("publish failed: %w; reopen channel: %v", err, chErr)
	}
	_ = p.channel.Close()
	p.channel = ch
	if exErr := p.declare(); exErr != nil {
		return fmt.Errorf("publish failed: %w; re-declare exchange: %v", err, exErr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// PublishBalanceChangeRecorded publishes a committed balance change.
func (p *EventProducer) PublishBalanceChangeRecorded(ctx context.Context, event domain.BalanceChangeRecordedEvent) error {
	return p.Publish(ctx, domain.BalanceChangeRecordedRoutingKey, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
