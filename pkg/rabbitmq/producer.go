/**
 * @description
 * This package provides a producer for publishing ledger events to
 * RabbitMQ. Committed and reversed transactions are announced on a topic
 * exchange so downstream consumers (notifications, reporting) can react
 * without coupling to the ledger's request path.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// LedgerExchange is the topic exchange ledger events are published to.
const LedgerExchange = "ledger.events"

// TransactionEvent is the payload announced for every committed or
// reversed transaction. Amounts travel as decimal strings.
type TransactionEvent struct {
	ID                   uuid.UUID  `json:"id"`
	Type                 string     `json:"type"`
	Status               string     `json:"status"`
	Amount               string     `json:"amount"`
	Fee                  string     `json:"fee"`
	Currency             string     `json:"currency"`
	SourceAccountID      uuid.UUID  `json:"source_account_id"`
	DestinationAccountID *uuid.UUID `json:"destination_account_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
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

// NewEventProducer connects to RabbitMQ and declares the ledger exchange.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial timeout so startup does not hang indefinitely.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(LedgerExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// PublishTransactionEvent publishes one event with the given routing key.
func (p *EventProducer) PublishTransactionEvent(ctx context.Context, routingKey string, event TransactionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.channel.PublishWithContext(publishCtx, LedgerExchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close shuts down the channel and connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// EventProducerFallback is a no-op publisher used when RabbitMQ is
// unavailable at startup; the ledger keeps committing without events.
type EventProducerFallback struct{}

func (p *EventProducerFallback) PublishTransactionEvent(ctx context.Context, routingKey string, event TransactionEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" routing_key=%s transaction_id=%s", routingKey, event.ID)
	return nil
}

func (p *EventProducerFallback) Close() {}
