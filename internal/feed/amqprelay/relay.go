// Package amqprelay carries record change notices between server
// instances over a RabbitMQ fanout exchange, so a write handled by one
// instance reaches subscribers connected to another.
//
// Notices carry no record data. A receiving instance re-reads the record
// from the shared store and pushes it to its local subscribers.
package amqprelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
)

// Notice is the message published after a successful write.
type Notice struct {
	UserID    string    `json:"userId"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the local side a relay feeds into; *feed.Broker satisfies it.
type Notifier interface {
	Notify(ctx context.Context, userID string)
}

type Relay struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	queue    string
	origin   string
	notifier Notifier
	logger   *slog.Logger

	mu sync.Mutex // amqp091 channels are not safe for concurrent publishes
}

// Dial connects to url, declares the fanout exchange and binds a private
// queue for this instance.
func Dial(url, exchange string, notifier Notifier, logger *slog.Logger) (*Relay, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	r := &Relay{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		origin:   xid.New().String(),
		notifier: notifier,
		logger:   logger,
	}

	if err := r.setup(); err != nil {
		r.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}
	return r, nil
}

func (r *Relay) setup() error {
	err := r.channel.ExchangeDeclare(
		r.exchange, // name
		"fanout",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Server-named, exclusive and auto-deleted: one queue per instance,
	// gone when the instance disconnects.
	q, err := r.channel.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	r.queue = q.Name

	if err := r.channel.QueueBind(r.queue, "", r.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Origin identifies this instance in published notices.
func (r *Relay) Origin() string {
	return r.origin
}

// Publish announces that userID's record changed.
func (r *Relay) Publish(ctx context.Context, userID string) error {
	body, err := json.Marshal(Notice{
		UserID:    userID,
		Origin:    r.origin,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.channel.PublishWithContext(
		ctx,
		r.exchange, // exchange
		"",         // routing key, ignored by fanout
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}

	r.logger.Debug("published change notice",
		slog.String("userID", userID),
		slog.String("exchange", r.exchange),
	)
	return nil
}

// Run consumes notices until ctx is cancelled or the channel closes.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.channel.Consume(
		r.queue, // queue
		"",      // consumer
		true,    // auto-ack: a lost notice only delays one refresh
		true,    // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	r.logger.Info("relay consuming change notices",
		slog.String("exchange", r.exchange),
		slog.String("queue", r.queue),
		slog.String("origin", r.origin),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("amqprelay: delivery channel closed")
			}
			if err := r.handleDelivery(ctx, delivery.Body); err != nil {
				r.logger.Error("relay: dropping notice",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// handleDelivery decodes one notice and notifies local subscribers.
// Notices this instance published are skipped; the local broker already
// saw those writes.
func (r *Relay) handleDelivery(ctx context.Context, body []byte) error {
	var n Notice
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("unmarshal notice: %w", err)
	}
	if n.UserID == "" {
		return errors.New("notice without userId")
	}
	if n.Origin == r.origin {
		return nil
	}
	r.notifier.Notify(ctx, n.UserID)
	return nil
}

func (r *Relay) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
