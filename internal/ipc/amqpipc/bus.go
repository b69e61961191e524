// Package amqpipc carries bridge channels over durable AMQP queues.
package amqpipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"pdfbridge/internal/ipc"
	"pdfbridge/internal/logging"
)

// Bus maps each ipc channel to a durable queue of the same name on the default
// exchange. Unlike Redis Pub/Sub, payloads published while the host is down
// wait in the queue.
type Bus struct {
	conn *amqp.Connection

	mu     sync.Mutex
	closed bool
}

// Dial connects to the broker at url.
func Dial(url string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("error connecting to RabbitMQ: %w", err)
	}
	return &Bus{conn: conn}, nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue, // queue name
		true,  // durable
		false, // auto-delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func publishing(payload []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "text/html; charset=utf-8",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	}
}

// Publish sends payload to the queue named channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ipc.ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, channel); err != nil {
		return fmt.Errorf("amqp declare %s: %w", channel, err)
	}
	if err := ch.Publish("", channel, false, false, publishing(payload)); err != nil {
		return fmt.Errorf("amqp publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe consumes the queue named channel until ctx is done or the
// connection is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle ipc.Handler) error {
	if b.isClosed() {
		return ipc.ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch, channel); err != nil {
		return fmt.Errorf("amqp declare %s: %w", channel, err)
	}
	msgs, err := ch.Consume(
		channel, // queue name
		"",      // consumer tag
		true,    // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", channel, err)
	}

	logging.Info("Subscribed to channel", "channel", channel, "transport", "amqp")
	ipc.Subscribed(ctx, channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ipc.ErrClosed
			}
			handle(ctx, msg.Body)
		}
	}
}

// Close closes the broker connection. Close is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
