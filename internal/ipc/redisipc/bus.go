// Package redisipc carries bridge channels over Redis Pub/Sub.
package redisipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"pdfbridge/internal/ipc"
	"pdfbridge/internal/logging"
)

// Bus publishes and subscribes on Redis Pub/Sub channels named exactly like
// the ipc channel. Pub/Sub does not persist: a payload published while no host
// is subscribed is lost, which is the channel's documented failure mode when
// the host is not running.
type Bus struct {
	rdb *redis.Client

	mu     sync.Mutex
	closed bool
	subs   map[*redis.PubSub]struct{}
}

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, subs: make(map[*redis.PubSub]struct{})}
}

// Publish sends payload on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		return ipc.ErrClosed
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers messages on channel to handle until ctx is done or the
// bus is closed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle ipc.Handler) error {
	ps := b.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so publishes after Subscribe
	// has started are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return ipc.ErrClosed
	}
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ps)
		b.mu.Unlock()
		_ = ps.Close()
	}()

	logging.Info("Subscribed to channel", "channel", channel, "transport", "redis")
	ipc.Subscribed(ctx, channel)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ipc.ErrClosed
			}
			handle(ctx, []byte(msg.Payload))
		}
	}
}

// Close ends all active subscriptions. The redis client itself is left open.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ps := range b.subs {
		_ = ps.Close()
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
