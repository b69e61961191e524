package ipc

import (
	"context"
	"sync"
)

// Memory is an in-process transport. Every payload published on a channel is
// delivered, in publish order, to every subscriber of that channel. Payloads
// published while a channel has no subscriber are held until the first one
// arrives, so a host that starts late still sees them. Acks are the exception:
// an ack nobody is watching is dropped.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	channels map[string]*memChannel
	done     chan struct{}
}

type memChannel struct {
	subs    []*memSub
	pending [][]byte
}

type memSub struct {
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
}

// NewMemory returns an empty in-process transport.
func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]*memChannel),
		done:     make(chan struct{}),
	}
}

func (m *Memory) channel(name string) *memChannel {
	ch, ok := m.channels[name]
	if !ok {
		ch = &memChannel{}
		m.channels[name] = ch
	}
	return ch
}

// Publish enqueues payload for every subscriber of channel and returns
// without waiting for delivery.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := append([]byte(nil), payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ch := m.channel(channel)
	if len(ch.subs) == 0 {
		if channel != DownloadPDFAck {
			ch.pending = append(ch.pending, msg)
		}
		return nil
	}
	for _, s := range ch.subs {
		s.push(msg)
	}
	return nil
}

// Subscribe registers handle on channel and delivers payloads until ctx is
// done or the transport is closed. It returns ctx.Err() or ErrClosed.
func (m *Memory) Subscribe(ctx context.Context, channel string, handle Handler) error {
	s := &memSub{notify: make(chan struct{}, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.channel(channel)
	for _, msg := range ch.pending {
		s.push(msg)
	}
	ch.pending = nil
	ch.subs = append(ch.subs, s)
	m.mu.Unlock()
	Subscribed(ctx, channel)

	defer m.unsubscribe(channel, s)

	for {
		for {
			msg, ok := s.pop()
			if !ok {
				break
			}
			handle(ctx, msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case <-s.notify:
		}
	}
}

func (m *Memory) unsubscribe(channel string, s *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channel]
	if !ok {
		return
	}
	for i, cur := range ch.subs {
		if cur == s {
			ch.subs = append(ch.subs[:i], ch.subs[i+1:]...)
			break
		}
	}
}

// Pending returns the number of payloads held for channel until its first
// subscriber arrives.
func (m *Memory) Pending(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channel]; ok {
		return len(ch.pending)
	}
	return 0
}

// Subscribers returns the number of active subscribers on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channel]; ok {
		return len(ch.subs)
	}
	return 0
}

// Close stops all subscriptions. Close is idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

func (s *memSub) push(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memSub) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}
