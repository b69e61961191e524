package bridge

import (
	"context"
	"sync"
	"time"

	"pdfbridge/internal/ipc"
	"pdfbridge/internal/logging"
)

const defaultPublishTimeout = 5 * time.Second

// Outbox decouples DownloadPDF callers from the transport. Calls append to an
// unbounded FIFO and a single goroutine publishes them in order, so a slow or
// unreachable host never blocks the rendering context.
type Outbox struct {
	pub            ipc.Publisher
	channel        string
	publishTimeout time.Duration

	mu      sync.Mutex
	queue   []string
	started bool
	closing bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithPublishTimeout bounds a single publish attempt.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *Outbox) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

// WithChannel overrides the channel name. Only tests and hosts that speak a
// different wire name should need it.
func WithChannel(name string) Option {
	return func(o *Outbox) {
		if name != "" {
			o.channel = name
		}
	}
}

// NewOutbox creates an outbox publishing on ipc.DownloadPDF. Nothing is sent
// until Start is called; calls made before that are kept in order.
func NewOutbox(pub ipc.Publisher, opts ...Option) *Outbox {
	o := &Outbox{
		pub:            pub,
		channel:        ipc.DownloadPDF,
		publishTimeout: defaultPublishTimeout,
		notify:         make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the dispatcher. Calling it more than once has no effect.
func (o *Outbox) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.closing {
		return
	}
	o.started = true
	go o.run()
}

// Pending returns the number of messages not yet handed to the publisher.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops accepting messages, publishes what is already queued and waits
// for the dispatcher to finish or ctx to end.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return o.wait(ctx)
	}
	o.closing = true
	started := o.started
	o.mu.Unlock()

	if !started {
		// Never started: drain synchronously so queued calls are not lost.
		o.drain()
		close(o.done)
		return nil
	}
	close(o.stop)
	return o.wait(ctx)
}

func (o *Outbox) wait(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) enqueue(html string) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		logging.Warn("Bridge closed, download-pdf request not sent", "bytes", len(html))
		return
	}
	o.queue = append(o.queue, html)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) pop() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return "", false
	}
	html := o.queue[0]
	o.queue[0] = ""
	o.queue = o.queue[1:]
	return html, true
}

func (o *Outbox) run() {
	defer close(o.done)
	for {
		o.drain()
		select {
		case <-o.notify:
		case <-o.stop:
			o.drain()
			return
		}
	}
}

func (o *Outbox) drain() {
	for {
		html, ok := o.pop()
		if !ok {
			return
		}
		o.publish(html)
	}
}

func (o *Outbox) publish(html string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.publishTimeout)
	defer cancel()

	payload := []byte(html)
	if err := o.pub.Publish(ctx, o.channel, payload); err != nil {
		// The contract has no error channel; the failure is only visible here.
		logging.Error("Bridge publish failed",
			"channel", o.channel,
			"digest", ipc.Digest(payload),
			"bytes", len(payload),
			"error", err,
		)
		return
	}
	logging.Debug("Bridge message sent", "channel", o.channel, "bytes", len(payload))
}
