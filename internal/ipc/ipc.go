// Package ipc defines the named one-way message channels between a rendering
// context and the host process, and an in-process transport for them.
package ipc

import (
	"context"
	"errors"
)

// DownloadPDF is the channel a rendering context uses to ask the host to
// render and save an HTML document as PDF. The payload is the HTML text.
// The name is part of the wire contract with independently built hosts.
const DownloadPDF = "download-pdf"

// DownloadPDFAck is the optional acknowledgement channel. The host publishes
// an Ack here after handling a DownloadPDF message when acks are enabled.
const DownloadPDFAck = "download-pdf:ack"

// ErrClosed is returned when publishing to or subscribing on a closed transport.
var ErrClosed = errors.New("ipc: transport is closed")

// Publisher sends a payload on a named channel. It does not wait for any
// consumer to handle it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Handler receives one payload. Handlers for a single subscription are
// called sequentially in delivery order.
type Handler func(ctx context.Context, payload []byte)

// Subscriber delivers payloads published on a channel to handle until ctx is
// done or the transport is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handle Handler) error
}

// Transport is a bidirectional channel implementation.
type Transport interface {
	Publisher
	Subscriber
	Close() error
}

type subscribedKey struct{}

// WithSubscribed returns a copy of ctx that makes transports call fn once a
// subscription made with it is live, meaning payloads published from then on
// reach the handler.
func WithSubscribed(ctx context.Context, fn func(channel string)) context.Context {
	return context.WithValue(ctx, subscribedKey{}, fn)
}

// Subscribed reports a live subscription on channel to the hook installed by
// WithSubscribed, if any. Transports call it from Subscribe.
func Subscribed(ctx context.Context, channel string) {
	if fn, ok := ctx.Value(subscribedKey{}).(func(string)); ok && fn != nil {
		fn(channel)
	}
}
