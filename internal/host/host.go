// Package host is the privileged side of the download-pdf channel: it turns
// each HTML payload into a PDF and saves it.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pdfbridge/internal/ipc"
	"pdfbridge/internal/logging"
	"pdfbridge/internal/pdfcache"
	"pdfbridge/internal/postgres"
	"pdfbridge/internal/render"
	"pdfbridge/internal/store"
)

var (
	// ErrHTMLTooLarge rejects documents above the configured input limit.
	ErrHTMLTooLarge = errors.New("html exceeds allowed size")
	// ErrPDFTooLarge rejects renders above the configured output limit.
	ErrPDFTooLarge = errors.New("pdf exceeds allowed size")
)

// Cache is the subset of pdfcache.Cache the host needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

// Recorder persists a saved export.
type Recorder interface {
	Record(ctx context.Context, e postgres.Export) (postgres.Export, error)
}

// Options wires a Host. Renderer and Store are required.
type Options struct {
	Renderer render.Renderer
	Print    render.Options
	Store    store.Store
	Cache    Cache
	Ledger   Recorder
	// Acks receives an ipc.Ack per message on ipc.DownloadPDFAck when set.
	Acks ipc.Publisher

	Workers      int
	MaxHTMLBytes int
	MaxPDFBytes  int

	// RetryMin and RetryMax bound the backoff between attempts to subscribe
	// to ipc.DownloadPDF. Default to 500ms and 30s.
	RetryMin time.Duration
	RetryMax time.Duration

	// Name returns the file name for the next export. Defaults to store.NewName.
	Name func() string
	Now  func() time.Time
}

// Host consumes download-pdf messages.
type Host struct {
	opts Options
}

// New returns a host for opts.
func New(opts Options) *Host {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Name == nil {
		opts.Name = store.NewName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 500 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = max(30*time.Second, opts.RetryMin)
	}
	return &Host{opts: opts}
}

// Run subscribes to ipc.DownloadPDF on sub and processes messages with a
// bounded set of workers until ctx is done. Messages are taken off the channel
// in order; jobs may finish out of order. In-flight jobs complete before Run
// returns. A subscription that fails or drops is retried with backoff; Run
// only gives up when the transport reports ipc.ErrClosed.
func (h *Host) Run(ctx context.Context, sub ipc.Subscriber) error {
	jobs := make(chan []byte)
	var wg sync.WaitGroup
	for i := 0; i < h.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range jobs {
				// Jobs already accepted are finished even during shutdown.
				h.Handle(context.WithoutCancel(ctx), payload)
			}
		}()
	}

	logging.Info("Listening for PDF requests", "channel", ipc.DownloadPDF, "workers", h.opts.Workers)
	err := h.subscribe(ctx, sub, func(ctx context.Context, payload []byte) {
		select {
		case jobs <- payload:
		case <-ctx.Done():
			logging.Warn("Dropping PDF request on shutdown", "digest", ipc.Digest(payload))
		}
	})
	close(jobs)
	wg.Wait()
	return err
}

// subscribe keeps a subscription on ipc.DownloadPDF alive until ctx is done.
func (h *Host) subscribe(ctx context.Context, sub ipc.Subscriber, handle ipc.Handler) error {
	wait := h.opts.RetryMin
	for {
		err := sub.Subscribe(ctx, ipc.DownloadPDF, handle)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ipc.ErrClosed) {
			return err
		}
		logging.Warn("Subscription to PDF requests failed; retrying", "channel", ipc.DownloadPDF, "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, h.opts.RetryMax)
	}
}

// Handle renders and saves one HTML document and returns its outcome. When
// acks are enabled the outcome is also published on ipc.DownloadPDFAck.
func (h *Host) Handle(ctx context.Context, payload []byte) ipc.Ack {
	start := h.opts.Now()
	ack := ipc.Ack{Digest: ipc.Digest(payload)}

	loc, pdf, pages, err := h.export(ctx, ack.Digest, payload)
	ack.At = h.opts.Now().UTC()
	if err != nil {
		ack.Status = ipc.AckFailed
		ack.Error = err.Error()
		logging.Error("PDF export failed", "digest", ack.Digest, "error", err)
	} else {
		ack.Status = ipc.AckSaved
		ack.Location = loc
		ack.Bytes = len(pdf)
		ack.Pages = pages
		logging.Info("PDF saved", "digest", ack.Digest, "location", loc, "bytes", len(pdf), "pages", pages, "took", h.opts.Now().Sub(start))
	}

	h.publishAck(ctx, ack)
	return ack
}

func (h *Host) export(ctx context.Context, digest string, payload []byte) (string, []byte, int, error) {
	if h.opts.MaxHTMLBytes > 0 && len(payload) > h.opts.MaxHTMLBytes {
		return "", nil, 0, fmt.Errorf("%w: %d > %d bytes", ErrHTMLTooLarge, len(payload), h.opts.MaxHTMLBytes)
	}
	html := string(payload)

	pdf, err := h.pdf(ctx, html)
	if err != nil {
		return "", nil, 0, err
	}

	pages, err := render.PageCount(pdf)
	if err != nil {
		return "", nil, 0, err
	}

	loc, err := h.opts.Store.Save(ctx, h.opts.Name(), pdf)
	if err != nil {
		return "", nil, 0, fmt.Errorf("save pdf: %w", err)
	}

	if h.opts.Ledger != nil {
		if _, err := h.opts.Ledger.Record(ctx, postgres.Export{Digest: digest, Location: loc, Bytes: len(pdf), Pages: pages}); err != nil {
			logging.Warn("Failed to record export", "digest", digest, "error", err)
		}
	}
	return loc, pdf, pages, nil
}

// pdf returns the cached render of html or renders it.
func (h *Host) pdf(ctx context.Context, html string) ([]byte, error) {
	var key string
	if h.opts.Cache != nil {
		key = pdfcache.Key(html, h.opts.Print)
		cached, ok, err := h.opts.Cache.Get(ctx, key)
		if err != nil {
			logging.Warn("PDF cache unavailable; rendering", "error", err)
		}
		if ok {
			return cached, nil
		}
	}

	pdf, err := h.opts.Renderer.Render(ctx, html, h.opts.Print)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	if h.opts.MaxPDFBytes > 0 && len(pdf) > h.opts.MaxPDFBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPDFTooLarge, len(pdf), h.opts.MaxPDFBytes)
	}

	if h.opts.Cache != nil {
		if err := h.opts.Cache.Set(ctx, key, pdf); err != nil {
			logging.Warn("Failed to cache PDF", "error", err)
		}
	}
	return pdf, nil
}

func (h *Host) publishAck(ctx context.Context, ack ipc.Ack) {
	if h.opts.Acks == nil {
		return
	}
	payload, err := ack.Encode()
	if err != nil {
		logging.Error("Failed to encode ack", "digest", ack.Digest, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.opts.Acks.Publish(ctx, ipc.DownloadPDFAck, payload); err != nil {
		logging.Warn("Failed to publish ack", "digest", ack.Digest, "error", err)
	}
}
