package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"pdfbridge/internal/chrome"
	"pdfbridge/internal/config"
	"pdfbridge/internal/logging"
)

const (
	acquireTimeout = 5 * time.Second
	settleDelay    = 200 * time.Millisecond
)

// Options are the print settings of one render.
type Options struct {
	Paper  config.PaperSize
	Margin float64
}

// Renderer turns an HTML document into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html string, opts Options) ([]byte, error)
}

// Chrome renders with headless Chrome, through a shared tab pool when
// chrome_pool_size > 0 and with one Chrome process per render otherwise.
type Chrome struct {
	cfg config.Config

	poolMu sync.Mutex
	pool   *chrome.Pool
}

// NewChrome returns a renderer for cfg. The pool is created on first use.
func NewChrome(cfg config.Config) *Chrome {
	return &Chrome{cfg: cfg}
}

// DefaultOptions returns the configured default paper and margin.
func (r *Chrome) DefaultOptions() Options {
	paper, _ := r.cfg.Paper(r.cfg.PDF.DefaultPaper)
	return Options{Paper: paper, Margin: r.cfg.PDF.Margin}
}

// Pool returns the shared tab pool, or nil when pooling is disabled.
func (r *Chrome) Pool() (*chrome.Pool, error) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	if r.cfg.PDF.ChromePoolSize <= 0 {
		return nil, nil
	}
	if r.pool != nil {
		return r.pool, nil
	}
	pool, err := chrome.NewPool(r.cfg)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	return r.pool, nil
}

// Close shuts the pool down if one was started.
func (r *Chrome) Close() {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
}

// Render prints html to PDF. An interrupted Chrome session restarts the pool
// and is retried once.
func (r *Chrome) Render(ctx context.Context, html string, opts Options) ([]byte, error) {
	pool, err := r.Pool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return renderWithChrome(ctx, html, opts, r.cfg)
	}

	runOnce := func() ([]byte, error) {
		acquireCtx, acquireCancel := context.WithTimeout(ctx, acquireTimeout)
		defer acquireCancel()

		tab, err := pool.Acquire(acquireCtx)
		if err != nil {
			return nil, fmt.Errorf("acquire chrome tab: %w", err)
		}

		tabCtx, cancel := context.WithTimeout(tab.Ctx, r.cfg.Timeout())
		stop := context.AfterFunc(ctx, cancel)
		pdfBuf, renderErr := renderInTab(tabCtx, html, opts)
		stop()
		cancel()

		pool.Release(tab, renderErr)
		return pdfBuf, renderErr
	}

	pdfBuf, renderErr := runOnce()
	if renderErr != nil && ctx.Err() == nil && chrome.IsSessionInterrupted(renderErr) && !errors.Is(renderErr, context.DeadlineExceeded) {
		logging.Warn("Chrome session interrupted; restarting pool and retrying once", "error", renderErr)
		_ = pool.Restart()
		return runOnce()
	}
	return pdfBuf, renderErr
}

// renderWithChrome starts a dedicated Chrome with a throwaway profile.
func renderWithChrome(ctx context.Context, html string, opts Options, cfg config.Config) ([]byte, error) {
	tmpDir, err := os.MkdirTemp(cfg.PDF.UserDataDir, "chromedata-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chrome.AllocatorOptions(cfg, tmpDir)...)
	defer allocCancel()
	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	chromeCtx, cancelTimeout := context.WithTimeout(chromeCtx, cfg.Timeout())
	defer cancelTimeout()

	return renderInTab(chromeCtx, html, opts)
}

// renderInTab loads html into a blank page of an existing tab and prints it.
func renderInTab(ctx context.Context, html string, opts Options) ([]byte, error) {
	var pdfBuf []byte
	err := chromedp.Run(ctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return waitForRenderReady(ctx, settleDelay)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfBuf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(opts.Paper.Width).
				WithPaperHeight(opts.Paper.Height).
				WithMarginTop(opts.Margin).
				WithMarginBottom(opts.Margin).
				WithMarginLeft(opts.Margin).
				WithMarginRight(opts.Margin).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdfBuf, nil
}

// waitForRenderReady gives web fonts and late layout a moment to settle.
func waitForRenderReady(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
