package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"pdfbridge/internal/config"
	"pdfbridge/internal/logging"
)

var (
	// ErrPoolDisabled is returned by NewPool when chrome_pool_size is not positive.
	ErrPoolDisabled = errors.New("chrome pool disabled")
	// ErrPoolClosed is returned when acquiring from or restarting a closed pool.
	ErrPoolClosed = errors.New("chrome pool closed")
)

// Tab is one leased browser tab.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Enabled      bool      `json:"enabled"`
	Capacity     int       `json:"capacity"`
	Idle         int       `json:"idle"`
	InUse        int       `json:"in_use"`
	PoolSizeConf int       `json:"pool_size_conf"`
	ProfileDir   string    `json:"profile_dir"`
	TimeoutSecs  int       `json:"timeout_secs"`
	Restarts     int       `json:"restarts"`
	LastRestart  time.Time `json:"last_restart"`
}

// Pool shares one Chrome process between a fixed number of concurrent tabs.
type Pool struct {
	cfg config.Config

	mu            sync.Mutex
	sem           chan struct{}
	profileDir    string
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        bool
	restarts      int
	lastRestart   time.Time
}

// NewPool starts the allocator for a pool of cfg.PDF.ChromePoolSize tabs.
// Chrome itself is launched lazily by the first render.
func NewPool(cfg config.Config) (*Pool, error) {
	size := cfg.PDF.ChromePoolSize
	if size <= 0 {
		return nil, ErrPoolDisabled
	}

	p := &Pool{
		cfg: cfg,
		sem: make(chan struct{}, size),
	}
	if err := p.startBrowser(); err != nil {
		return nil, err
	}
	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}
	logging.Info("Chrome pool ready", "size", size, "profile_dir", p.profileDir)
	return p, nil
}

// startBrowser must be called with mu held or before the pool is shared.
func (p *Pool) startBrowser() error {
	dir, err := createProfileDir(p.cfg)
	if err != nil {
		return fmt.Errorf("cannot create chrome profile dir: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(p.cfg, dir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p.profileDir = dir
	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	return nil
}

func (p *Pool) stopBrowser() {
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	if p.profileDir != "" {
		_ = os.RemoveAll(p.profileDir)
	}
}

func createProfileDir(cfg config.Config) (string, error) {
	base := cfg.PDF.UserDataDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, "chrome-profile-*")
}

// Acquire waits for a free tab until ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	closed, sem := p.closed, p.sem
	p.mu.Unlock()
	if closed || sem == nil {
		return nil, ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sem:
	}

	p.mu.Lock()
	browserCtx := p.browserCtx
	p.mu.Unlock()
	if browserCtx == nil {
		sem <- struct{}{}
		return nil, ErrPoolClosed
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	return &Tab{Ctx: tabCtx, cancel: cancel}, nil
}

// Release closes the tab and returns its slot. renderErr is the outcome of
// the work done in the tab; an interrupted session is logged.
func (p *Pool) Release(tab *Tab, renderErr error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}
	if renderErr != nil && IsSessionInterrupted(renderErr) {
		logging.Warn("Chrome tab released after interrupted session", "error", renderErr)
	}

	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()
	if sem == nil {
		return
	}
	select {
	case sem <- struct{}{}:
	default:
	}
}

// Restart replaces the browser process and its profile directory.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.stopBrowser()
	if err := p.startBrowser(); err != nil {
		return err
	}
	p.restarts++
	p.lastRestart = time.Now()
	logging.Warn("Chrome pool restarted", "restarts", p.restarts, "profile_dir", p.profileDir)
	return nil
}

// Stats reports usage. timeoutSecs is echoed for the stats endpoint.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Enabled:      !p.closed,
		PoolSizeConf: p.cfg.PDF.ChromePoolSize,
		ProfileDir:   p.profileDir,
		TimeoutSecs:  timeoutSecs,
		Restarts:     p.restarts,
		LastRestart:  p.lastRestart,
	}
	if p.sem != nil && !p.closed {
		s.Capacity = cap(p.sem)
		s.Idle = len(p.sem)
		s.InUse = s.Capacity - s.Idle
	}
	return s
}

// Close shuts Chrome down and removes the profile directory. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopBrowser()
}

// IsSessionInterrupted reports whether err means the tab or browser went away
// mid-render, as opposed to a problem with the document itself.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"target closed", "session closed", "websocket", "browser closed", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
