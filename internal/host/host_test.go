package host

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfbridge/internal/bridge"
	"pdfbridge/internal/config"
	"pdfbridge/internal/ipc"
	"pdfbridge/internal/pdfcache"
	"pdfbridge/internal/postgres"
	"pdfbridge/internal/render"
	"pdfbridge/internal/render/pdftest"
	"pdfbridge/internal/store"
)

type fakeRenderer struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	out      []byte
	err      error

	mu    sync.Mutex
	htmls []string
}

func (r *fakeRenderer) Render(ctx context.Context, html string, _ render.Options) ([]byte, error) {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	r.mu.Lock()
	r.htmls = append(r.htmls, html)
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.out != nil {
		return r.out, nil
	}
	return pdftest.Minimal(2), nil
}

func (r *fakeRenderer) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.htmls...)
}

type fakeLedger struct {
	mu      sync.Mutex
	exports []postgres.Export
	err     error
}

func (l *fakeLedger) Record(_ context.Context, e postgres.Export) (postgres.Export, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return e, l.err
	}
	l.exports = append(l.exports, e)
	return e, nil
}

var a4 = render.Options{Paper: config.PaperSize{Width: 8.27, Height: 11.69}, Margin: 0.4}

func newHost(t *testing.T, r render.Renderer, mutate func(*Options)) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Renderer:     r,
		Print:        a4,
		Store:        store.NewDir(dir),
		MaxHTMLBytes: 1 << 20,
		MaxPDFBytes:  1 << 20,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), dir
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestHandle_SavesPDF(t *testing.T) {
	r := &fakeRenderer{}
	ledger := &fakeLedger{}
	h, dir := newHost(t, r, func(o *Options) { o.Ledger = ledger })

	ack := h.Handle(context.Background(), []byte("<h1>Jane Doe</h1>"))
	require.Equal(t, ipc.AckSaved, ack.Status, ack.Error)
	assert.Equal(t, ipc.Digest([]byte("<h1>Jane Doe</h1>")), ack.Digest)
	assert.Equal(t, 2, ack.Pages)
	assert.FileExists(t, ack.Location)
	assert.Equal(t, 1, countFiles(t, dir))

	require.Len(t, ledger.exports, 1)
	assert.Equal(t, ack.Digest, ledger.exports[0].Digest)
	assert.Equal(t, ack.Location, ledger.exports[0].Location)
	assert.Equal(t, 2, ledger.exports[0].Pages)
}

func TestHandle_EmptyDocumentIsRendered(t *testing.T) {
	r := &fakeRenderer{}
	h, _ := newHost(t, r, nil)
	ack := h.Handle(context.Background(), nil)
	assert.Equal(t, ipc.AckSaved, ack.Status)
	assert.Equal(t, []string{""}, r.seen())
}

func TestHandle_Failures(t *testing.T) {
	tests := []struct {
		name     string
		renderer *fakeRenderer
		html     string
		mutate   func(*Options)
		renders  int32
		wantErr  string
	}{
		{
			name:     "html too large",
			renderer: &fakeRenderer{},
			html:     "<p>0123456789</p>",
			mutate:   func(o *Options) { o.MaxHTMLBytes = 5 },
			renders:  0,
			wantErr:  ErrHTMLTooLarge.Error(),
		},
		{
			name:     "pdf too large",
			renderer: &fakeRenderer{},
			html:     "<p>cv</p>",
			mutate:   func(o *Options) { o.MaxPDFBytes = 10 },
			renders:  1,
			wantErr:  ErrPDFTooLarge.Error(),
		},
		{
			name:     "render error",
			renderer: &fakeRenderer{err: errors.New("chrome crashed")},
			html:     "<p>cv</p>",
			renders:  1,
			wantErr:  "chrome crashed",
		},
		{
			name:     "unreadable pdf",
			renderer: &fakeRenderer{out: []byte("garbage")},
			html:     "<p>cv</p>",
			renders:  1,
			wantErr:  "pdf",
		},
		{
			name:     "store error",
			renderer: &fakeRenderer{},
			html:     "<p>cv</p>",
			mutate:   func(o *Options) { o.Store = store.NewDir("/dev/null/nope") },
			renders:  1,
			wantErr:  "save pdf",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, dir := newHost(t, tc.renderer, tc.mutate)
			ack := h.Handle(context.Background(), []byte(tc.html))
			assert.Equal(t, ipc.AckFailed, ack.Status)
			assert.Contains(t, ack.Error, tc.wantErr)
			assert.Empty(t, ack.Location)
			assert.Equal(t, tc.renders, tc.renderer.calls.Load())
			assert.Equal(t, 0, countFiles(t, dir))
		})
	}
}

func TestHandle_LedgerErrorDoesNotFailExport(t *testing.T) {
	h, _ := newHost(t, &fakeRenderer{}, func(o *Options) {
		o.Ledger = &fakeLedger{err: errors.New("db down")}
	})
	ack := h.Handle(context.Background(), []byte("<p>cv</p>"))
	assert.Equal(t, ipc.AckSaved, ack.Status)
}

func TestHandle_CacheHitSkipsRender(t *testing.T) {
	mrs := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mrs.Addr()})
	defer rdb.Close()

	r := &fakeRenderer{}
	h, dir := newHost(t, r, func(o *Options) { o.Cache = pdfcache.New(rdb, time.Hour) })

	first := h.Handle(context.Background(), []byte("<p>cv</p>"))
	second := h.Handle(context.Background(), []byte("<p>cv</p>"))
	require.Equal(t, ipc.AckSaved, first.Status)
	require.Equal(t, ipc.AckSaved, second.Status)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.NotEqual(t, first.Location, second.Location, "every request is saved as its own file")
	assert.Equal(t, 2, countFiles(t, dir))
}

type brokenCache struct{ sets atomic.Int32 }

func (c *brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("pdf cache read: connection refused")
}

func (c *brokenCache) Set(context.Context, string, []byte) error {
	c.sets.Add(1)
	return errors.New("pdf cache write: connection refused")
}

func TestHandle_CacheErrorsDoNotFailExport(t *testing.T) {
	r := &fakeRenderer{}
	cache := &brokenCache{}
	h, dir := newHost(t, r, func(o *Options) { o.Cache = cache })

	ack := h.Handle(context.Background(), []byte("<p>cv</p>"))
	assert.Equal(t, ipc.AckSaved, ack.Status)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int32(1), cache.sets.Load())
	assert.Equal(t, 1, countFiles(t, dir))
}

func TestHandle_PublishesAcks(t *testing.T) {
	bus := ipc.NewMemory()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var acks []ipc.Ack
	live := make(chan struct{})
	watchCtx := ipc.WithSubscribed(ctx, func(string) { close(live) })
	go func() {
		_ = bridge.WatchAcks(watchCtx, bus, func(a ipc.Ack) {
			mu.Lock()
			acks = append(acks, a)
			mu.Unlock()
		})
	}()
	<-live

	r := &fakeRenderer{}
	h, _ := newHost(t, r, func(o *Options) { o.Acks = bus })
	h.Handle(context.Background(), []byte("<p>ok</p>"))
	r.err = errors.New("boom")
	h.Handle(context.Background(), []byte("<p>bad</p>"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acks) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ipc.AckSaved, acks[0].Status)
	assert.Equal(t, ipc.Digest([]byte("<p>ok</p>")), acks[0].Digest)
	assert.Equal(t, ipc.AckFailed, acks[1].Status)
	assert.Contains(t, acks[1].Error, "boom")
}

func TestRun_BridgeToHost(t *testing.T) {
	bus := ipc.NewMemory()
	defer bus.Close()

	r := &fakeRenderer{}
	h, dir := newHost(t, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, bus) }()

	out := bridge.NewOutbox(bus)
	out.Start()
	b := bridge.New(out)
	b.DownloadPDF("<p>one</p>")
	b.DownloadPDF("<p>two</p>")
	b.DownloadPDF("<p>one</p>")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, out.Close(closeCtx))

	require.Eventually(t, func() bool { return countFiles(t, dir) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"<p>one</p>", "<p>two</p>", "<p>one</p>"}, r.seen())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRun_BoundedWorkers(t *testing.T) {
	bus := ipc.NewMemory()
	defer bus.Close()

	r := &fakeRenderer{delay: 50 * time.Millisecond}
	h, dir := newHost(t, r, func(o *Options) { o.Workers = 2 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx, bus) }()

	for i := 0; i < 6; i++ {
		require.NoError(t, bus.Publish(context.Background(), ipc.DownloadPDF, []byte("<p>cv</p>")))
	}

	require.Eventually(t, func() bool { return countFiles(t, dir) == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, r.maxSeen.Load(), int32(2))
	assert.GreaterOrEqual(t, r.maxSeen.Load(), int32(1))
}

func TestRun_InFlightJobsFinishOnShutdown(t *testing.T) {
	bus := ipc.NewMemory()
	defer bus.Close()

	r := &fakeRenderer{delay: 100 * time.Millisecond}
	h, dir := newHost(t, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, bus) }()

	require.NoError(t, bus.Publish(context.Background(), ipc.DownloadPDF, []byte("<p>cv</p>")))
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
	assert.Equal(t, 1, countFiles(t, dir))
}

// flakySubscriber refuses the first fails subscriptions, then hands over to next.
type flakySubscriber struct {
	fails    int32
	attempts atomic.Int32
	next     ipc.Subscriber
}

func (s *flakySubscriber) Subscribe(ctx context.Context, channel string, handle ipc.Handler) error {
	if s.attempts.Add(1) <= s.fails {
		return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	}
	return s.next.Subscribe(ctx, channel, handle)
}

func TestRun_RetriesFailedSubscribe(t *testing.T) {
	bus := ipc.NewMemory()
	defer bus.Close()

	r := &fakeRenderer{}
	h, dir := newHost(t, r, func(o *Options) {
		o.RetryMin = 5 * time.Millisecond
		o.RetryMax = 20 * time.Millisecond
	})
	sub := &flakySubscriber{fails: 3, next: bus}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, sub) }()

	require.Eventually(t, func() bool { return bus.Subscribers(ipc.DownloadPDF) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), sub.attempts.Load())

	require.NoError(t, bus.Publish(context.Background(), ipc.DownloadPDF, []byte("<p>cv</p>")))
	require.Eventually(t, func() bool { return countFiles(t, dir) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRun_StopsRetryingOnCancel(t *testing.T) {
	h, _ := newHost(t, &fakeRenderer{}, func(o *Options) { o.RetryMin = time.Hour })
	sub := &flakySubscriber{fails: 1 << 30}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, sub) }()

	require.Eventually(t, func() bool { return sub.attempts.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return while backing off")
	}
}

func TestRun_ReturnsWhenTransportClosed(t *testing.T) {
	bus := ipc.NewMemory()
	require.NoError(t, bus.Close())

	h, _ := newHost(t, &fakeRenderer{}, nil)
	err := h.Run(context.Background(), bus)
	assert.ErrorIs(t, err, ipc.ErrClosed)
}
