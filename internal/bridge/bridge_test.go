package bridge

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfbridge/internal/ipc"
)

type sent struct {
	channel string
	payload string
}

// recordingPublisher records every publish and can be made to block or fail.
type recordingPublisher struct {
	mu    sync.Mutex
	msgs  []sent
	block chan struct{}
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, sent{channel: channel, payload: string(payload)})
	return p.err
}

func (p *recordingPublisher) snapshot() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDownloadPDF_SendsExactHTMLOnDownloadPDFChannel(t *testing.T) {
	pub := &recordingPublisher{}
	out := NewOutbox(pub)
	out.Start()
	b := New(out)

	b.DownloadPDF("<html><body>Resume</body></html>")
	require.NoError(t, out.Close(context.Background()))

	msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "download-pdf", msgs[0].channel)
	assert.Equal(t, "<html><body>Resume</body></html>", msgs[0].payload)
}

func TestDownloadPDF_EmptyDocumentIsDispatched(t *testing.T) {
	pub := &recordingPublisher{}
	out := NewOutbox(pub)
	out.Start()

	New(out).DownloadPDF("")
	require.NoError(t, out.Close(context.Background()))

	msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].payload)
}

func TestDownloadPDF_DoesNotBlockOnHost(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	out := NewOutbox(pub)
	out.Start()
	b := New(out)

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.DownloadPDF("<html>blocked host</html>")
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("DownloadPDF blocked while the host was not consuming")
	}

	close(pub.block)
	require.NoError(t, out.Close(context.Background()))
	assert.Len(t, pub.snapshot(), 100)
}

func TestDownloadPDF_SequentialCallsStayIndependentAndOrdered(t *testing.T) {
	pub := &recordingPublisher{}
	out := NewOutbox(pub)
	out.Start()
	b := New(out)

	b.DownloadPDF("a")
	b.DownloadPDF("b")
	b.DownloadPDF("a")
	require.NoError(t, out.Close(context.Background()))

	var got []string
	for _, m := range pub.snapshot() {
		got = append(got, m.payload)
	}
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestDownloadPDF_PublishErrorIsInvisibleToCaller(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("host not running")}
	out := NewOutbox(pub)
	out.Start()

	assert.NotPanics(t, func() { New(out).DownloadPDF("<html></html>") })
	require.NoError(t, out.Close(context.Background()))
	assert.Len(t, pub.snapshot(), 1)
}

func TestDownloadPDF_NilBridgeIsNoop(t *testing.T) {
	var b *Bridge
	assert.NotPanics(t, func() { b.DownloadPDF("x") })
	assert.NotPanics(t, func() { (&Bridge{}).DownloadPDF("x") })
}

func TestOutbox_QueuesBeforeStartAndDrainsOnClose(t *testing.T) {
	pub := &recordingPublisher{}
	out := NewOutbox(pub, WithChannel("custom"), WithPublishTimeout(time.Second))
	b := New(out)

	b.DownloadPDF("one")
	b.DownloadPDF("two")
	assert.Equal(t, 2, out.Pending())
	assert.Empty(t, pub.snapshot())

	require.NoError(t, out.Close(context.Background()))
	assert.Equal(t, 0, out.Pending())
	msgs := pub.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "custom", msgs[0].channel)
}

func TestOutbox_CallsAfterCloseAreNotSent(t *testing.T) {
	pub := &recordingPublisher{}
	out := NewOutbox(pub)
	out.Start()
	require.NoError(t, out.Close(context.Background()))
	require.NoError(t, out.Close(context.Background()))

	New(out).DownloadPDF("late")
	assert.Empty(t, pub.snapshot())
	assert.Equal(t, 0, out.Pending())
}

func TestOutbox_CloseHonoursContext(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	out := NewOutbox(pub, WithPublishTimeout(time.Minute))
	out.Start()
	New(out).DownloadPDF("stuck")
	waitFor(t, func() bool { return out.Pending() == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, out.Close(ctx), context.DeadlineExceeded)
	close(pub.block)
}

func TestBridge_ExposesOnlyDownloadPDF(t *testing.T) {
	typ := reflect.TypeOf(&Bridge{})
	require.Equal(t, 1, typ.NumMethod())
	assert.Equal(t, "DownloadPDF", typ.Method(0).Name)

	for i := 0; i < typ.Elem().NumField(); i++ {
		assert.False(t, typ.Elem().Field(i).IsExported(), "bridge field %s must not be exported", typ.Elem().Field(i).Name)
	}
}

func TestExpose_InjectsSingleMember(t *testing.T) {
	mem := ipc.NewMemory()
	defer mem.Close()

	out := NewOutbox(mem)
	out.Start()
	scope := NewScope()
	require.NoError(t, Expose(scope, New(out)))

	assert.Equal(t, []string{"downloadPDF"}, scope.Members(Namespace))
	for _, member := range []string{"send", "publish", "outbox", "invoke", "Close"} {
		_, ok := scope.Lookup(Namespace, member)
		assert.False(t, ok, "member %q must not be reachable", member)
	}
	_, ok := scope.Lookup("ipcRenderer", "send")
	assert.False(t, ok)

	v, ok := scope.Lookup(Namespace, MemberDownloadPDF)
	require.True(t, ok)
	fn, ok := v.(func(string))
	require.True(t, ok, "downloadPDF must be a plain func(string)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 1)
	go func() {
		_ = mem.Subscribe(ctx, ipc.DownloadPDF, func(_ context.Context, p []byte) { got <- string(p) })
	}()

	fn("<html><body>Resume</body></html>")
	select {
	case p := <-got:
		assert.Equal(t, "<html><body>Resume</body></html>", p)
	case <-time.After(2 * time.Second):
		t.Fatalf("host never observed the message")
	}
	require.NoError(t, out.Close(context.Background()))
}

func TestExpose_CannotBeReplaced(t *testing.T) {
	scope := NewScope()
	b := New(NewOutbox(&recordingPublisher{}))
	require.NoError(t, Expose(scope, b))
	assert.Error(t, Expose(scope, b))
}

func TestScope_CopiesMembers(t *testing.T) {
	scope := NewScope()
	api := map[string]any{"a": 1}
	require.NoError(t, scope.ExposeInMainWorld("ns", api))
	api["b"] = 2
	_, ok := scope.Lookup("ns", "b")
	assert.False(t, ok)
}

func TestWatchAcks_DecodesAndSkipsMalformed(t *testing.T) {
	mem := ipc.NewMemory()
	defer mem.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acks := make(chan ipc.Ack, 2)
	go func() { _ = WatchAcks(ctx, mem, func(a ipc.Ack) { acks <- a }) }()

	require.NoError(t, mem.Publish(ctx, ipc.DownloadPDFAck, []byte("{not json")))
	raw, err := ipc.Ack{Digest: "d", Status: ipc.AckSaved}.Encode()
	require.NoError(t, err)
	require.NoError(t, mem.Publish(ctx, ipc.DownloadPDFAck, raw))

	select {
	case a := <-acks:
		assert.Equal(t, "d", a.Digest)
		assert.Equal(t, ipc.AckSaved, a.Status)
	case <-time.After(2 * time.Second):
		t.Fatalf("ack not observed")
	}
}
