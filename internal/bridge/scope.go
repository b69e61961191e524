package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pdfbridge/internal/ipc"
	"pdfbridge/internal/logging"
)

// Scope is the global namespace of one rendering context. Objects are
// injected once at initialization and cannot be replaced afterwards.
type Scope struct {
	mu      sync.RWMutex
	globals map[string]map[string]any
}

// NewScope returns an empty rendering-context namespace.
func NewScope() *Scope {
	return &Scope{globals: make(map[string]map[string]any)}
}

// ExposeInMainWorld installs api under key. The member map is copied so later
// changes by the caller do not leak into the rendering context.
func (s *Scope) ExposeInMainWorld(key string, api map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.globals[key]; exists {
		return fmt.Errorf("bridge: %q is already exposed", key)
	}
	members := make(map[string]any, len(api))
	for name, v := range api {
		members[name] = v
	}
	s.globals[key] = members
	return nil
}

// Lookup resolves key.member. Unknown objects and members are reported as
// not found.
func (s *Scope) Lookup(key, member string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.globals[key]
	if !ok {
		return nil, false
	}
	v, ok := obj[member]
	return v, ok
}

// Members lists the member names exposed under key.
func (s *Scope) Members(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.globals[key]))
	for name := range s.globals[key] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expose injects b into scope as Namespace.downloadPDF. The injected value is
// a plain func(string); neither the Bridge nor its outbox is reachable from it.
func Expose(scope *Scope, b *Bridge) error {
	return scope.ExposeInMainWorld(Namespace, map[string]any{
		MemberDownloadPDF: func(html string) { b.DownloadPDF(html) },
	})
}

// WatchAcks reports host acknowledgements published on ipc.DownloadPDFAck.
// It is an optional side channel for observability; the DownloadPDF contract
// does not depend on it. It blocks until ctx is done.
func WatchAcks(ctx context.Context, sub ipc.Subscriber, fn func(ipc.Ack)) error {
	return sub.Subscribe(ctx, ipc.DownloadPDFAck, func(_ context.Context, payload []byte) {
		ack, err := ipc.DecodeAck(payload)
		if err != nil {
			logging.Warn("Ignoring malformed ack", "error", err)
			return
		}
		fn(ack)
	})
}
