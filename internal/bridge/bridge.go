// Package bridge is the only crossing point from a restricted rendering
// context into the host process.
//
// A Bridge is a capability object: it holds a single closure that enqueues an
// HTML document for the host and nothing else. The publisher behind it, the
// outbox lifecycle and any transport handle stay with the code that built the
// bridge and are never reachable from the value handed to the rendering side.
package bridge

// Namespace is the global name under which the bridge is exposed to a
// rendering context.
const Namespace = "electronAPI"

// MemberDownloadPDF is the single member of the exposed namespace.
const MemberDownloadPDF = "downloadPDF"

// Bridge exposes exactly one operation to the rendering context.
type Bridge struct {
	send func(html string)
}

// New returns a bridge that hands every DownloadPDF call to out.
func New(out *Outbox) *Bridge {
	return &Bridge{send: out.enqueue}
}

// DownloadPDF asks the host to render html and save it as a PDF. It returns
// immediately: there is no result, no error and no acknowledgement. Any
// string is accepted, including the empty document.
func (b *Bridge) DownloadPDF(html string) {
	if b == nil || b.send == nil {
		return
	}
	b.send(html)
}
