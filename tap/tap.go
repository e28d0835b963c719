// Package tap defines the consumer registry for scan passes. A tap listener
// is an external statistics collector fed every dissected frame; its needs
// (protocol tree, own filter) influence how much work the scan engine does
// per record.
package tap

import (
	"github.com/Zerofisher/capfile/dissect"
	"github.com/Zerofisher/capfile/filter"
	"github.com/Zerofisher/capfile/frame"
)

// Listener consumes frames during a scan pass.
type Listener interface {
	// Name identifies the listener in logs.
	Name() string

	// NeedsTree reports whether the listener wants the full layer tree.
	NeedsTree() bool

	// Filter returns the listener's own predicate, or nil to see every
	// frame. A non-nil filter forces tree construction for the pass.
	Filter() *filter.Predicate

	// Packet is called once per scanned frame that passes the listener's
	// filter.
	Packet(f *frame.Frame, d *dissect.Dissection)

	// Reset is called at the start of every pass so accumulated state is
	// rebuilt from scratch.
	Reset()
}

// Registry is the session-owned list of registered listeners. Registration
// is explicit; there is no global registry.
type Registry struct {
	listeners []Listener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a listener. Registering during an active scan is not
// supported; callers do it between passes.
func (r *Registry) Register(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Unregister removes a previously registered listener.
func (r *Registry) Unregister(l Listener) {
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	return len(r.listeners)
}

// NeedsTree reports whether any listener requires a tree, either directly
// or because it applies its own filter.
func (r *Registry) NeedsTree() bool {
	for _, l := range r.listeners {
		if l.NeedsTree() || l.Filter() != nil {
			return true
		}
	}
	return false
}

// Reset tells every listener a new pass is starting.
func (r *Registry) Reset() {
	for _, l := range r.listeners {
		l.Reset()
	}
}

// Feed hands one dissected frame to every listener whose filter matches.
func (r *Registry) Feed(f *frame.Frame, d *dissect.Dissection) {
	for _, l := range r.listeners {
		if !l.Filter().Match(d) {
			continue
		}
		l.Packet(f, d)
	}
}
