// Package registry maps instance ids to their live control-channel handlers.
// Lookups happen on every forwarded request, so the table is a concurrent map
// optimized for readers; a miss is a normal result, not an error.
package registry

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mydia/relay/relayerrors"
	"github.com/mydia/relay/tunnel/protocol"
)

// Handler is the control side of one instance connection. Implementations must
// be safe for concurrent use; Send enqueues a frame without blocking on I/O.
type Handler interface {
	Send(f *protocol.Frame) error
	Close(reason relayerrors.Code)
}

// Entry is one live registration.
type Entry struct {
	InstanceID   string
	Handler      Handler
	Metadata     map[string]string
	RegisteredAt time.Time
}

// Registry holds at most one entry per instance id.
type Registry struct {
	m *xsync.MapOf[string, *Entry]
}

func New() *Registry {
	return &Registry{m: xsync.NewMapOf[string, *Entry]()}
}

// Register installs a new entry and returns it along with the displaced one,
// if any. Reconnect wins: the caller is expected to fail the displaced side's
// pending requests and close its socket.
func (r *Registry) Register(instanceID string, h Handler, metadata map[string]string) (*Entry, *Entry) {
	e := &Entry{
		InstanceID:   instanceID,
		Handler:      h,
		Metadata:     metadata,
		RegisteredAt: time.Now(),
	}
	var displaced *Entry
	r.m.Compute(instanceID, func(old *Entry, loaded bool) (*Entry, bool) {
		if loaded {
			displaced = old
		}
		return e, false
	})
	return e, displaced
}

// Lookup returns the live entry for an instance, or nil.
func (r *Registry) Lookup(instanceID string) *Entry {
	e, _ := r.m.Load(instanceID)
	return e
}

// Unregister removes whatever entry is registered for the instance.
func (r *Registry) Unregister(instanceID string) {
	r.m.Delete(instanceID)
}

// UnregisterIf removes the entry only if it is still the given one, so a
// reconnect that displaced the caller is left untouched. Reports whether the
// entry was removed.
func (r *Registry) UnregisterIf(instanceID string, e *Entry) bool {
	removed := false
	r.m.Compute(instanceID, func(old *Entry, loaded bool) (*Entry, bool) {
		if loaded && old == e {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}

// Online reports whether the instance has a live registration.
func (r *Registry) Online(instanceID string) bool {
	_, ok := r.m.Load(instanceID)
	return ok
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	return r.m.Size()
}

// List snapshots the registered instance ids.
func (r *Registry) List() []string {
	out := make([]string, 0, r.m.Size())
	r.m.Range(func(id string, _ *Entry) bool {
		out = append(out, id)
		return true
	})
	return out
}
