// Package pending correlates forwarded client requests with the responses
// arriving on instance control channels. A waiter is registered before the
// request frame is written, so a fast response can never miss it; duplicate
// responses resolve only the first and are dropped silently.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mydia/relay/tunnel/protocol"
)

var (
	ErrTimeout            = errors.New("request timed out")
	ErrTunnelDisconnected = errors.New("tunnel disconnected")
	ErrDuplicateRequest   = errors.New("duplicate request id")
	ErrStreamTooLarge     = errors.New("streamed response too large")
)

// Result is the terminal outcome delivered to a waiter.
type Result struct {
	Payload  json.RawMessage
	Error    *protocol.ErrorBody
	Stream   []byte
	Streamed bool
}

type outcome struct {
	result Result
	err    error
}

// Waiter receives exactly one outcome for one request id.
type Waiter struct {
	requestID    string
	instanceID   string
	registeredAt time.Time

	once sync.Once
	ch   chan outcome

	mu     sync.Mutex
	stream []byte
}

func (w *Waiter) complete(o outcome) {
	w.once.Do(func() { w.ch <- o })
}

// Table tracks in-flight forwarded requests.
type Table struct {
	m              *xsync.MapOf[string, *Waiter]
	maxStreamBytes int
}

// New builds a table. maxStreamBytes bounds assembled streamed responses;
// zero applies a 16 MiB default.
func New(maxStreamBytes int) *Table {
	if maxStreamBytes <= 0 {
		maxStreamBytes = 16 << 20
	}
	return &Table{
		m:              xsync.NewMapOf[string, *Waiter](),
		maxStreamBytes: maxStreamBytes,
	}
}

// Register installs a waiter for a request id. The caller must register before
// writing the forward frame to the instance channel.
func (t *Table) Register(instanceID, requestID string) (*Waiter, error) {
	w := &Waiter{
		requestID:    requestID,
		instanceID:   instanceID,
		registeredAt: time.Now(),
		ch:           make(chan outcome, 1),
	}
	if _, loaded := t.m.LoadOrStore(requestID, w); loaded {
		return nil, ErrDuplicateRequest
	}
	return w, nil
}

// Await blocks until the waiter resolves, the timeout elapses, or the context
// is canceled. The timeout is measured from this call. The waiter is always
// removed from the table before Await returns.
func (t *Table) Await(ctx context.Context, w *Waiter, timeout time.Duration) (Result, error) {
	defer t.m.Delete(w.requestID)

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case o := <-w.ch:
		return o.result, o.err
	case <-timer:
		w.complete(outcome{err: ErrTimeout})
		o := <-w.ch
		return o.result, o.err
	case <-ctx.Done():
		w.complete(outcome{err: ctx.Err()})
		o := <-w.ch
		return o.result, o.err
	}
}

// Resolve delivers the terminal response for a request id. Reports false when
// no waiter is registered, which the caller treats as a duplicate to drop.
func (t *Table) Resolve(requestID string, r Result) bool {
	w, ok := t.m.LoadAndDelete(requestID)
	if !ok {
		return false
	}
	w.complete(outcome{result: r})
	return true
}

// Chunk appends one streamed piece for a request id. Order follows frame
// arrival order, which the control channel guarantees.
func (t *Table) Chunk(requestID string, data []byte) bool {
	w, ok := t.m.Load(requestID)
	if !ok {
		return false
	}
	w.mu.Lock()
	overflow := len(w.stream)+len(data) > t.maxStreamBytes
	if !overflow {
		w.stream = append(w.stream, data...)
	}
	w.mu.Unlock()
	if overflow {
		t.fail(requestID, ErrStreamTooLarge)
	}
	return true
}

// EndStream resolves a streamed request with its assembled body.
func (t *Table) EndStream(requestID string) bool {
	w, ok := t.m.LoadAndDelete(requestID)
	if !ok {
		return false
	}
	w.mu.Lock()
	body := w.stream
	w.stream = nil
	w.mu.Unlock()
	w.complete(outcome{result: Result{Stream: body, Streamed: true}})
	return true
}

// FailAll fails every waiter registered against an instance. It runs
// synchronously so disconnect teardown observes the final count.
func (t *Table) FailAll(instanceID string, reason error) int {
	if reason == nil {
		reason = ErrTunnelDisconnected
	}
	var ids []string
	t.m.Range(func(id string, w *Waiter) bool {
		if w.instanceID == instanceID {
			ids = append(ids, id)
		}
		return true
	})
	n := 0
	for _, id := range ids {
		if t.fail(id, reason) {
			n++
		}
	}
	return n
}

// Delete drops a waiter without resolving it.
func (t *Table) Delete(requestID string) {
	t.m.Delete(requestID)
}

// Count returns the number of in-flight requests.
func (t *Table) Count() int {
	return t.m.Size()
}

func (t *Table) fail(requestID string, reason error) bool {
	w, ok := t.m.LoadAndDelete(requestID)
	if !ok {
		return false
	}
	w.complete(outcome{err: reason})
	return true
}
