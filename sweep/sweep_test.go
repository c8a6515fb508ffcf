package sweep

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mydia/relay/registry"
	"github.com/mydia/relay/relayerrors"
	"github.com/mydia/relay/store"
	"github.com/mydia/relay/tunnel/protocol"
)

type closeRecorder struct {
	closed []relayerrors.Code
}

func (h *closeRecorder) Send(*protocol.Frame) error    { return nil }
func (h *closeRecorder) Close(reason relayerrors.Code) { h.closed = append(h.closed, reason) }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestSweepMarksStaleOffline(t *testing.T) {
	st := newStore(t)
	base := time.Now()
	st.SetClock(func() time.Time { return base })
	if _, _, err := st.RegisterInstance("i-1", make([]byte, store.PublicKeySize), nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := st.MarkOnline("i-1"); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}

	sw := New(DefaultConfig(), st, registry.New(), quietLogger(), nil)

	stale, _ := sw.Sweep()
	if stale != 0 {
		t.Fatalf("fresh instance swept: %d", stale)
	}

	st.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	stale, _ = sw.Sweep()
	if stale != 1 {
		t.Fatalf("stale count = %d, want 1", stale)
	}
	inst, err := st.GetInstance("i-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Online {
		t.Fatalf("instance still online after sweep")
	}
}

func TestSweepDeletesOldClaims(t *testing.T) {
	st := newStore(t)
	base := time.Now()
	st.SetClock(func() time.Time { return base })
	if _, _, err := st.RegisterInstance("i-1", make([]byte, store.PublicKeySize), nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	c, err := st.CreateClaim("i-1", "u1", 300*time.Second)
	if err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}

	sw := New(DefaultConfig(), st, registry.New(), quietLogger(), nil)
	if _, deleted := sw.Sweep(); deleted != 0 {
		t.Fatalf("live claim deleted")
	}

	st.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if _, deleted := sw.Sweep(); deleted != 1 {
		t.Fatalf("expired claim not deleted")
	}
	if _, err := st.GetClaim(c.ID); err != store.ErrNotFound {
		t.Fatalf("claim still present: %v", err)
	}
}

func TestSweepClosesStaleRegistrations(t *testing.T) {
	st := newStore(t)
	base := time.Now()
	st.SetClock(func() time.Time { return base })
	if _, _, err := st.RegisterInstance("i-1", make([]byte, store.PublicKeySize), nil); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	reg := registry.New()
	h := &closeRecorder{}
	reg.Register("i-1", h, nil)

	sw := New(DefaultConfig(), st, reg, quietLogger(), nil)
	sw.Sweep()
	if len(h.closed) != 0 {
		t.Fatalf("fresh registration closed")
	}

	st.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	sw.Sweep()
	if len(h.closed) != 1 || h.closed[0] != relayerrors.CodeInstanceOffline {
		t.Fatalf("stale registration not closed: %v", h.closed)
	}
}
