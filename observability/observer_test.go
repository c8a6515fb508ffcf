package observability

import (
	"testing"
	"time"
)

type countingObserver struct {
	conns    []int64
	hellos   []HelloResult
	forwards []ForwardOutcome
}

func (o *countingObserver) ConnCount(n int64)            { o.conns = append(o.conns, n) }
func (o *countingObserver) Hello(r HelloResult)          { o.hellos = append(o.hellos, r) }
func (o *countingObserver) Disconnect(DisconnectReason)  {}
func (o *countingObserver) Forward(out ForwardOutcome, _ time.Duration) {
	o.forwards = append(o.forwards, out)
}
func (o *countingObserver) Claim(ClaimOp)  {}
func (o *countingObserver) Sweep(int, int) {}

func TestAtomicObserverDefaultsToNoop(t *testing.T) {
	a := &AtomicObserver{}
	a.ConnCount(1) // must not panic before Set
	a.Forward(ForwardOK, time.Millisecond)
}

func TestAtomicObserverDelegates(t *testing.T) {
	a := NewAtomicObserver()
	obs := &countingObserver{}
	a.Set(obs)
	a.ConnCount(3)
	a.Hello(HelloResultOK)
	a.Forward(ForwardTimeout, time.Second)
	if len(obs.conns) != 1 || obs.conns[0] != 3 {
		t.Fatalf("conn counts: %v", obs.conns)
	}
	if len(obs.hellos) != 1 || obs.hellos[0] != HelloResultOK {
		t.Fatalf("hellos: %v", obs.hellos)
	}
	if len(obs.forwards) != 1 || obs.forwards[0] != ForwardTimeout {
		t.Fatalf("forwards: %v", obs.forwards)
	}
}

func TestAtomicObserverSetNilFallsBack(t *testing.T) {
	a := NewAtomicObserver()
	a.Set(&countingObserver{})
	a.Set(nil)
	a.ConnCount(1) // must not panic
}
