// Package observability defines the metric event surface of the relay. The
// default observer is a no-op; the prom subpackage exports to Prometheus.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type HelloResult string

const (
	HelloResultOK                  HelloResult = "ok"
	HelloResultUpgradeError        HelloResult = "upgrade_error"
	HelloResultInvalidFrame        HelloResult = "invalid_frame"
	HelloResultAuthFailed          HelloResult = "auth_failed"
	HelloResultVersionIncompatible HelloResult = "version_incompatible"
)

type ForwardOutcome string

const (
	ForwardOK           ForwardOutcome = "ok"
	ForwardTimeout      ForwardOutcome = "timeout"
	ForwardDisconnected ForwardOutcome = "tunnel_disconnected"
	ForwardOffline      ForwardOutcome = "instance_offline"
	ForwardError        ForwardOutcome = "error"
)

type ClaimOp string

const (
	ClaimCreated  ClaimOp = "created"
	ClaimRedeemed ClaimOp = "redeemed"
	ClaimConsumed ClaimOp = "consumed"
)

type DisconnectReason string

const (
	DisconnectPeerClosed  DisconnectReason = "peer_closed"
	DisconnectIdleTimeout DisconnectReason = "idle_timeout"
	DisconnectProtocol    DisconnectReason = "protocol_error"
	DisconnectDisplaced   DisconnectReason = "displaced"
	DisconnectWriteError  DisconnectReason = "write_error"
)

// Observer receives relay metric events.
type Observer interface {
	ConnCount(n int64)
	Hello(result HelloResult)
	Disconnect(reason DisconnectReason)
	Forward(outcome ForwardOutcome, d time.Duration)
	Claim(op ClaimOp)
	Sweep(staleInstances, deletedClaims int)
}

type noopObserver struct{}

func (noopObserver) ConnCount(int64)                       {}
func (noopObserver) Hello(HelloResult)                     {}
func (noopObserver) Disconnect(DisconnectReason)           {}
func (noopObserver) Forward(ForwardOutcome, time.Duration) {}
func (noopObserver) Claim(ClaimOp)                         {}
func (noopObserver) Sweep(int, int)                        {}

// Noop is a zero-cost observer used when metrics are disabled.
var Noop Observer = noopObserver{}

// AtomicObserver swaps its delegate at runtime.
type AtomicObserver struct {
	once sync.Once
	v    atomic.Value
}

type observerHolder struct {
	obs Observer
}

// NewAtomicObserver returns an initialized atomic observer.
func NewAtomicObserver() *AtomicObserver {
	a := &AtomicObserver{}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: Noop}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicObserver) Set(obs Observer) {
	if obs == nil {
		obs = Noop
	}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: Noop}) })
	a.v.Store(&observerHolder{obs: obs})
}

func (a *AtomicObserver) load() Observer {
	a.once.Do(func() { a.v.Store(&observerHolder{obs: Noop}) })
	return a.v.Load().(*observerHolder).obs
}

func (a *AtomicObserver) ConnCount(n int64)        { a.load().ConnCount(n) }
func (a *AtomicObserver) Hello(result HelloResult) { a.load().Hello(result) }
func (a *AtomicObserver) Disconnect(r DisconnectReason) {
	a.load().Disconnect(r)
}
func (a *AtomicObserver) Forward(outcome ForwardOutcome, d time.Duration) {
	a.load().Forward(outcome, d)
}
func (a *AtomicObserver) Claim(op ClaimOp) { a.load().Claim(op) }
func (a *AtomicObserver) Sweep(staleInstances, deletedClaims int) {
	a.load().Sweep(staleInstances, deletedClaims)
}
