// Package namespace derives the rotating rendezvous names under which a claim
// code can be found on the discovery substrate. Names rotate hourly; a peer
// holding only the code (and the relay's pepper) can derive the current name,
// while the code itself never appears on the wire.
package namespace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Prefix namespaces the rendezvous registrations of this service.
const Prefix = "mydia-claim:"

// EpochSeconds is the rotation period of derived names.
const EpochSeconds = 3600

// MinPepperBytes is the minimum master pepper size accepted at startup.
const MinPepperBytes = 32

var ErrPepperTooShort = errors.New("namespace pepper too short")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Deriver derives and validates namespaces for one process-wide pepper.
// The pepper is fixed after construction; rotating it invalidates every
// outstanding namespace.
type Deriver struct {
	pepper []byte
	now    func() time.Time
}

// New builds a Deriver. The clock defaults to time.Now.
func New(pepper []byte) (*Deriver, error) {
	if len(pepper) < MinPepperBytes {
		return nil, ErrPepperTooShort
	}
	cp := make([]byte, len(pepper))
	copy(cp, pepper)
	return &Deriver{pepper: cp, now: time.Now}, nil
}

// NewWithClock builds a Deriver with an injected clock, for tests.
func NewWithClock(pepper []byte, now func() time.Time) (*Deriver, error) {
	d, err := New(pepper)
	if err != nil {
		return nil, err
	}
	d.now = now
	return d, nil
}

// Derive returns the namespace for a code at the current epoch.
func (d *Deriver) Derive(code string) string {
	return d.deriveAt(code, d.currentEpoch())
}

// Valid reports whether ns matches the code at the current or previous epoch.
// Older epochs are rejected.
func (d *Deriver) Valid(code, ns string) bool {
	epoch := d.currentEpoch()
	if ns == d.deriveAt(code, epoch) {
		return true
	}
	return epoch > 0 && ns == d.deriveAt(code, epoch-1)
}

func (d *Deriver) currentEpoch() int64 {
	return d.now().Unix() / EpochSeconds
}

func (d *Deriver) deriveAt(code string, epoch int64) string {
	em := hmac.New(sha256.New, d.pepper)
	_, _ = em.Write([]byte(strconv.FormatInt(epoch, 10)))
	effective := em.Sum(nil)

	cm := hmac.New(sha256.New, effective)
	_, _ = cm.Write([]byte(code))
	return Prefix + strings.ToLower(b32.EncodeToString(cm.Sum(nil)))
}
