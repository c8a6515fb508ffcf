package store

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKey(b byte) []byte {
	k := make([]byte, PublicKeySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestRegisterInstance(t *testing.T) {
	s := openTestStore(t)
	inst, tok, err := s.RegisterInstance("i-1", testKey(1), []string{"https://host:4443"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if inst.ID != "i-1" || tok == "" {
		t.Fatalf("unexpected result: %+v token=%q", inst, tok)
	}
	if len(inst.DirectURLs) != 1 || inst.DirectURLs[0] != "https://host:4443" {
		t.Fatalf("direct urls: %v", inst.DirectURLs)
	}
	if !s.VerifyInstanceToken("i-1", tok) {
		t.Fatalf("expected issued token to verify")
	}
}

func TestRegisterRejectsBadKeyLength(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.RegisterInstance("i-1", []byte{1, 2, 3}, nil); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestRegisterIdempotentRotatesToken(t *testing.T) {
	s := openTestStore(t)
	_, tok1, err := s.RegisterInstance("i-1", testKey(1), nil)
	if err != nil {
		t.Fatalf("register 1: %v", err)
	}
	inst, tok2, err := s.RegisterInstance("i-1", testKey(1), nil)
	if err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if inst.ID != "i-1" {
		t.Fatalf("unexpected record: %+v", inst)
	}
	if tok1 == tok2 {
		t.Fatalf("expected a fresh token on re-register")
	}
	if s.VerifyInstanceToken("i-1", tok1) {
		t.Fatalf("expected old token to be invalidated")
	}
	if !s.VerifyInstanceToken("i-1", tok2) {
		t.Fatalf("expected new token to verify")
	}
}

func TestRegisterKeyMismatchConflicts(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.RegisterInstance("i-1", testKey(1), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, _, err := s.RegisterInstance("i-1", testKey(2), nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestHeartbeatMonotonicLastSeen(t *testing.T) {
	s := openTestStore(t)
	clock := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return clock })

	if _, _, err := s.RegisterInstance("i-1", testKey(1), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock = time.Unix(2000, 0)
	inst, err := s.Heartbeat("i-1", []string{"https://a"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if inst.LastSeenAt.Unix() != 2000 {
		t.Fatalf("last_seen = %d", inst.LastSeenAt.Unix())
	}

	// A clock that stepped backwards must not rewind last_seen_at.
	clock = time.Unix(1500, 0)
	inst, err = s.Heartbeat("i-1", nil)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if inst.LastSeenAt.Unix() != 2000 {
		t.Fatalf("last_seen moved backwards: %d", inst.LastSeenAt.Unix())
	}
	if len(inst.DirectURLs) != 1 || inst.DirectURLs[0] != "https://a" {
		t.Fatalf("expected urls preserved when omitted: %v", inst.DirectURLs)
	}
}

func TestHeartbeatUnknownInstance(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Heartbeat("ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVerifyInstanceTokenUnknown(t *testing.T) {
	s := openTestStore(t)
	if s.VerifyInstanceToken("ghost", "MDT1.whatever") {
		t.Fatalf("expected unknown instance to fail verification")
	}
}

func TestSweepStale(t *testing.T) {
	s := openTestStore(t)
	clock := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return clock })

	for _, id := range []string{"i-1", "i-2"} {
		if _, _, err := s.RegisterInstance(id, testKey(1), nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := s.MarkOnline(id); err != nil {
			t.Fatalf("mark online: %v", err)
		}
	}

	clock = time.Unix(1100, 0)
	if _, err := s.Heartbeat("i-2", nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	clock = time.Unix(1130, 0)
	n, err := s.SweepStale(120 * time.Second)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale instance, got %d", n)
	}
	i1, _ := s.GetInstance("i-1")
	i2, _ := s.GetInstance("i-2")
	if i1.Online || !i2.Online {
		t.Fatalf("online flags: i-1=%v i-2=%v", i1.Online, i2.Online)
	}
}

func TestFresh(t *testing.T) {
	s := openTestStore(t)
	clock := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return clock })
	if _, _, err := s.RegisterInstance("i-1", testKey(1), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !s.Fresh("i-1", 120*time.Second) {
		t.Fatalf("expected freshly registered instance to be fresh")
	}
	clock = time.Unix(1000+121, 0)
	if s.Fresh("i-1", 120*time.Second) {
		t.Fatalf("expected instance to go stale")
	}
}
