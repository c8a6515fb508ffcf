package store

import (
	"errors"
	"testing"
	"time"

	"github.com/mydia/relay/controlplane/claimcode"
)

func registerInstance(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, _, err := s.RegisterInstance(id, testKey(1), []string{"https://host:4443"}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestCreateClaim(t *testing.T) {
	s := openTestStore(t)
	registerInstance(t, s, "i-1")

	c, err := s.CreateClaim("i-1", "u1", 300*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !claimcode.Valid(c.Code) {
		t.Fatalf("generated code %q is not valid", c.Code)
	}
	if c.ExpiresAt.Sub(c.CreatedAt) != 300*time.Second {
		t.Fatalf("ttl mismatch: %v", c.ExpiresAt.Sub(c.CreatedAt))
	}
}

func TestCreateClaimDefaultsAndBounds(t *testing.T) {
	s := openTestStore(t)
	registerInstance(t, s, "i-1")

	c, err := s.CreateClaim("i-1", "u1", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := c.ExpiresAt.Sub(c.CreatedAt); got != DefaultClaimTTL {
		t.Fatalf("default ttl = %v", got)
	}
	if _, err := s.CreateClaim("i-1", "u1", MaxClaimTTL+time.Second); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ttl rejection, got %v", err)
	}
	if _, err := s.CreateClaim("ghost", "u1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown instance, got %v", err)
	}
}

func TestRedeemClaim(t *testing.T) {
	s := openTestStore(t)
	registerInstance(t, s, "i-1")
	c, err := s.CreateClaim("i-1", "u1", 300*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r, err := s.RedeemClaim(c.Code)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if r.InstanceID != "i-1" || r.UserID != "u1" || len(r.PublicKey) != PublicKeySize {
		t.Fatalf("unexpected redemption: %+v", r)
	}

	// Redemption is a read; a second client may redeem the same code.
	r2, err := s.RedeemClaim(c.Code)
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if r2.ClaimID != r.ClaimID {
		t.Fatalf("redeem not idempotent")
	}
}

func TestRedeemCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	registerInstance(t, s, "i-1")
	c, _ := s.CreateClaim("i-1", "u1", 300*time.Second)
	lower := claimcode.Normalize(c.Code)
	if lower != c.Code {
		t.Fatalf("codes are generated normalized")
	}
	if _, err := s.RedeemClaim(" " + c.Code + " "); err != nil {
		t.Fatalf("redeem with whitespace: %v", err)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.RedeemClaim("ABCDEF"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedeemExpiredAtBoundary(t *testing.T) {
	s := openTestStore(t)
	clock := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return clock })
	registerInstance(t, s, "i-1")
	c, err := s.CreateClaim("i-1", "u1", 300*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock = time.Unix(1299, 0)
	if _, err := s.RedeemClaim(c.Code); err != nil {
		t.Fatalf("redeem before expiry: %v", err)
	}

	// A redeem at exactly expires_at reports expired, not not_found.
	clock = time.Unix(1300, 0)
	if _, err := s.RedeemClaim(c.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired at boundary, got %v", err)
	}
}

func TestConsumeClaimOnce(t *testing.T) {
	s := openTestStore(t)
	registerInstance(t, s, "i-1")
	c, _ := s.CreateClaim("i-1", "u1", 300*time.Second)

	if err := s.ConsumeClaim("i-1", c.ID, "d1"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := s.ConsumeClaim("i-1", c.ID, "d2"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected already consumed, got %v", err)
	}
	got, err := s.GetClaim(c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConsumedAt == nil || got.DeviceID != "d1" {
		t.Fatalf("claim not consumed as expected: %+v", got)
	}
	if _, err := s.RedeemClaim(c.Code); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("expected redeem after consume to fail, got %v", err)
	}
}

func TestConsumeAuthorization(t *testing.T) {
	s := openTestStore(t)
	registerInstance(t, s, "i-1")
	registerInstance2 := func() {
		if _, _, err := s.RegisterInstance("i-2", testKey(2), nil); err != nil {
			t.Fatalf("register i-2: %v", err)
		}
	}
	registerInstance2()
	c, _ := s.CreateClaim("i-1", "u1", 300*time.Second)

	if err := s.ConsumeClaim("i-2", c.ID, "d1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := s.ConsumeClaim("i-1", "no-such-claim", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.ConsumeClaim("i-1", c.ID, "d1"); err != nil {
		t.Fatalf("owner consume: %v", err)
	}
}

func TestCleanupClaims(t *testing.T) {
	s := openTestStore(t)
	clock := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return clock })
	registerInstance(t, s, "i-1")

	old, err := s.CreateClaim("i-1", "u1", 60*time.Second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateClaim("i-1", "u1", 3600*time.Second); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Expired claims keep reporting expired until the sweep removes them.
	clock = time.Unix(1000+120, 0)
	if _, err := s.RedeemClaim(old.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired before cleanup, got %v", err)
	}

	n, err := s.CleanupClaims(30 * time.Second)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted claim, got %d", n)
	}
	if _, err := s.RedeemClaim(old.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after cleanup, got %v", err)
	}
}
