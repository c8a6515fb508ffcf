package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/mydia/relay/controlplane/claimcode"
)

const (
	DefaultClaimTTL = 300 * time.Second
	MaxClaimTTL     = 24 * time.Hour

	codeRetries = 5
)

// Claim is one pairing code issued by an instance.
type Claim struct {
	ID         string
	Code       string
	InstanceID string
	UserID     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	DeviceID   string
}

// Redemption is the directory record returned to a redeeming client. Online
// reflects only the persisted flag; the caller combines it with the live
// connection registry.
type Redemption struct {
	ClaimID    string
	InstanceID string
	UserID     string
	PublicKey  []byte
	DirectURLs []string
	Online     bool
	ExpiresAt  time.Time
}

// CreateClaim issues a new claim code for an instance's user. A zero ttl
// applies the default; ttls above the maximum are rejected. Collisions with an
// active code retry up to five times before failing.
func (s *Store) CreateClaim(instanceID, userID string, ttl time.Duration) (Claim, error) {
	if ttl == 0 {
		ttl = DefaultClaimTTL
	}
	if ttl < 0 || ttl > MaxClaimTTL {
		return Claim{}, ErrInvalidTTL
	}
	if _, err := s.GetInstance(instanceID); err != nil {
		return Claim{}, err
	}

	now := s.now()
	c := Claim{
		InstanceID: instanceID,
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	length := claimcode.LengthForTTL(int64(ttl / time.Second))
	for attempt := 0; attempt < codeRetries; attempt++ {
		code, err := claimcode.Generate(length)
		if err != nil {
			return Claim{}, err
		}
		id := uuid.NewString()
		_, err = s.db.Exec(`
			INSERT INTO claims (id, code, instance_id, user_id, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, code, instanceID, userID, c.ExpiresAt.Unix(), now.Unix())
		if err == nil {
			c.ID = id
			c.Code = code
			return c, nil
		}
		if !isUniqueViolation(err) {
			return Claim{}, err
		}
	}
	return Claim{}, ErrCodeCollision
}

// RedeemClaim resolves a code to its instance directory record. Redemption is
// a pure read and stays idempotent until the owning instance consumes the
// claim. Expired claims report ErrExpired until the cleanup sweep removes
// them, never ErrNotFound.
func (s *Store) RedeemClaim(code string) (Redemption, error) {
	code = claimcode.Normalize(code)
	row := s.db.QueryRow(`
		SELECT c.id, c.user_id, c.expires_at, c.consumed_at,
		       i.instance_id, i.public_key, i.direct_urls, i.online
		FROM claims c JOIN instances i ON i.instance_id = c.instance_id
		WHERE c.code = ?
		ORDER BY (c.consumed_at IS NULL) DESC, c.created_at DESC LIMIT 1`, code)

	var r Redemption
	var expiresAt int64
	var consumedAt sql.NullInt64
	var urlsJSON string
	err := row.Scan(&r.ClaimID, &r.UserID, &expiresAt, &consumedAt,
		&r.InstanceID, &r.PublicKey, &urlsJSON, &r.Online)
	if err == sql.ErrNoRows {
		return Redemption{}, ErrNotFound
	}
	if err != nil {
		return Redemption{}, err
	}
	if consumedAt.Valid {
		return Redemption{}, ErrAlreadyConsumed
	}
	r.ExpiresAt = time.Unix(expiresAt, 0)
	if !s.now().Before(r.ExpiresAt) {
		return Redemption{}, ErrExpired
	}
	if err := unmarshalURLs(urlsJSON, &r.DirectURLs); err != nil {
		return Redemption{}, err
	}
	return r, nil
}

// ConsumeClaim terminally consumes a claim. Only the owning instance may
// consume, and only once; the write is a single atomic update keyed on the
// claim still being unconsumed.
func (s *Store) ConsumeClaim(authInstanceID, claimID, deviceID string) error {
	res, err := s.db.Exec(`
		UPDATE claims SET consumed_at = ?, device_id = ?
		WHERE id = ? AND instance_id = ? AND consumed_at IS NULL`,
		s.now().Unix(), deviceID, claimID, authInstanceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// The update missed; find out why for a precise error code.
	var ownerID string
	var consumedAt sql.NullInt64
	err = s.db.QueryRow(`SELECT instance_id, consumed_at FROM claims WHERE id = ?`, claimID).
		Scan(&ownerID, &consumedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if ownerID != authInstanceID {
		return ErrUnauthorized
	}
	if consumedAt.Valid {
		return ErrAlreadyConsumed
	}
	return ErrNotFound
}

// GetClaim loads one claim by id, mainly for tests and the consume handler.
func (s *Store) GetClaim(claimID string) (Claim, error) {
	row := s.db.QueryRow(`
		SELECT id, code, instance_id, user_id, expires_at, consumed_at, device_id, created_at
		FROM claims WHERE id = ?`, claimID)
	var c Claim
	var expiresAt, createdAt int64
	var consumedAt sql.NullInt64
	var deviceID sql.NullString
	err := row.Scan(&c.ID, &c.Code, &c.InstanceID, &c.UserID, &expiresAt, &consumedAt, &deviceID, &createdAt)
	if err == sql.ErrNoRows {
		return Claim{}, ErrNotFound
	}
	if err != nil {
		return Claim{}, err
	}
	c.ExpiresAt = time.Unix(expiresAt, 0)
	c.CreatedAt = time.Unix(createdAt, 0)
	if consumedAt.Valid {
		ts := time.Unix(consumedAt.Int64, 0)
		c.ConsumedAt = &ts
	}
	c.DeviceID = deviceID.String
	return c, nil
}

// CleanupClaims deletes claims whose expiry (or consumption) is older than
// maxAge. Returns the number of rows removed.
func (s *Store) CleanupClaims(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`
		DELETE FROM claims
		WHERE expires_at < ? OR (consumed_at IS NOT NULL AND consumed_at < ?)`,
		cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func unmarshalURLs(s string, out *[]string) error {
	if s == "" {
		*out = []string{}
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
