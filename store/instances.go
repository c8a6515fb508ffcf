package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mydia/relay/controlplane/token"
)

// PublicKeySize is the required length of an instance's X25519 identity key.
const PublicKeySize = 32

var ErrInvalidPublicKey = errors.New("public key must be exactly 32 bytes")

// Instance is a registered self-hosted server. Records are never deleted so an
// instance can reconnect after either side restarts.
type Instance struct {
	ID         string
	PublicKey  []byte
	DirectURLs []string
	LastSeenAt time.Time
	Online     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RegisterInstance creates or re-registers an instance. Re-registering with
// the same public key is idempotent and rotates the bearer token; a different
// key is a conflict and is never silently accepted.
func (s *Store) RegisterInstance(id string, publicKey []byte, directURLs []string) (Instance, string, error) {
	if len(publicKey) != PublicKeySize {
		return Instance{}, "", ErrInvalidPublicKey
	}
	bearer, hash, err := token.Issue()
	if err != nil {
		return Instance{}, "", err
	}
	urlsJSON, err := json.Marshal(sanitizeURLs(directURLs))
	if err != nil {
		return Instance{}, "", err
	}
	now := s.now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return Instance{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	var existingKey []byte
	err = tx.QueryRow(`SELECT public_key FROM instances WHERE instance_id = ?`, id).Scan(&existingKey)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO instances (instance_id, public_key, direct_urls, token_hash, last_seen_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, publicKey, string(urlsJSON), hash, now, now, now)
		if err != nil {
			return Instance{}, "", err
		}
	case err != nil:
		return Instance{}, "", err
	default:
		if !bytes.Equal(existingKey, publicKey) {
			return Instance{}, "", fmt.Errorf("instance %s public key mismatch: %w", id, ErrConflict)
		}
		_, err = tx.Exec(`
			UPDATE instances
			SET direct_urls = ?, token_hash = ?, last_seen_at = MAX(last_seen_at, ?), updated_at = ?
			WHERE instance_id = ?`,
			string(urlsJSON), hash, now, now, id)
		if err != nil {
			return Instance{}, "", err
		}
	}

	inst, err := getInstanceTx(tx, id)
	if err != nil {
		return Instance{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return Instance{}, "", err
	}
	return inst, bearer, nil
}

// Heartbeat refreshes presence and optionally replaces the advertised direct
// URLs. last_seen_at never moves backwards.
func (s *Store) Heartbeat(id string, directURLs []string) (Instance, error) {
	now := s.now().Unix()
	var res sql.Result
	var err error
	if directURLs != nil {
		urlsJSON, merr := json.Marshal(sanitizeURLs(directURLs))
		if merr != nil {
			return Instance{}, merr
		}
		res, err = s.db.Exec(`
			UPDATE instances
			SET last_seen_at = MAX(last_seen_at, ?), direct_urls = ?, updated_at = ?
			WHERE instance_id = ?`, now, string(urlsJSON), now, id)
	} else {
		res, err = s.db.Exec(`
			UPDATE instances
			SET last_seen_at = MAX(last_seen_at, ?), updated_at = ?
			WHERE instance_id = ?`, now, now, id)
	}
	if err != nil {
		return Instance{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Instance{}, ErrNotFound
	}
	return s.GetInstance(id)
}

// GetInstance loads one instance record.
func (s *Store) GetInstance(id string) (Instance, error) {
	return scanInstance(s.db.QueryRow(`
		SELECT instance_id, public_key, direct_urls, last_seen_at, online, created_at, updated_at
		FROM instances WHERE instance_id = ?`, id))
}

// VerifyInstanceToken checks a presented bearer token. It reports only a
// boolean so callers cannot distinguish an unknown instance from a bad token.
func (s *Store) VerifyInstanceToken(id, bearer string) bool {
	var hash string
	if err := s.db.QueryRow(`SELECT token_hash FROM instances WHERE instance_id = ?`, id).Scan(&hash); err != nil {
		return false
	}
	return token.Verify(bearer, hash)
}

// MarkOnline flags an instance online and refreshes last_seen_at.
func (s *Store) MarkOnline(id string) error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		UPDATE instances SET online = 1, last_seen_at = MAX(last_seen_at, ?), updated_at = ?
		WHERE instance_id = ?`, now, now, id)
	return err
}

// MarkOffline clears the online flag.
func (s *Store) MarkOffline(id string) error {
	_, err := s.db.Exec(`UPDATE instances SET online = 0, updated_at = ? WHERE instance_id = ?`,
		s.now().Unix(), id)
	return err
}

// SweepStale marks offline every online instance whose last_seen_at is older
// than staleAfter. Returns the number of instances transitioned.
func (s *Store) SweepStale(staleAfter time.Duration) (int, error) {
	cutoff := s.now().Add(-staleAfter).Unix()
	res, err := s.db.Exec(`
		UPDATE instances SET online = 0, updated_at = ?
		WHERE online = 1 AND last_seen_at < ?`, s.now().Unix(), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Fresh reports whether the instance heartbeated within staleAfter. Online
// status surfaced to clients is the conjunction of this and a live
// control-channel registration.
func (s *Store) Fresh(id string, staleAfter time.Duration) bool {
	inst, err := s.GetInstance(id)
	if err != nil {
		return false
	}
	return s.now().Sub(inst.LastSeenAt) <= staleAfter
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var inst Instance
	var urlsJSON string
	var lastSeen, created, updated int64
	err := row.Scan(&inst.ID, &inst.PublicKey, &urlsJSON, &lastSeen, &inst.Online, &created, &updated)
	if err == sql.ErrNoRows {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, err
	}
	if err := json.Unmarshal([]byte(urlsJSON), &inst.DirectURLs); err != nil {
		return Instance{}, err
	}
	inst.LastSeenAt = time.Unix(lastSeen, 0)
	inst.CreatedAt = time.Unix(created, 0)
	inst.UpdatedAt = time.Unix(updated, 0)
	return inst, nil
}

func getInstanceTx(tx *sql.Tx, id string) (Instance, error) {
	return scanInstance(tx.QueryRow(`
		SELECT instance_id, public_key, direct_urls, last_seen_at, online, created_at, updated_at
		FROM instances WHERE instance_id = ?`, id))
}

func sanitizeURLs(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}
