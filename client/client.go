// Package client is the device-side library: redeem a claim code, look up an
// instance's directory record, forward requests through the relay, and run the
// initiator side of the Noise session with the paired instance.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"

	"github.com/mydia/relay/controlplane/claimcode"
	"github.com/mydia/relay/crypto/noisesession"
	"github.com/mydia/relay/relayerrors"
)

type Config struct {
	RelayURL      string
	StaticKeypair noise.DHKey // Device identity; generated once and persisted.
	HTTPClient    *http.Client
}

type Client struct {
	cfg  Config
	http *http.Client
}

// Record is an instance's directory entry as the relay serves it.
type Record struct {
	InstanceID   string   `json:"instance_id"`
	PublicKeyB64 string   `json:"public_key_b64"`
	DirectURLs   []string `json:"direct_urls"`
	Online       bool     `json:"online"`
}

// PublicKey decodes the instance's static key.
func (r Record) PublicKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.PublicKeyB64)
}

// Redemption is the pairing payload returned for a claim code.
type Redemption struct {
	Record
	ClaimID   string `json:"claim_id"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	Namespace string `json:"namespace"`
}

// ForwardResult is the instance's reply to a forwarded request.
type ForwardResult struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
	Error     *ForwardError   `json:"error"`
}

type ForwardError struct {
	Code    relayerrors.Code `json:"error_code"`
	Message string           `json:"message"`
}

var ErrMalformedCode = errors.New("malformed claim code")

func New(cfg Config) (*Client, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("relay url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 45 * time.Second}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// Redeem resolves a claim code to its instance record. It does not consume
// the claim; the instance does that once pairing completes.
func (c *Client) Redeem(ctx context.Context, code string) (Redemption, error) {
	code = claimcode.Normalize(code)
	if !claimcode.Valid(code) {
		return Redemption{}, ErrMalformedCode
	}
	var out Redemption
	if err := c.do(ctx, http.MethodPost, "/claim/"+code, nil, &out); err != nil {
		return Redemption{}, err
	}
	return out, nil
}

// Connect fetches the directory record for an already paired instance.
func (c *Client) Connect(ctx context.Context, instanceID string) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodGet, "/instances/"+instanceID+"/connect", nil, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Forward sends one request through the relay and waits for the instance's
// reply. The request id is assigned here; the relay never retries, so a
// timeout or disconnect error means the outcome is unknown.
func (c *Client) Forward(ctx context.Context, instanceID string, payload json.RawMessage) (ForwardResult, error) {
	body := map[string]any{
		"request_id": uuid.NewString(),
		"payload":    payload,
	}
	var out ForwardResult
	if err := c.do(ctx, http.MethodPost, "/instances/"+instanceID+"/forward", body, &out); err != nil {
		return ForwardResult{}, err
	}
	return out, nil
}

// InitiateNoise runs the initiator handshake against a paired instance over t.
// The instance's static key comes from the redemption record.
func (c *Client) InitiateNoise(ctx context.Context, t noisesession.BinaryTransport, rec Record, sessionID string) (*noisesession.Session, error) {
	if len(c.cfg.StaticKeypair.Private) == 0 {
		return nil, errors.New("static keypair is required for noise sessions")
	}
	peer, err := rec.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid instance public key: %w", err)
	}
	return noisesession.Initiate(ctx, t, noisesession.Config{
		StaticKeypair:    c.cfg.StaticKeypair,
		PeerStaticPublic: peer,
		SessionID:        sessionID,
		InstanceID:       rec.InstanceID,
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.RelayURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var re relayerrors.Error
		if derr := json.NewDecoder(resp.Body).Decode(&re); derr == nil && re.Code != "" {
			return &re
		}
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
