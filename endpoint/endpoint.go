// Package endpoint is the instance-side library: it registers with the relay,
// keeps the control channel alive, answers forwarded requests, and runs the
// responder side of client Noise sessions after pairing.
package endpoint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mydia/relay/crypto/noisesession"
	"github.com/mydia/relay/realtime/ws"
	"github.com/mydia/relay/relayerrors"
	"github.com/mydia/relay/tunnel/protocol"
)

// Handler answers forwarded client requests. The context is canceled when the
// relay sends a cancel frame for the request or the channel drops.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, *protocol.ErrorBody)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, *protocol.ErrorBody)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, *protocol.ErrorBody) {
	return f(ctx, payload)
}

// TokenIssuer is the boundary to the instance's own auth system. After a
// claim is consumed the instance issues its application tokens itself; the
// relay never sees them.
type TokenIssuer interface {
	IssueTokens(ctx context.Context, claimID, deviceID, userID string, channelBinding []byte) (json.RawMessage, error)
}

type Config struct {
	RelayURL   string // Base URL of the relay, e.g. https://relay.example.
	TunnelPath string // Control channel path; defaults to /tunnel.

	InstanceID    string
	StaticKeypair noise.DHKey // Long-term X25519 identity.
	DirectURLs    []string

	Handler Handler

	HeartbeatInterval time.Duration // Defaults to 30s.
	ReconnectMin      time.Duration // Defaults to 1s.
	ReconnectMax      time.Duration // Defaults to 60s.

	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

type Endpoint struct {
	cfg  Config
	http *http.Client
	log  logrus.FieldLogger

	mu    sync.Mutex
	token string

	// in-flight forwarded requests, for cancel frames
	inflight map[string]context.CancelFunc
}

var (
	ErrNotRegistered  = errors.New("endpoint not registered")
	ErrMissingHandler = errors.New("endpoint handler not configured")
)

func New(cfg Config) (*Endpoint, error) {
	if cfg.RelayURL == "" {
		return nil, errors.New("relay url is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if len(cfg.StaticKeypair.Public) == 0 {
		return nil, errors.New("static keypair is required")
	}
	if cfg.TunnelPath == "" {
		cfg.TunnelPath = "/tunnel"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Endpoint{
		cfg:      cfg,
		http:     hc,
		log:      log.WithField("component", "endpoint"),
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// Token returns the current relay bearer token.
func (e *Endpoint) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// SetToken installs a previously persisted bearer token.
func (e *Endpoint) SetToken(tok string) {
	e.mu.Lock()
	e.token = tok
	e.mu.Unlock()
}

// Register creates or refreshes the relay registration and stores the rotated
// bearer token.
func (e *Endpoint) Register(ctx context.Context) error {
	body := map[string]any{
		"instance_id":    e.cfg.InstanceID,
		"public_key_b64": base64.StdEncoding.EncodeToString(e.cfg.StaticKeypair.Public),
		"direct_urls":    e.cfg.DirectURLs,
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := e.postJSON(ctx, "/instances", "", body, &out); err != nil {
		return err
	}
	e.SetToken(out.Token)
	return nil
}

// CreateClaim asks the relay to mint a pairing code for one of this
// instance's users.
func (e *Endpoint) CreateClaim(ctx context.Context, userID string, ttl time.Duration) (claimID, code string, expiresAt time.Time, err error) {
	tok := e.Token()
	if tok == "" {
		return "", "", time.Time{}, ErrNotRegistered
	}
	var out struct {
		ClaimID   string `json:"claim_id"`
		Code      string `json:"code"`
		ExpiresAt int64  `json:"expires_at"`
	}
	err = e.postJSON(ctx, "/instances/"+e.cfg.InstanceID+"/claim", tok, map[string]any{
		"user_id":     userID,
		"ttl_seconds": int64(ttl / time.Second),
	}, &out)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return out.ClaimID, out.Code, time.Unix(out.ExpiresAt, 0), nil
}

// ConsumeClaim terminally consumes a redeemed claim after local pairing
// succeeded.
func (e *Endpoint) ConsumeClaim(ctx context.Context, claimID, deviceID string) error {
	tok := e.Token()
	if tok == "" {
		return ErrNotRegistered
	}
	return e.postJSON(ctx, "/instances/"+e.cfg.InstanceID+"/claim/consume", tok, map[string]any{
		"claim_id":  claimID,
		"device_id": deviceID,
	}, nil)
}

// RespondNoise runs the responder handshake for a paired client on t.
func (e *Endpoint) RespondNoise(ctx context.Context, t noisesession.BinaryTransport, sessionID string) (*noisesession.Session, error) {
	return noisesession.Respond(ctx, t, noisesession.Config{
		StaticKeypair: e.cfg.StaticKeypair,
		SessionID:     sessionID,
		InstanceID:    e.cfg.InstanceID,
	})
}

// Run keeps a control channel attached until ctx ends, reconnecting with
// exponential backoff and jitter.
func (e *Endpoint) Run(ctx context.Context) error {
	if e.cfg.Handler == nil {
		return ErrMissingHandler
	}
	backoff := e.cfg.ReconnectMin
	for {
		if e.Token() == "" {
			if err := e.Register(ctx); err != nil {
				e.log.WithError(err).Warn("register failed")
			}
		}
		start := time.Now()
		err := e.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.WithError(err).Info("control channel lost, reconnecting")

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > e.cfg.ReconnectMax {
			backoff = e.cfg.ReconnectMin
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > e.cfg.ReconnectMax {
			backoff = e.cfg.ReconnectMax
		}
	}
}

// jitter spreads reconnects to within ±50% of d.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func (e *Endpoint) runOnce(ctx context.Context) error {
	tok := e.Token()
	if tok == "" {
		return ErrNotRegistered
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, _, err := ws.Dial(dialCtx, e.wsURL(), ws.DialOptions{})
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	writeMu := &sync.Mutex{}
	send := func(f *protocol.Frame) error {
		b, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteMessage(wctx, websocket.TextMessage, b)
	}

	if err := send(&protocol.Frame{Type: protocol.TypeHello, Hello: &protocol.Hello{
		InstanceID:        e.cfg.InstanceID,
		Token:             tok,
		SupportedVersions: protocol.SupportedVersions,
	}}); err != nil {
		return err
	}
	hctx, hcancel := context.WithTimeout(ctx, 10*time.Second)
	_, raw, err := c.ReadMessage(hctx)
	hcancel()
	if err != nil {
		return err
	}
	f, err := protocol.ParseFrame(raw, protocol.DefaultConstraints())
	if err != nil {
		return err
	}
	switch f.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		if f.Error.Code == relayerrors.CodeUnauthorized {
			// Token rotated away under us; force a re-register next attempt.
			e.SetToken("")
		}
		return fmt.Errorf("relay rejected hello: %s", f.Error.Code)
	default:
		return fmt.Errorf("unexpected frame %q before welcome", f.Type)
	}
	e.log.WithField("version", f.Welcome.NegotiatedVersion).Info("control channel attached")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// The read below blocks in the websocket; closing the conn is the only
	// way to release it when ctx ends.
	go func() {
		<-runCtx.Done()
		_ = c.Close()
	}()

	go e.heartbeatLoop(runCtx, send)

	for {
		rctx, rcancel := context.WithTimeout(runCtx, e.cfg.HeartbeatInterval*3)
		_, raw, err := c.ReadMessage(rctx)
		rcancel()
		if err != nil {
			e.cancelAll()
			return err
		}
		f, err := protocol.ParseFrame(raw, protocol.DefaultConstraints())
		if err != nil {
			e.cancelAll()
			return err
		}
		switch f.Type {
		case protocol.TypeAck:
		case protocol.TypeForwardRequest:
			go e.serveForward(runCtx, send, f.ForwardRequest)
		case protocol.TypeCancel:
			e.cancelRequest(f.Cancel.RequestID)
		case protocol.TypeError:
			e.log.WithField("code", f.Error.Code).Warn("relay error frame")
			if f.Error.Code == relayerrors.CodeConflict {
				// Displaced by another connection of this instance.
				e.cancelAll()
				return errors.New("displaced by newer connection")
			}
		default:
			e.cancelAll()
			return fmt.Errorf("unexpected frame %q", f.Type)
		}
	}
}

func (e *Endpoint) heartbeatLoop(ctx context.Context, send func(*protocol.Frame) error) {
	t := time.NewTicker(e.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := send(&protocol.Frame{Type: protocol.TypeHeartbeat, Heartbeat: &protocol.Heartbeat{
				DirectURLs: e.cfg.DirectURLs,
			}})
			if err != nil {
				return
			}
		}
	}
}

func (e *Endpoint) serveForward(ctx context.Context, send func(*protocol.Frame) error, req *protocol.ForwardRequest) {
	reqCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[req.RequestID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.inflight, req.RequestID)
		e.mu.Unlock()
	}()

	payload, errBody := e.cfg.Handler.Handle(reqCtx, req.Payload)
	if reqCtx.Err() != nil {
		// Canceled by the relay; the waiter is gone, any response is noise.
		return
	}
	resp := &protocol.Frame{Type: protocol.TypeResponse, Response: &protocol.Response{
		RequestID: req.RequestID,
		Payload:   payload,
		Error:     errBody,
	}}
	if err := send(resp); err != nil {
		e.log.WithError(err).WithField("request_id", req.RequestID).Warn("response write failed")
	}
}

func (e *Endpoint) cancelRequest(requestID string) {
	e.mu.Lock()
	cancel := e.inflight[requestID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Endpoint) cancelAll() {
	e.mu.Lock()
	for _, cancel := range e.inflight {
		cancel()
	}
	e.mu.Unlock()
}

func (e *Endpoint) wsURL() string {
	u := e.cfg.RelayURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + u[len("https://"):]
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + u[len("http://"):]
	}
	return strings.TrimRight(u, "/") + e.cfg.TunnelPath
}

func (e *Endpoint) postJSON(ctx context.Context, path, bearer string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.RelayURL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var re relayerrors.Error
	if err := json.NewDecoder(resp.Body).Decode(&re); err != nil || re.Code == "" {
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
	return &re
}
