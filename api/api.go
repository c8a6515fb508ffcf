// Package api exposes the relay's HTTP surface: instance registration and
// presence, claim-code pairing, the client directory, and request forwarding.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mydia/relay/controlplane/claimcode"
	"github.com/mydia/relay/controlplane/namespace"
	"github.com/mydia/relay/observability"
	"github.com/mydia/relay/pending"
	"github.com/mydia/relay/relayerrors"
	"github.com/mydia/relay/store"
)

const maxBodyBytes = 1 << 20

// Forwarder is the tunnel-side surface the API depends on.
type Forwarder interface {
	Forward(ctx context.Context, instanceID, requestID string, payload json.RawMessage, timeout time.Duration) (pending.Result, error)
	Online(instanceID string) bool
}

type Config struct {
	ForwardTimeout time.Duration
	MaxInstanceID  int
}

func DefaultConfig() Config {
	return Config{
		ForwardTimeout: 30 * time.Second,
		MaxInstanceID:  128,
	}
}

type Server struct {
	cfg Config
	st  *store.Store
	fwd Forwarder
	ns  *namespace.Deriver
	log logrus.FieldLogger
	obs observability.Observer
}

func New(cfg Config, st *store.Store, fwd Forwarder, ns *namespace.Deriver, log logrus.FieldLogger, obs observability.Observer) *Server {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	if cfg.MaxInstanceID <= 0 {
		cfg.MaxInstanceID = 128
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if obs == nil {
		obs = observability.Noop
	}
	return &Server{
		cfg: cfg,
		st:  st,
		fwd: fwd,
		ns:  ns,
		log: log.WithField("component", "api"),
		obs: obs,
	}
}

// Router builds the HTTP routes. tunnelWS, when non-nil, is mounted at
// tunnelPath for the instance control channel; metrics likewise.
func (s *Server) Router(tunnelPath string, tunnelWS http.HandlerFunc, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	if tunnelWS != nil {
		r.Get(tunnelPath, tunnelWS)
	}

	r.Post("/instances", s.handleRegister)
	r.Group(func(r chi.Router) {
		// Redemption is unauthenticated; bound concurrent attempts so code
		// guessing cannot saturate the store.
		r.Use(middleware.ThrottleBacklog(64, 256, time.Second))
		r.Post("/claim/{code}", s.handleRedeem)
	})
	r.Route("/instances/{id}", func(r chi.Router) {
		r.Get("/connect", s.handleConnect)
		r.Post("/forward", s.handleForward)
		r.Group(func(r chi.Router) {
			r.Use(s.instanceAuth)
			r.Put("/heartbeat", s.handleHeartbeat)
			r.Post("/claim", s.handleCreateClaim)
			r.Post("/claim/consume", s.handleConsumeClaim)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	InstanceID   string   `json:"instance_id"`
	PublicKeyB64 string   `json:"public_key_b64"`
	DirectURLs   []string `json:"direct_urls"`
}

type registerResponse struct {
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.InstanceID == "" || len(req.InstanceID) > s.cfg.MaxInstanceID {
		s.writeError(w, r, relayerrors.E(relayerrors.CodeValidation, "instance_id is required and at most 128 chars"))
		return
	}
	key, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil || len(key) != store.PublicKeySize {
		s.writeError(w, r, relayerrors.E(relayerrors.CodeValidation, "public_key_b64 must decode to exactly 32 bytes"))
		return
	}
	_, bearer, err := s.st.RegisterInstance(req.InstanceID, key, req.DirectURLs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithField("instance_id", req.InstanceID).Info("instance registered")
	writeJSON(w, http.StatusOK, registerResponse{InstanceID: req.InstanceID, Token: bearer})
}

type heartbeatRequest struct {
	DirectURLs []string `json:"direct_urls"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	inst, err := s.st.Heartbeat(id, req.DirectURLs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"last_seen_at": inst.LastSeenAt.Unix(),
		"online":       s.fwd.Online(id),
	})
}

type createClaimRequest struct {
	UserID     string `json:"user_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type createClaimResponse struct {
	ClaimID   string `json:"claim_id"`
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req createClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, relayerrors.E(relayerrors.CodeValidation, "user_id is required"))
		return
	}
	c, err := s.st.CreateClaim(id, req.UserID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.obs.Claim(observability.ClaimCreated)
	writeJSON(w, http.StatusOK, createClaimResponse{
		ClaimID:   c.ID,
		Code:      c.Code,
		ExpiresAt: c.ExpiresAt.Unix(),
		Namespace: s.ns.Derive(c.Code),
	})
}

type directoryRecord struct {
	InstanceID   string   `json:"instance_id"`
	PublicKeyB64 string   `json:"public_key_b64"`
	DirectURLs   []string `json:"direct_urls"`
	Online       bool     `json:"online"`
}

type redeemResponse struct {
	directoryRecord
	ClaimID   string `json:"claim_id"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	Namespace string `json:"namespace"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	code := claimcode.Normalize(chi.URLParam(r, "code"))
	if !claimcode.Valid(code) {
		s.writeError(w, r, relayerrors.E(relayerrors.CodeValidation, "malformed claim code"))
		return
	}
	red, err := s.st.RedeemClaim(code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.obs.Claim(observability.ClaimRedeemed)
	writeJSON(w, http.StatusOK, redeemResponse{
		directoryRecord: directoryRecord{
			InstanceID:   red.InstanceID,
			PublicKeyB64: base64.StdEncoding.EncodeToString(red.PublicKey),
			DirectURLs:   red.DirectURLs,
			Online:       red.Online && s.fwd.Online(red.InstanceID),
		},
		ClaimID:   red.ClaimID,
		UserID:    red.UserID,
		ExpiresAt: red.ExpiresAt.Unix(),
		Namespace: s.ns.Derive(code),
	})
}

type consumeClaimRequest struct {
	ClaimID  string `json:"claim_id"`
	DeviceID string `json:"device_id"`
}

func (s *Server) handleConsumeClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req consumeClaimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ClaimID == "" || req.DeviceID == "" {
		s.writeError(w, r, relayerrors.E(relayerrors.CodeValidation, "claim_id and device_id are required"))
		return
	}
	if err := s.st.ConsumeClaim(id, req.ClaimID, req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.obs.Claim(observability.ClaimConsumed)
	writeJSON(w, http.StatusOK, map[string]string{"status": "consumed"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.st.GetInstance(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, directoryRecord{
		InstanceID:   inst.ID,
		PublicKeyB64: base64.StdEncoding.EncodeToString(inst.PublicKey),
		DirectURLs:   inst.DirectURLs,
		Online:       inst.Online && s.fwd.Online(id),
	})
}

type forwardRequest struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type forwardResponse struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *forwardError   `json:"error,omitempty"`
}

type forwardError struct {
	Code    relayerrors.Code `json:"error_code"`
	Message string           `json:"message,omitempty"`
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req forwardRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		s.writeError(w, r, relayerrors.E(relayerrors.CodeValidation, "request_id is required"))
		return
	}
	res, err := s.fwd.Forward(r.Context(), id, req.RequestID, req.Payload, s.cfg.ForwardTimeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Streamed {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Stream)
		return
	}
	out := forwardResponse{RequestID: req.RequestID, Payload: res.Payload}
	if res.Error != nil {
		// Application-level failure from the instance; passed through, not
		// translated into a relay error.
		out.Error = &forwardError{Code: res.Error.Code, Message: res.Error.Message}
	}
	writeJSON(w, http.StatusOK, out)
}

// instanceAuth verifies the bearer token for instance-scoped routes. Failures
// are uniformly unauthorized so probes cannot learn whether an id exists.
func (s *Server) instanceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		bearer, ok := bearerToken(r)
		if !ok || !s.st.VerifyInstanceToken(id, bearer) {
			s.writeError(w, r, relayerrors.E(relayerrors.CodeUnauthorized, "invalid instance credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, relayerrors.Wrap(relayerrors.CodeValidation, "malformed request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders any error as the wire error shape, translating store
// sentinels to their stable codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *relayerrors.Error
	if !errors.As(err, &re) {
		re = coerceStoreError(err)
	}
	status := relayerrors.HTTPStatus(re.Code)
	if status >= http.StatusInternalServerError && re.Code == relayerrors.CodeInternal {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, re)
}

func coerceStoreError(err error) *relayerrors.Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return relayerrors.Wrap(relayerrors.CodeNotFound, "not found", err)
	case errors.Is(err, store.ErrExpired):
		return relayerrors.Wrap(relayerrors.CodeExpired, "claim expired", err)
	case errors.Is(err, store.ErrAlreadyConsumed):
		return relayerrors.Wrap(relayerrors.CodeAlreadyConsumed, "claim already consumed", err)
	case errors.Is(err, store.ErrUnauthorized):
		return relayerrors.Wrap(relayerrors.CodeUnauthorized, "not permitted", err)
	case errors.Is(err, store.ErrConflict):
		return relayerrors.Wrap(relayerrors.CodeConflict, "conflicting registration", err)
	case errors.Is(err, store.ErrInvalidTTL):
		return relayerrors.Wrap(relayerrors.CodeValidation, "ttl out of range", err)
	case errors.Is(err, store.ErrInvalidPublicKey):
		return relayerrors.Wrap(relayerrors.CodeValidation, "public key must be exactly 32 bytes", err)
	default:
		return relayerrors.Wrap(relayerrors.CodeInternal, "internal error", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(sw, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
