// Package server runs the relay side of instance control channels. Each
// self-hosted instance keeps one websocket open; client requests are forwarded
// over it and correlated back by request id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mydia/relay/observability"
	"github.com/mydia/relay/pending"
	"github.com/mydia/relay/realtime/ws"
	"github.com/mydia/relay/registry"
	"github.com/mydia/relay/relayerrors"
	"github.com/mydia/relay/store"
	"github.com/mydia/relay/tunnel/protocol"
)

type Config struct {
	Path          string
	MaxFrameBytes int
	MaxConns      int
	WriteQueue    int

	AllowedOrigins []string
	AllowNoOrigin  bool

	HelloTimeout   time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	ForwardTimeout time.Duration
	StaleAfter     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Path:           "/tunnel",
		MaxFrameBytes:  1 << 20,
		MaxConns:       4096,
		WriteQueue:     64,
		AllowNoOrigin:  true,
		HelloTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		ForwardTimeout: 30 * time.Second,
		StaleAfter:     120 * time.Second,
	}
}

type Server struct {
	cfg  Config
	st   *store.Store
	reg  *registry.Registry
	pend *pending.Table
	log  logrus.FieldLogger
	obs  observability.Observer

	connCount int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, st *store.Store, reg *registry.Registry, pend *pending.Table, log logrus.FieldLogger, obs observability.Observer) *Server {
	if cfg.Path == "" {
		cfg.Path = "/tunnel"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = 64
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 120 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if obs == nil {
		obs = observability.Noop
	}
	return &Server{
		cfg:    cfg,
		st:     st,
		reg:    reg,
		pend:   pend,
		log:    log.WithField("component", "tunnel"),
		obs:    obs,
		stopCh: make(chan struct{}),
	}
}

// Path returns the websocket mount point for the control channel.
func (s *Server) Path() string { return s.cfg.Path }

// Registry returns the live-connection registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Pending returns the in-flight request table.
func (s *Server) Pending() *pending.Table { return s.pend }

// Close stops accepting new control channels and closes live ones.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	for _, id := range s.reg.List() {
		if e := s.reg.Lookup(id); e != nil {
			e.Handler.Close(relayerrors.CodeInternal)
		}
	}
}

// conn is one live control channel. It satisfies registry.Handler: Send
// enqueues to the writer goroutine's mailbox and never blocks on socket I/O.
type conn struct {
	s          *Server
	ws         *ws.Conn
	instanceID string
	entry      *registry.Entry

	out chan *protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}

	reasonMu sync.Mutex
	reason   observability.DisconnectReason
}

var errSendQueueFull = errors.New("control channel send queue full")
var errChannelClosed = errors.New("control channel closed")

func (c *conn) Send(f *protocol.Frame) error {
	select {
	case <-c.closed:
		return errChannelClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return errChannelClosed
	default:
		// A wedged instance must not block the API path.
		c.shutdown(observability.DisconnectWriteError)
		return errSendQueueFull
	}
}

func (c *conn) Close(reason relayerrors.Code) {
	// Best effort: tell the instance why before dropping the socket.
	select {
	case c.out <- &protocol.Frame{Type: protocol.TypeError, Error: &protocol.ErrorBody{Code: reason}}:
	default:
	}
	r := observability.DisconnectProtocol
	if reason == relayerrors.CodeConflict {
		r = observability.DisconnectDisplaced
	}
	c.shutdown(r)
}

func (c *conn) shutdown(reason observability.DisconnectReason) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		close(c.closed)
	})
}

// HandleWS upgrades and attaches one instance control channel.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.stopCh:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: s.checkOrigin})
	if err != nil {
		s.obs.Hello(observability.HelloResultUpgradeError)
		return
	}
	if !s.trackConn() {
		_ = c.CloseWithStatus(websocket.CloseTryAgainLater, "too many connections")
		return
	}
	defer s.untrackConn()
	c.SetReadLimit(int64(s.cfg.MaxFrameBytes))

	hello, ok := s.awaitHello(r.Context(), c)
	if !ok {
		return
	}
	negotiated, err := protocol.Negotiate(hello.SupportedVersions)
	if err != nil {
		s.obs.Hello(observability.HelloResultVersionIncompatible)
		s.rejectHello(c, &protocol.ErrorBody{
			Code:              relayerrors.CodeVersionIncompatible,
			Message:           "no compatible protocol version",
			SupportedVersions: protocol.SupportedVersions,
		})
		return
	}

	welcome := &protocol.Frame{Type: protocol.TypeWelcome, Welcome: &protocol.Welcome{
		NegotiatedVersion: negotiated,
		ServerTimeUnixS:   time.Now().Unix(),
	}}
	if err := s.writeFrame(c, welcome); err != nil {
		return
	}

	ep := &conn{
		s:          s,
		ws:         c,
		instanceID: hello.InstanceID,
		out:        make(chan *protocol.Frame, s.cfg.WriteQueue),
		closed:     make(chan struct{}),
	}
	entry, displaced := s.reg.Register(hello.InstanceID, ep, map[string]string{"version": negotiated})
	ep.entry = entry
	if displaced != nil {
		// Reconnect wins. The old channel's in-flight requests cannot complete.
		n := s.pend.FailAll(hello.InstanceID, pending.ErrTunnelDisconnected)
		displaced.Handler.Close(relayerrors.CodeConflict)
		s.log.WithFields(logrus.Fields{
			"instance_id":     hello.InstanceID,
			"failed_requests": n,
		}).Info("control channel displaced")
	}
	if err := s.st.MarkOnline(hello.InstanceID); err != nil {
		s.log.WithError(err).WithField("instance_id", hello.InstanceID).Warn("mark online failed")
	}
	s.obs.Hello(observability.HelloResultOK)
	s.log.WithFields(logrus.Fields{
		"instance_id": hello.InstanceID,
		"version":     negotiated,
	}).Info("control channel attached")

	go s.writeLoop(ep)
	s.readLoop(ep)
	s.teardown(ep)
}

func (s *Server) awaitHello(ctx context.Context, c *ws.Conn) (*protocol.Hello, bool) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HelloTimeout)
	defer cancel()
	_, raw, err := c.ReadMessage(hctx)
	if err != nil {
		s.obs.Hello(observability.HelloResultInvalidFrame)
		_ = c.CloseWithStatus(websocket.CloseProtocolError, "expected hello")
		return nil, false
	}
	f, err := protocol.ParseFrame(raw, s.constraints())
	if err != nil || f.Type != protocol.TypeHello {
		s.obs.Hello(observability.HelloResultInvalidFrame)
		_ = c.CloseWithStatus(websocket.CloseProtocolError, "expected hello")
		return nil, false
	}
	if !s.st.VerifyInstanceToken(f.Hello.InstanceID, f.Hello.Token) {
		s.obs.Hello(observability.HelloResultAuthFailed)
		s.rejectHello(c, &protocol.ErrorBody{
			Code:    relayerrors.CodeUnauthorized,
			Message: "invalid instance credentials",
		})
		return nil, false
	}
	return f.Hello, true
}

func (s *Server) rejectHello(c *ws.Conn, body *protocol.ErrorBody) {
	_ = s.writeFrame(c, &protocol.Frame{Type: protocol.TypeError, Error: body})
	_ = c.CloseWithStatus(websocket.ClosePolicyViolation, string(body.Code))
}

func (s *Server) writeFrame(c *ws.Conn, f *protocol.Frame) error {
	b, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return c.WriteMessage(ctx, websocket.TextMessage, b)
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case f := <-c.out:
			if err := s.writeFrame(c.ws, f); err != nil {
				c.shutdown(observability.DisconnectWriteError)
				_ = c.ws.Close()
				return
			}
		case <-c.closed:
			// Drain anything enqueued before the close, then drop the socket
			// so a blocked reader wakes up.
			for {
				select {
				case f := <-c.out:
					_ = s.writeFrame(c.ws, f)
				default:
					_ = c.ws.Close()
					return
				}
			}
		case <-s.stopCh:
			c.shutdown(observability.DisconnectPeerClosed)
			_ = c.ws.Close()
			return
		}
	}
}

func (s *Server) readLoop(c *conn) {
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.IdleTimeout)
		_, raw, err := c.ws.ReadMessage(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.shutdown(observability.DisconnectIdleTimeout)
			} else {
				c.shutdown(observability.DisconnectPeerClosed)
			}
			return
		}
		f, err := protocol.ParseFrame(raw, s.constraints())
		if err != nil {
			c.shutdown(observability.DisconnectProtocol)
			return
		}
		if !s.dispatch(c, f) {
			c.shutdown(observability.DisconnectProtocol)
			return
		}
	}
}

// dispatch handles one instance-originated frame. Returns false on a protocol
// violation.
func (s *Server) dispatch(c *conn, f *protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeHeartbeat:
		if _, err := s.st.Heartbeat(c.instanceID, f.Heartbeat.DirectURLs); err != nil {
			s.log.WithError(err).WithField("instance_id", c.instanceID).Warn("heartbeat store update failed")
		}
		return c.Send(&protocol.Frame{Type: protocol.TypeAck, Ack: &protocol.Ack{}}) == nil
	case protocol.TypeResponse:
		// A miss means the waiter already timed out or this is a duplicate;
		// either way the response is dropped.
		s.pend.Resolve(f.Response.RequestID, pending.Result{
			Payload: f.Response.Payload,
			Error:   f.Response.Error,
		})
		return true
	case protocol.TypeStreamChunk:
		s.pend.Chunk(f.StreamChunk.RequestID, f.StreamChunk.Data)
		return true
	case protocol.TypeStreamEnd:
		s.pend.EndStream(f.StreamEnd.RequestID)
		return true
	case protocol.TypeError:
		s.log.WithFields(logrus.Fields{
			"instance_id": c.instanceID,
			"code":        f.Error.Code,
		}).Warn("instance reported error")
		return true
	default:
		return false
	}
}

// teardown runs once the read loop ends. Order matters: waiters fail first so
// API callers get tunnel_disconnected instead of a timeout, then the
// registration and online flag are cleared only if this connection still owns
// them.
func (s *Server) teardown(c *conn) {
	c.shutdown(observability.DisconnectPeerClosed)
	_ = c.ws.Close()

	if !s.reg.UnregisterIf(c.instanceID, c.entry) {
		// Displaced by a reconnect; the replacement owns the state now.
		return
	}
	n := s.pend.FailAll(c.instanceID, pending.ErrTunnelDisconnected)
	if err := s.st.MarkOffline(c.instanceID); err != nil {
		s.log.WithError(err).WithField("instance_id", c.instanceID).Warn("mark offline failed")
	}
	c.reasonMu.Lock()
	reason := c.reason
	c.reasonMu.Unlock()
	s.obs.Disconnect(reason)
	s.log.WithFields(logrus.Fields{
		"instance_id":     c.instanceID,
		"reason":          reason,
		"failed_requests": n,
	}).Info("control channel detached")
}

// Forward sends one client request down an instance's control channel and
// waits for the correlated response. At-most-once: a timeout sends a best
// effort cancel and the request is never retried by the relay.
func (s *Server) Forward(ctx context.Context, instanceID, requestID string, payload json.RawMessage, timeout time.Duration) (pending.Result, error) {
	if timeout <= 0 {
		timeout = s.cfg.ForwardTimeout
	}
	start := time.Now()
	e := s.reg.Lookup(instanceID)
	if e == nil || !s.st.Fresh(instanceID, s.cfg.StaleAfter) {
		s.obs.Forward(observability.ForwardOffline, time.Since(start))
		return pending.Result{}, relayerrors.E(relayerrors.CodeInstanceOffline, "instance is not connected")
	}
	w, err := s.pend.Register(instanceID, requestID)
	if err != nil {
		s.obs.Forward(observability.ForwardError, time.Since(start))
		return pending.Result{}, relayerrors.Wrap(relayerrors.CodeConflict, "request id already in flight", err)
	}
	frame := &protocol.Frame{Type: protocol.TypeForwardRequest, ForwardRequest: &protocol.ForwardRequest{
		RequestID: requestID,
		Payload:   payload,
	}}
	if err := e.Handler.Send(frame); err != nil {
		s.pend.Delete(requestID)
		s.obs.Forward(observability.ForwardDisconnected, time.Since(start))
		return pending.Result{}, relayerrors.Wrap(relayerrors.CodeTunnelDisconnected, "control channel write failed", err)
	}
	res, err := s.pend.Await(ctx, w, timeout)
	switch {
	case err == nil:
		s.obs.Forward(observability.ForwardOK, time.Since(start))
		return res, nil
	case errors.Is(err, pending.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		// Tell the instance to abandon the work; the response, if it ever
		// arrives, is dropped as a duplicate.
		_ = e.Handler.Send(&protocol.Frame{Type: protocol.TypeCancel, Cancel: &protocol.Cancel{RequestID: requestID}})
		s.obs.Forward(observability.ForwardTimeout, time.Since(start))
		return pending.Result{}, relayerrors.Wrap(relayerrors.CodeTimeout, "instance did not respond in time", err)
	case errors.Is(err, pending.ErrTunnelDisconnected):
		s.obs.Forward(observability.ForwardDisconnected, time.Since(start))
		return pending.Result{}, relayerrors.Wrap(relayerrors.CodeTunnelDisconnected, "control channel closed mid-request", err)
	default:
		s.obs.Forward(observability.ForwardError, time.Since(start))
		return pending.Result{}, relayerrors.Wrap(relayerrors.CodeInternal, "forward failed", err)
	}
}

// Online reports whether an instance currently has a usable control channel.
func (s *Server) Online(instanceID string) bool {
	return s.reg.Online(instanceID) && s.st.Fresh(instanceID, s.cfg.StaleAfter)
}

func (s *Server) constraints() protocol.Constraints {
	c := protocol.DefaultConstraints()
	c.MaxFrameBytes = s.cfg.MaxFrameBytes
	return c
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return s.cfg.AllowNoOrigin
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) trackConn() bool {
	n := atomic.AddInt64(&s.connCount, 1)
	if s.cfg.MaxConns > 0 && n > int64(s.cfg.MaxConns) {
		atomic.AddInt64(&s.connCount, -1)
		return false
	}
	s.obs.ConnCount(n)
	return true
}

func (s *Server) untrackConn() {
	s.obs.ConnCount(atomic.AddInt64(&s.connCount, -1))
}
