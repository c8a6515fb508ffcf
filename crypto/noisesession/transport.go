package noisesession

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Transport demultiplexes a running session into its channels: API frames are
// consumed one message at a time, while the media channel is exposed as a
// net.Conn so a stream muxer can run over it.
type Transport struct {
	sess *Session
	bt   BinaryTransport

	api   chan []byte
	media chan []byte

	closeOnce sync.Once
	done      chan struct{}
	runErr    error
}

// NewTransport wires a session to its binary transport. Call Run to start
// the read loop.
func NewTransport(sess *Session, bt BinaryTransport) *Transport {
	return &Transport{
		sess:  sess,
		bt:    bt,
		api:   make(chan []byte, 16),
		media: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

// Run reads frames until the transport closes or ctx ends. Frames that fail
// transport decryption are dropped; a replay or a read error ends the loop
// and closes the session.
func (t *Transport) Run(ctx context.Context) error {
	defer t.shutdown(nil)
	for {
		raw, err := t.bt.ReadBinary(ctx)
		if err != nil {
			t.shutdown(err)
			return err
		}
		channel, pt, err := t.sess.Decrypt(raw)
		if err != nil {
			if errors.Is(err, ErrDecryptFailed) && t.sess.State() == StateTransport {
				continue
			}
			t.shutdown(err)
			return err
		}
		var dst chan []byte
		switch channel {
		case ChannelAPI:
			dst = t.api
		case ChannelMedia:
			dst = t.media
		default:
			continue
		}
		select {
		case dst <- pt:
		case <-ctx.Done():
			t.shutdown(ctx.Err())
			return ctx.Err()
		case <-t.done:
			return t.runErr
		}
	}
}

// Send encrypts plaintext on the given channel and writes it out.
func (t *Transport) Send(ctx context.Context, channel byte, plaintext []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	frame, err := t.sess.Encrypt(channel, plaintext)
	if err != nil {
		return err
	}
	return t.bt.WriteBinary(ctx, frame)
}

// ReceiveAPI returns the next API-channel message.
func (t *Transport) ReceiveAPI(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.api:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// Session returns the underlying noise session.
func (t *Transport) Session() *Session {
	return t.sess
}

// Close tears down the transport and its session.
func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *Transport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.runErr = err
		t.sess.Close()
		_ = t.bt.Close()
		close(t.done)
	})
}

// MediaConn returns a net.Conn carrying the media channel, suitable as the
// substrate for a yamux session.
func (t *Transport) MediaConn() net.Conn {
	return &mediaConn{t: t}
}

// mediaConn adapts the media channel to net.Conn. Reads buffer any tail left
// over from a frame larger than the caller's slice.
type mediaConn struct {
	t *Transport

	mu       sync.Mutex
	leftover []byte

	readDeadline  deadline
	writeDeadline deadline
}

type deadline struct {
	mu sync.Mutex
	t  time.Time
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	d.t = t
	d.mu.Unlock()
}

func (d *deadline) context() (context.Context, context.CancelFunc) {
	d.mu.Lock()
	t := d.t
	d.mu.Unlock()
	if t.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), t)
}

func (c *mediaConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}
	ctx, cancel := c.readDeadline.context()
	defer cancel()
	select {
	case b := <-c.t.media:
		n := copy(p, b)
		if n < len(b) {
			c.leftover = b[n:]
		}
		return n, nil
	case <-ctx.Done():
		return 0, timeoutError{}
	case <-c.t.done:
		return 0, net.ErrClosed
	}
}

func (c *mediaConn) Write(p []byte) (int, error) {
	ctx, cancel := c.writeDeadline.context()
	defer cancel()
	if err := c.t.Send(ctx, ChannelMedia, p); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, timeoutError{}
		}
		return 0, err
	}
	return len(p), nil
}

func (c *mediaConn) Close() error {
	return c.t.Close()
}

func (c *mediaConn) LocalAddr() net.Addr  { return sessionAddr{} }
func (c *mediaConn) RemoteAddr() net.Addr { return sessionAddr{} }

func (c *mediaConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *mediaConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *mediaConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

type sessionAddr struct{}

func (sessionAddr) Network() string { return "noise" }
func (sessionAddr) String() string  { return "noise-session" }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
