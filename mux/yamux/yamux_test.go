package yamux

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mydia/relay/crypto/noisesession"
)

type memPipe struct {
	in  chan []byte
	out chan []byte

	closeOnce *sync.Once
	done      chan struct{}
}

func newMemPipe() (*memPipe, *memPipe) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	once := new(sync.Once)
	return &memPipe{in: b2a, out: a2b, closeOnce: once, done: done},
		&memPipe{in: a2b, out: b2a, closeOnce: once, done: done}
}

func (p *memPipe) ReadBinary(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *memPipe) WriteBinary(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case p.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return io.EOF
	}
}

func (p *memPipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func TestStreamsOverNoiseTransport(t *testing.T) {
	clientKey, err := noisesession.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	serverKey, err := noisesession.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	ct, st := newMemPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type res struct {
		s   *noisesession.Session
		err error
	}
	ch := make(chan res, 1)
	go func() {
		s, err := noisesession.Respond(ctx, st, noisesession.Config{
			StaticKeypair: serverKey, SessionID: "sess", InstanceID: "inst",
		})
		ch <- res{s, err}
	}()
	cs, err := noisesession.Initiate(ctx, ct, noisesession.Config{
		StaticKeypair:    clientKey,
		PeerStaticPublic: serverKey.Public,
		SessionID:        "sess",
		InstanceID:       "inst",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("Respond: %v", r.err)
	}

	tcConn, tsConn := newMemPipe()
	tc := noisesession.NewTransport(cs, tcConn)
	ts := noisesession.NewTransport(r.s, tsConn)
	go func() { _ = tc.Run(ctx) }()
	go func() { _ = ts.Run(ctx) }()
	defer tc.Close()
	defer ts.Close()

	cm, err := ClientOverNoise(tc, nil)
	if err != nil {
		t.Fatalf("ClientOverNoise: %v", err)
	}
	sm, err := ServerOverNoise(ts, nil)
	if err != nil {
		t.Fatalf("ServerOverNoise: %v", err)
	}

	// Echo server side.
	go func() {
		for {
			stream, err := sm.AcceptStream()
			if err != nil {
				return
			}
			go func() {
				defer stream.Close()
				_, _ = io.Copy(stream, stream)
			}()
		}
	}()

	stream, err := cm.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	msg := []byte("media segment bytes")
	if _, err := stream.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("echo = %q", buf)
	}
	_ = stream.Close()
}
