package pending

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestResolveDeliversResult(t *testing.T) {
	tbl := New(0)
	w, err := tbl.Register("i-1", "r-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		if !tbl.Resolve("r-1", Result{Payload: json.RawMessage(`{"status":200}`)}) {
			t.Errorf("resolve reported no waiter")
		}
	}()
	res, err := tbl.Await(context.Background(), w, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(res.Payload) != `{"status":200}` {
		t.Fatalf("unexpected payload: %s", res.Payload)
	}
	if tbl.Count() != 0 {
		t.Fatalf("expected empty table after await")
	}
}

func TestDuplicateRegister(t *testing.T) {
	tbl := New(0)
	if _, err := tbl.Register("i-1", "r-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := tbl.Register("i-1", "r-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDuplicateResolveDropped(t *testing.T) {
	tbl := New(0)
	w, _ := tbl.Register("i-1", "r-1")
	if !tbl.Resolve("r-1", Result{Payload: json.RawMessage(`1`)}) {
		t.Fatalf("first resolve failed")
	}
	if tbl.Resolve("r-1", Result{Payload: json.RawMessage(`2`)}) {
		t.Fatalf("second resolve should find no waiter")
	}
	res, err := tbl.Await(context.Background(), w, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(res.Payload) != `1` {
		t.Fatalf("expected first response to win, got %s", res.Payload)
	}
}

func TestAwaitTimeout(t *testing.T) {
	tbl := New(0)
	w, _ := tbl.Register("i-1", "r-1")
	_, err := tbl.Await(context.Background(), w, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if tbl.Count() != 0 {
		t.Fatalf("expected waiter removed after timeout")
	}
}

func TestAwaitContextCancel(t *testing.T) {
	tbl := New(0)
	w, _ := tbl.Register("i-1", "r-1")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := tbl.Await(ctx, w, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancel, got %v", err)
	}
}

func TestFailAllOnDisconnect(t *testing.T) {
	tbl := New(0)
	w1, _ := tbl.Register("i-1", "r-1")
	w2, _ := tbl.Register("i-1", "r-2")
	w3, _ := tbl.Register("i-2", "r-3")

	done := make(chan error, 2)
	for _, w := range []*Waiter{w1, w2} {
		go func(w *Waiter) {
			_, err := tbl.Await(context.Background(), w, 5*time.Second)
			done <- err
		}(w)
	}
	time.Sleep(10 * time.Millisecond)

	if n := tbl.FailAll("i-1", ErrTunnelDisconnected); n != 2 {
		t.Fatalf("expected 2 failed waiters, got %d", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrTunnelDisconnected) {
				t.Fatalf("expected tunnel_disconnected, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter did not fail promptly")
		}
	}

	// The other instance's waiter is untouched.
	go tbl.Resolve("r-3", Result{Payload: json.RawMessage(`3`)})
	if _, err := tbl.Await(context.Background(), w3, time.Second); err != nil {
		t.Fatalf("unrelated waiter failed: %v", err)
	}
}

func TestStreamAssembly(t *testing.T) {
	tbl := New(0)
	w, _ := tbl.Register("i-1", "r-1")
	if !tbl.Chunk("r-1", []byte("hello ")) {
		t.Fatalf("chunk 1 found no waiter")
	}
	tbl.Chunk("r-1", []byte("world"))
	tbl.EndStream("r-1")
	res, err := tbl.Await(context.Background(), w, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !res.Streamed || string(res.Stream) != "hello world" {
		t.Fatalf("unexpected stream result: %+v", res)
	}
}

func TestStreamOverflowFailsWaiter(t *testing.T) {
	tbl := New(8)
	w, _ := tbl.Register("i-1", "r-1")
	tbl.Chunk("r-1", []byte("0123456789"))
	_, err := tbl.Await(context.Background(), w, time.Second)
	if !errors.Is(err, ErrStreamTooLarge) {
		t.Fatalf("expected stream overflow, got %v", err)
	}
}
