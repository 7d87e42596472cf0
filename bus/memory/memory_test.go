package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/ferry/bus"
)

// collect subscribes until n messages arrive and returns them.
func collect(t *testing.T, b *Bus, subject string, n int) []*bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []*bus.Message
	)
	done := make(chan struct{})
	go func() {
		_ = b.Subscribe(ctx, subject, func(_ context.Context, msg *bus.Message) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg)
			if len(got) == n {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for %d messages", n)
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestBus_DeliversInOrderWithoutHold(t *testing.T) {
	b := New(Options{})
	t.Cleanup(func() { _ = b.Close() })

	for i := range 5 {
		err := b.Publish(t.Context(), "uploads", bus.Headers{"i": strconv.Itoa(i)}, []byte{byte(i)})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := collect(t, b, "uploads", 5)
	for i, msg := range got {
		if msg.Headers["i"] != strconv.Itoa(i) {
			t.Errorf("message %d has header %q", i, msg.Headers["i"])
		}
		if msg.Subject != "uploads" {
			t.Errorf("subject = %q", msg.Subject)
		}
	}
	if b.Acked() != 5 {
		t.Errorf("Acked() = %d, want 5", b.Acked())
	}
}

func TestBus_PublishCopiesInput(t *testing.T) {
	b := New(Options{})
	t.Cleanup(func() { _ = b.Close() })

	headers := bus.Headers{"k": "v"}
	payload := []byte("abc")
	if err := b.Publish(t.Context(), "s", headers, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	headers["k"] = "changed"
	payload[0] = 'z'

	msg := b.Published("s")[0]
	if msg.Headers["k"] != "v" || string(msg.Payload) != "abc" {
		t.Errorf("published message aliased caller memory: %v %q", msg.Headers, msg.Payload)
	}
}

func TestBus_HoldAndShuffle(t *testing.T) {
	b := New(Options{Hold: true, Shuffle: true, Seed: 7})
	t.Cleanup(func() { _ = b.Close() })

	const n = 50
	for i := range n {
		if err := b.Publish(t.Context(), "s", bus.Headers{"i": strconv.Itoa(i)}, []byte{1}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := b.Pending("s"); got != n {
		t.Fatalf("Pending = %d, want %d", got, n)
	}

	b.Flush()
	got := collect(t, b, "s", n)

	seen := make(map[string]bool)
	inOrder := true
	for i, msg := range got {
		seen[msg.Headers["i"]] = true
		if msg.Headers["i"] != strconv.Itoa(i) {
			inOrder = false
		}
	}
	if len(seen) != n {
		t.Errorf("got %d distinct messages, want %d", len(seen), n)
	}
	if inOrder {
		t.Error("shuffle delivered messages in publish order")
	}
}

func TestBus_DuplicateRateOne(t *testing.T) {
	b := New(Options{DuplicateRate: 1})
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Publish(t.Context(), "s", nil, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := collect(t, b, "s", 2)
	if string(got[0].Payload) != "x" || string(got[1].Payload) != "x" {
		t.Errorf("duplicates differ: %q %q", got[0].Payload, got[1].Payload)
	}
}

func TestBus_HandlerErrorSkipsAck(t *testing.T) {
	b := New(Options{})
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Publish(t.Context(), "s", nil, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	handled := make(chan struct{})
	go func() {
		_ = b.Subscribe(ctx, "s", func(context.Context, *bus.Message) error {
			close(handled)
			return errors.New("boom")
		})
	}()
	<-handled
	cancel()

	if b.Acked() != 0 {
		t.Errorf("Acked() = %d, want 0", b.Acked())
	}
}

func TestBus_Close(t *testing.T) {
	b := New(Options{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Subscribe(context.Background(), "s", func(context.Context, *bus.Message) error { return nil })
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, bus.ErrClosed) {
			t.Errorf("Subscribe returned %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return after Close")
	}

	if err := b.Publish(t.Context(), "s", nil, []byte("x")); !errors.Is(err, bus.ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBus_PublishHonorsContext(t *testing.T) {
	b := New(Options{})
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := b.Publish(ctx, "s", nil, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish = %v, want context.Canceled", err)
	}
}
