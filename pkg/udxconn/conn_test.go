package udxconn

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"UDX/pkg/eventloop"
	"UDX/pkg/udxstack"
)

// dial connects two streams over loopback and wraps both.
func dial(t *testing.T, size int) (*Conn, *Conn) {
	t.Helper()
	l := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(cancel)

	var a, b *udxstack.Stream
	err := l.Do(func() {
		loopback := netip.MustParseAddrPort("127.0.0.1:0")
		sa, sb := udxstack.NewSocket(l, nil), udxstack.NewSocket(l, nil)
		if err := sa.Bind(loopback); err != nil {
			t.Error(err)
			return
		}
		if err := sb.Bind(loopback); err != nil {
			t.Error(err)
			return
		}
		a, b = udxstack.NewStream(l, 1, nil), udxstack.NewStream(l, 2, nil)
		if err := a.Connect(sa, 2, sb.LocalAddr(), nil); err != nil {
			t.Error(err)
		}
		if err := b.Connect(sb, 1, sa.LocalAddr(), nil); err != nil {
			t.Error(err)
		}
	})
	if err != nil || t.Failed() {
		t.Fatalf("setup failed: %v", err)
	}

	ca, err := New(l, a, size)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := New(l, b, size)
	if err != nil {
		t.Fatal(err)
	}
	return ca, cb
}

func TestCopyUntilEOF(t *testing.T) {
	ca, cb := dial(t, 4096)

	payload := make([]byte, 256<<10)
	rand.New(rand.NewSource(1)).Read(payload)

	werr := make(chan error, 1)
	go func() {
		if _, err := io.Copy(ca, bytes.NewReader(payload)); err != nil {
			werr <- err
			return
		}
		werr <- ca.CloseWrite()
	}()

	got, err := io.ReadAll(cb)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := <-werr; err != nil {
		t.Fatalf("writer: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes that differ from the %d sent", len(got), len(payload))
	}

	if err := cb.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := cb.Write([]byte("x")); err == nil {
		t.Error("write after Close succeeded")
	}
}

func TestReadContextCancel(t *testing.T) {
	_, cb := dial(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cb.ReadContext(ctx, make([]byte, 10)); err != context.DeadlineExceeded {
		t.Errorf("ReadContext = %v, want deadline exceeded", err)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	_, cb := dial(t, 0)
	done := make(chan error, 1)
	go func() {
		_, err := cb.Read(make([]byte, 10))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = cb.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Read returned no error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
}
