package eventloop

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"UDX/pkg/udxstack"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return l
}

func TestDoRunsOnLoop(t *testing.T) {
	l := startLoop(t)
	ran := false
	if err := l.Do(func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("task did not run")
	}
}

func TestStoppedLoopRejectsWork(t *testing.T) {
	l := New(nil)
	l.Stop()
	if l.Post(func() {}) {
		t.Error("Post succeeded on a stopped loop")
	}
	if err := l.Do(func() {}); err != ErrStopped {
		t.Errorf("Do = %v, want ErrStopped", err)
	}
}

func TestTimers(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.After(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("After never fired")
	}

	var ticks atomic.Int32
	var tm udxstack.Timer
	if err := l.Do(func() { tm = l.Every(2*time.Millisecond, func() { ticks.Add(1) }) }); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatalf("Every ticked %d times", ticks.Load())
	}
	tm.Stop()
	// a tick already posted may still be queued; let it drain
	_ = l.Do(func() {})
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	_ = l.Do(func() {})
	if got := ticks.Load(); got != after {
		t.Errorf("ticked %d more times after Stop", got-after)
	}

	cancelled := atomic.Bool{}
	l.After(5*time.Millisecond, func() { cancelled.Store(true) }).Stop()
	time.Sleep(20 * time.Millisecond)
	if cancelled.Load() {
		t.Error("stopped After fired")
	}
}

func TestStreamOverLoopback(t *testing.T) {
	l := startLoop(t)
	loopback := netip.MustParseAddrPort("127.0.0.1:0")

	got := make(chan string, 1)
	acked := make(chan error, 1)
	err := l.Do(func() {
		sa := udxstack.NewSocket(l, nil)
		sb := udxstack.NewSocket(l, nil)
		if err := sa.Bind(loopback); err != nil {
			t.Errorf("bind a: %v", err)
			return
		}
		if err := sb.Bind(loopback); err != nil {
			t.Errorf("bind b: %v", err)
			return
		}

		a := udxstack.NewStream(l, 1, nil)
		b := udxstack.NewStream(l, 2, nil)
		_ = a.ReadStart(func(_ *udxstack.Stream, p []byte) { got <- string(p) })
		if err := sa.Preconnect(func(sock *udxstack.Socket, id uint32, addr netip.AddrPort) {
			if err := a.Connect(sock, id, addr, nil); err != nil {
				t.Errorf("connect a: %v", err)
			}
		}); err != nil {
			t.Errorf("preconnect: %v", err)
			return
		}
		if err := b.Connect(sb, 1, sa.LocalAddr(), nil); err != nil {
			t.Errorf("connect b: %v", err)
			return
		}
		_, err := b.Write([][]byte{[]byte("hello")}, func(_ *udxstack.WriteRequest, err error, unordered bool) {
			if unordered {
				t.Error("single write reported unordered")
			}
			acked <- err
		})
		if err != nil {
			t.Errorf("write: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-got:
		if s != "hello" {
			t.Errorf("read %q, want hello", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no data over loopback")
	}
	select {
	case err := <-acked:
		if err != nil {
			t.Errorf("write completion: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write never acknowledged")
	}
}
