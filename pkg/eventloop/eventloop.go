// Package eventloop runs the udx stack on real UDP sockets. Every datagram,
// timer and posted task executes on one goroutine, the loop's executor.
package eventloop

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"UDX/pkg/udxstack"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("eventloop: stopped")

const maxDatagram = 64 << 10

// Loop is a single-goroutine executor implementing udxstack.Loop.
type Loop struct {
	log   *zap.Logger
	tasks chan func()

	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New returns a loop. log may be nil.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:   log,
		tasks: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("eventloop: already running")
	}
	defer l.Stop()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		}
	}
}

// Stop ends Run. Pending tasks are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn to run on the loop. It reports false if the loop stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time { return time.Now() }

type timer struct {
	stopped atomic.Bool
	stop    func()
}

func (t *timer) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		t.stop()
	}
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) udxstack.Timer {
	t := &timer{}
	at := time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.stopped.Load() {
				fn()
			}
		})
	})
	t.stop = func() { at.Stop() }
	return t
}

// Every runs fn on the loop every d until stopped. Ticks that find the loop
// busy are coalesced.
func (l *Loop) Every(d time.Duration, fn func()) udxstack.Timer {
	t := &timer{}
	ticker := time.NewTicker(d)
	quit := make(chan struct{})
	t.stop = func() {
		ticker.Stop()
		close(quit)
	}
	var queued atomic.Bool
	go func() {
		for {
			select {
			case <-ticker.C:
				if !queued.CompareAndSwap(false, true) {
					continue
				}
				l.Post(func() {
					queued.Store(false)
					if !t.stopped.Load() {
						fn()
					}
				})
			case <-quit:
				return
			case <-l.done:
				ticker.Stop()
				return
			}
		}
	}()
	return t
}

// ListenUDP binds addr and starts a reader goroutine that posts each
// datagram to the loop.
func (l *Loop) ListenUDP(addr netip.AddrPort, recv udxstack.RecvFunc) (udxstack.PacketConn, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	c := &udpConn{conn: conn, log: l.log.With(zap.Stringer("local", conn.LocalAddr()))}
	go c.readLoop(l, recv)
	return c, nil
}

type udpConn struct {
	conn   *net.UDPConn
	log    *zap.Logger
	closed atomic.Bool
}

func (c *udpConn) readLoop(l *Loop, recv udxstack.RecvFunc) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn("udp read failed", zap.Error(err))
			}
			return
		}
		b := append([]byte(nil), buf[:n]...)
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if !l.Post(func() {
			if !c.closed.Load() {
				recv(b, from)
			}
		}) {
			return
		}
	}
}

func (c *udpConn) WriteTo(b []byte, addr netip.AddrPort) error {
	_, err := c.conn.WriteToUDPAddrPort(b, addr)
	return err
}

func (c *udpConn) LocalAddr() netip.AddrPort {
	ap := c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (c *udpConn) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
