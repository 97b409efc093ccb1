// Package simnet is a deterministic host for the udx stack: a virtual clock
// and an in-memory UDP fabric whose links can drop, duplicate and delay
// datagrams.
package simnet

import (
	"net/netip"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"UDX/pkg/udxstack"
)

// ErrAddrInUse is returned by ListenUDP for a bound address.
var ErrAddrInUse = errors.New("simnet: address in use")

// Datagram is one datagram on the simulated wire.
type Datagram struct {
	From, To netip.AddrPort
	Data     []byte
}

type event struct {
	at  time.Time
	seq uint64
	fn  func()
}

func eventLess(a, b *event) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Net is a simulated host and network. It implements udxstack.Loop.
type Net struct {
	now    time.Time
	events *btree.BTreeG[*event]
	seq    uint64

	endpoints map[netip.AddrPort]*Endpoint
	nextPort  uint16

	// Latency is the one-way delay of every datagram.
	Latency time.Duration

	// Drop, when set, is consulted for every datagram; returning true
	// loses it.
	Drop func(d Datagram) bool

	// Duplicate, when set, delivers a second copy of datagrams it accepts.
	Duplicate func(d Datagram) bool

	// Delay, when set, adds extra one-way delay to a datagram. Uneven
	// delays reorder the wire.
	Delay func(d Datagram) time.Duration

	// Unreachable, when set, makes sends to matching destinations fail.
	Unreachable func(to netip.AddrPort) bool

	Stats Stats
}

// Stats counts datagrams on the wire.
type Stats struct {
	Sent       int
	Delivered  int
	Dropped    int
	Duplicated int
}

// New returns a network whose clock starts at a fixed instant.
func New() *Net {
	return &Net{
		now:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		events:    btree.NewG(8, eventLess),
		endpoints: make(map[netip.AddrPort]*Endpoint),
		nextPort:  40000,
		Latency:   time.Millisecond,
	}
}

func (n *Net) schedule(at time.Time, fn func()) *event {
	n.seq++
	e := &event{at: at, seq: n.seq, fn: fn}
	n.events.ReplaceOrInsert(e)
	return e
}

// Now returns the virtual time.
func (n *Net) Now() time.Time { return n.now }

type timer struct {
	n       *Net
	ev      *event
	stopped bool
}

func (t *timer) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.ev != nil {
		t.n.events.Delete(t.ev)
		t.ev = nil
	}
}

// After runs fn once after d of virtual time.
func (n *Net) After(d time.Duration, fn func()) udxstack.Timer {
	t := &timer{n: n}
	t.ev = n.schedule(n.now.Add(d), func() {
		t.ev = nil
		if !t.stopped {
			fn()
		}
	})
	return t
}

// Every runs fn every d of virtual time until stopped.
func (n *Net) Every(d time.Duration, fn func()) udxstack.Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	t := &timer{n: n}
	var tick func()
	tick = func() {
		t.ev = nil
		if t.stopped {
			return
		}
		t.ev = n.schedule(n.now.Add(d), tick)
		fn()
	}
	t.ev = n.schedule(n.now.Add(d), tick)
	return t
}

// ListenUDP binds a simulated endpoint. Port 0 picks a free port.
func (n *Net) ListenUDP(addr netip.AddrPort, recv udxstack.RecvFunc) (udxstack.PacketConn, error) {
	if addr.Port() == 0 {
		for {
			n.nextPort++
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			if _, ok := n.endpoints[candidate]; !ok {
				addr = candidate
				break
			}
		}
	}
	if _, ok := n.endpoints[addr]; ok {
		return nil, errors.Wrapf(ErrAddrInUse, "%s", addr)
	}
	ep := &Endpoint{net: n, addr: addr, recv: recv}
	n.endpoints[addr] = ep
	return ep, nil
}

// Step runs the next scheduled event. It returns false if none is left.
func (n *Net) Step() bool {
	e, ok := n.events.DeleteMin()
	if !ok {
		return false
	}
	if e.at.After(n.now) {
		n.now = e.at
	}
	e.fn()
	return true
}

// Advance runs every event due within d and moves the clock forward by d.
func (n *Net) Advance(d time.Duration) {
	end := n.now.Add(d)
	for {
		e, ok := n.events.Min()
		if !ok || e.at.After(end) {
			break
		}
		n.Step()
	}
	n.now = end
}

// RunUntil runs events until cond holds or limit of virtual time passes.
// It reports whether cond held.
func (n *Net) RunUntil(cond func() bool, limit time.Duration) bool {
	end := n.now.Add(limit)
	for !cond() {
		e, ok := n.events.Min()
		if !ok || e.at.After(end) {
			n.now = end
			return cond()
		}
		n.Step()
	}
	return true
}

// Endpoint is a bound simulated UDP endpoint.
type Endpoint struct {
	net    *Net
	addr   netip.AddrPort
	recv   udxstack.RecvFunc
	closed bool
}

// LocalAddr returns the bound address.
func (ep *Endpoint) LocalAddr() netip.AddrPort { return ep.addr }

// WriteTo puts a copy of b on the wire towards to.
func (ep *Endpoint) WriteTo(b []byte, to netip.AddrPort) error {
	n := ep.net
	if ep.closed {
		return errors.New("simnet: endpoint closed")
	}
	if n.Unreachable != nil && n.Unreachable(to) {
		return errors.Errorf("simnet: %s unreachable", to)
	}
	d := Datagram{From: ep.addr, To: to, Data: append([]byte(nil), b...)}
	n.Stats.Sent++
	if n.Drop != nil && n.Drop(d) {
		n.Stats.Dropped++
		return nil
	}
	copies := 1
	if n.Duplicate != nil && n.Duplicate(d) {
		n.Stats.Duplicated++
		copies = 2
	}
	delay := n.Latency
	if n.Delay != nil {
		delay += n.Delay(d)
	}
	for i := 0; i < copies; i++ {
		data := append([]byte(nil), d.Data...)
		n.schedule(n.now.Add(delay), func() {
			dst, ok := n.endpoints[to]
			if !ok || dst.closed {
				return
			}
			n.Stats.Delivered++
			dst.recv(data, d.From)
		})
	}
	return nil
}

// Close unbinds the endpoint.
func (ep *Endpoint) Close() error {
	if ep.closed {
		return errors.New("simnet: endpoint closed")
	}
	ep.closed = true
	delete(ep.net.endpoints, ep.addr)
	return nil
}
