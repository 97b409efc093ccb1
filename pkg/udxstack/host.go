package udxstack

import (
	"net/netip"
	"time"
)

// RecvFunc is invoked by the host loop for every inbound datagram. The
// callee owns b.
type RecvFunc func(b []byte, from netip.AddrPort)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop()
}

// PacketConn is a bound UDP endpoint supplied by the host.
type PacketConn interface {
	WriteTo(b []byte, addr netip.AddrPort) error
	LocalAddr() netip.AddrPort
	Close() error
}

// Loop is the host event loop. All callbacks it invokes (datagram receipt,
// timers) must run on one goroutine, and Sockets and Streams must only be
// used from that goroutine.
type Loop interface {
	Now() time.Time
	Every(d time.Duration, fn func()) Timer
	After(d time.Duration, fn func()) Timer
	ListenUDP(addr netip.AddrPort, recv RecvFunc) (PacketConn, error)
}
