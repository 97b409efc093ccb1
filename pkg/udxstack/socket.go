package udxstack

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"UDX/pkg/packet"
)

// PreconnectState is the probing mode of a Socket.
type PreconnectState int

const (
	PreconnectInactive PreconnectState = iota
	PreconnectProbing
	// PreconnectCompleted means at least one peer has been reported.
	// Reporting continues until StopPreconnect.
	PreconnectCompleted
)

func (p PreconnectState) String() string {
	switch p {
	case PreconnectInactive:
		return "INACTIVE"
	case PreconnectProbing:
		return "PROBING"
	case PreconnectCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("PRECONNECT(%d)", int(p))
	}
}

type (
	// PreconnectFunc is told about a peer that is trying to reach an
	// unattached stream id. senderID is the peer's stream id; connecting a
	// stream with it as remote id completes the rendezvous.
	PreconnectFunc func(sock *Socket, senderID uint32, addr netip.AddrPort)

	// ProbeFunc receives the address the probed socket observed us at.
	ProbeFunc func(sock *Socket, observed netip.AddrPort, err error)
)

type peerKey struct {
	addr netip.AddrPort
	id   uint32
}

type pendingProbe struct {
	addr    netip.AddrPort
	cb      ProbeFunc
	sent    time.Time
	rto     time.Duration
	retries int
}

// Socket multiplexes streams over one UDP endpoint. A Socket must only be
// used from its loop's goroutine.
type Socket struct {
	loop Loop
	opts Options
	log  *zap.Logger

	conn   PacketConn
	ticker Timer

	// attachment table keyed by local stream id
	streams map[uint32]*Stream

	preconnect   PreconnectState
	onPreconnect PreconnectFunc
	reported     map[peerKey]struct{}

	probes map[uint32]*pendingProbe

	closing bool
	closed  bool
	onClose func(error)

	stats SocketStats
}

// SocketStats counts datagrams handled by a socket.
type SocketStats struct {
	DatagramsReceived uint64
	DatagramsSent     uint64
	Malformed         uint64
	Unrouted          uint64
	SendErrors        uint64
}

// NewSocket returns an unbound socket. A nil opts selects DefaultOptions.
func NewSocket(loop Loop, opts *Options) *Socket {
	o := resolveOptions(opts)
	return &Socket{
		loop:     loop,
		opts:     o,
		log:      o.Logger,
		streams:  make(map[uint32]*Stream),
		reported: make(map[peerKey]struct{}),
		probes:   make(map[uint32]*pendingProbe),
	}
}

// Bind opens the UDP endpoint and starts the retransmission tick.
func (s *Socket) Bind(addr netip.AddrPort) error {
	switch {
	case s.closing || s.closed:
		return ErrSocketClosed
	case s.conn != nil:
		return errors.Wrap(ErrInvalidState, "socket already bound")
	}
	conn, err := s.loop.ListenUDP(addr, s.onDatagram)
	if err != nil {
		return errors.Wrapf(err, "bind %s", addr)
	}
	s.conn = conn
	s.log = s.log.With(zap.Stringer("local", conn.LocalAddr()))
	s.ticker = s.loop.Every(s.opts.TickInterval, s.tick)
	s.log.Debug("socket bound")
	return nil
}

// LocalAddr returns the bound address, or the zero value before Bind.
func (s *Socket) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr()
}

// Options returns the options streams created for this socket should use.
func (s *Socket) Options() *Options {
	o := s.opts
	return &o
}

// Stats returns the socket counters.
func (s *Socket) Stats() SocketStats { return s.stats }

// Stream returns the attached stream with local id id.
func (s *Socket) Stream(id uint32) (*Stream, bool) {
	st, ok := s.streams[id]
	return st, ok
}

// Streams returns the attached streams ordered by id.
func (s *Socket) Streams() []*Stream {
	out := make([]*Stream, 0, len(s.streams))
	for _, id := range slices.Sorted(maps.Keys(s.streams)) {
		out = append(out, s.streams[id])
	}
	return out
}

// Preconnect puts the socket into probing mode. fn is called once for
// every distinct peer whose probe or handshake targets an unattached id.
func (s *Socket) Preconnect(fn PreconnectFunc) error {
	if s.closing || s.closed {
		return ErrSocketClosed
	}
	if fn == nil {
		return errors.New("udx: nil preconnect callback")
	}
	s.onPreconnect = fn
	if s.preconnect == PreconnectInactive {
		s.preconnect = PreconnectProbing
	}
	s.log.Debug("preconnect started")
	return nil
}

// StopPreconnect leaves probing mode and forgets reported peers.
func (s *Socket) StopPreconnect() {
	s.preconnect = PreconnectInactive
	s.onPreconnect = nil
	clear(s.reported)
}

// PreconnectState returns the probing mode.
func (s *Socket) PreconnectState() PreconnectState { return s.preconnect }

// Probe asks the socket at addr which address it sees us at. The probe is
// retransmitted like a handshake; cb fires once with the reflected address
// or ErrConnectionTimedOut. id is the stream id reported to a socket in
// preconnect mode.
func (s *Socket) Probe(addr netip.AddrPort, id uint32, cb ProbeFunc) error {
	switch {
	case s.closing || s.closed:
		return ErrSocketClosed
	case s.conn == nil:
		return errors.Wrap(ErrInvalidState, "probe on unbound socket")
	case cb == nil:
		return errors.New("udx: nil probe callback")
	}
	if _, ok := s.probes[id]; ok {
		return errors.Wrapf(ErrInvalidState, "probe %d already pending", id)
	}
	pp := &pendingProbe{addr: addr, cb: cb, rto: s.opts.InitialRTO}
	s.probes[id] = pp
	s.sendProbe(id, pp)
	return nil
}

func (s *Socket) sendProbe(id uint32, pp *pendingProbe) {
	pp.sent = s.loop.Now()
	p := &packet.Packet{Header: packet.Header{Version: packet.Version, Type: packet.TypeProbe, LocalID: id}}
	b, err := p.Marshal()
	if err == nil {
		err = s.send(b, pp.addr)
	}
	if err != nil {
		s.log.Debug("probe send failed", zap.Stringer("addr", pp.addr), zap.Error(err))
	}
}

// Close stops accepting attachments and closes the endpoint once the last
// attached stream detaches. cb, if not nil, fires then.
func (s *Socket) Close(cb func(error)) error {
	if s.closing || s.closed {
		return ErrSocketClosed
	}
	s.closing = true
	s.onClose = cb
	s.StopPreconnect()
	s.log.Debug("socket closing", zap.Int("streams", len(s.streams)))
	if len(s.streams) == 0 {
		s.finishClose()
	}
	return nil
}

func (s *Socket) finishClose() {
	if s.closed {
		return
	}
	s.closed = true
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	for id, pp := range s.probes {
		delete(s.probes, id)
		pp.cb(s, netip.AddrPort{}, ErrSocketClosed)
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.log.Debug("socket closed")
	if cb := s.onClose; cb != nil {
		s.onClose = nil
		cb(err)
	}
}

func (s *Socket) attach(st *Stream) error {
	switch {
	case s.closing || s.closed:
		return ErrSocketClosed
	case s.conn == nil:
		return errors.Wrap(ErrInvalidState, "socket not bound")
	}
	if _, ok := s.streams[st.id]; ok {
		return errors.Wrapf(ErrStreamIDInUse, "stream id %d", st.id)
	}
	s.streams[st.id] = st
	return nil
}

func (s *Socket) detach(st *Stream) {
	if cur, ok := s.streams[st.id]; ok && cur == st {
		delete(s.streams, st.id)
	}
}

func (s *Socket) maybeFinishClose() {
	if s.closing && len(s.streams) == 0 {
		s.finishClose()
	}
}

func (s *Socket) send(b []byte, addr netip.AddrPort) error {
	if s.conn == nil || s.closed {
		return ErrSocketClosed
	}
	if err := s.conn.WriteTo(b, addr); err != nil {
		s.stats.SendErrors++
		return errors.Wrapf(ErrAddressUnreachable, "send to %s: %v", addr, err)
	}
	s.stats.DatagramsSent++
	return nil
}

func (s *Socket) onDatagram(b []byte, from netip.AddrPort) {
	if s.closed {
		return
	}
	s.stats.DatagramsReceived++
	p, err := packet.Unmarshal(b)
	if err != nil {
		s.stats.Malformed++
		s.log.Debug("dropping datagram", zap.Stringer("from", from), zap.Error(err))
		return
	}

	switch p.Type {
	case packet.TypeProbe:
		reply := &packet.Packet{
			Header:  packet.Header{Version: packet.Version, Type: packet.TypeProbeReply, RemoteID: p.LocalID},
			Payload: packet.MarshalAddr(from),
		}
		if b, err := reply.Marshal(); err == nil {
			_ = s.send(b, from)
		}
		s.maybePreconnect(p, from)
		return
	case packet.TypeProbeReply:
		s.handleProbeReply(p)
		return
	}

	st, ok := s.streams[p.RemoteID]
	if !ok && p.Type == packet.TypeOpen {
		s.maybePreconnect(p, from)
		st, ok = s.streams[p.RemoteID]
	}
	if ok && st.remoteID != p.LocalID && p.Type == packet.TypeOpen {
		st.adoptRemoteID(p.LocalID)
	}
	if !ok || st.remoteID != p.LocalID {
		s.stats.Unrouted++
		s.log.Debug("no stream for packet",
			zap.Stringer("type", p.Type),
			zap.Uint32("local", p.RemoteID),
			zap.Uint32("remote", p.LocalID),
			zap.Stringer("from", from))
		return
	}
	st.onPacket(p, from)
}

// maybePreconnect reports the sender of p if preconnect is active and the
// peer was not reported before. An open must also target an unattached id;
// a probe names no target stream.
func (s *Socket) maybePreconnect(p *packet.Packet, from netip.AddrPort) {
	if s.preconnect == PreconnectInactive || s.onPreconnect == nil {
		return
	}
	if _, ok := s.streams[p.RemoteID]; ok && p.Type == packet.TypeOpen {
		return
	}
	key := peerKey{addr: from, id: p.LocalID}
	if _, ok := s.reported[key]; ok {
		return
	}
	for _, st := range s.streams {
		if st.remoteAddr == from && st.remoteID == p.LocalID {
			return
		}
	}
	s.reported[key] = struct{}{}
	s.preconnect = PreconnectCompleted
	s.log.Info("preconnect", zap.Uint32("sender", p.LocalID), zap.Uint32("target", p.RemoteID), zap.Stringer("addr", from))
	s.onPreconnect(s, p.LocalID, from)
}

func (s *Socket) handleProbeReply(p *packet.Packet) {
	pp, ok := s.probes[p.RemoteID]
	if !ok {
		return
	}
	observed, err := packet.UnmarshalAddr(p.Payload)
	if err != nil {
		s.log.Debug("bad probe reply", zap.Error(err))
		return
	}
	delete(s.probes, p.RemoteID)
	pp.cb(s, observed, nil)
}

func (s *Socket) tick() {
	if s.closed {
		return
	}
	now := s.loop.Now()
	for _, st := range s.Streams() {
		if st.socket == s {
			st.onTick(now)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(s.probes)) {
		pp, ok := s.probes[id]
		if !ok || now.Sub(pp.sent) < pp.rto {
			continue
		}
		if pp.retries >= s.opts.MaxRetries {
			delete(s.probes, id)
			pp.cb(s, netip.AddrPort{}, errors.Wrapf(ErrConnectionTimedOut, "probe %s", pp.addr))
			continue
		}
		pp.retries++
		pp.rto = min(2*pp.rto, s.opts.RTOMax)
		s.sendProbe(id, pp)
	}
}
