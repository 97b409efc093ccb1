package udxstack

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"UDX/pkg/packet"
)

// AckFunc is the completion callback of a write. It fires exactly once:
// with a nil err once the peer acknowledged every byte of the write, or
// with the failure reason. unordered reports whether an earlier write on
// the same stream was still pending when this one completed.
type AckFunc func(req *WriteRequest, err error, unordered bool)

// WriteRequest is one submitted write.
type WriteRequest struct {
	ID        uint64
	Unordered bool

	cb        AckFunc
	lastSeq   seqnum.Value
	remaining int // packets not yet acknowledged
	size      int

	done chan struct{}
	err  error
}

// Done is closed when the write completes.
func (w *WriteRequest) Done() <-chan struct{} { return w.done }

// Err returns the completion status. Only valid after Done is closed.
func (w *WriteRequest) Err() error { return w.err }

// Len returns the number of bytes submitted.
func (w *WriteRequest) Len() int { return w.size }

func (w *WriteRequest) finish(err error, unordered bool) {
	select {
	case <-w.done:
		return
	default:
	}
	w.err = err
	close(w.done)
	if w.cb != nil {
		w.cb(w, err, unordered)
	}
}

// Write queues bufs for ordered, reliable delivery. cb may be nil. Writes
// stay valid after the peer ended its side, until End is called.
func (s *Stream) Write(bufs [][]byte, cb AckFunc) (*WriteRequest, error) {
	return s.write(bufs, cb, false)
}

// WriteUnordered queues bufs for reliable delivery that the peer hands to
// its message callback as soon as each packet arrives. Its completion may
// fire before earlier writes complete.
func (s *Stream) WriteUnordered(bufs [][]byte, cb AckFunc) (*WriteRequest, error) {
	return s.write(bufs, cb, true)
}

func (s *Stream) write(bufs [][]byte, cb AckFunc, unordered bool) (*WriteRequest, error) {
	switch {
	case s.state == StateClosing || s.state == StateDestroyed:
		return nil, errors.Wrapf(ErrInvalidState, "write in state %s", s.state)
	case s.localEnded:
		return nil, errors.Wrap(ErrInvalidState, "write after end")
	}

	req := &WriteRequest{
		ID:        s.nextWriteID,
		Unordered: unordered,
		cb:        cb,
		done:      make(chan struct{}),
	}
	s.nextWriteID++

	if len(bufs) == 0 {
		req.finish(nil, false)
		return req, nil
	}

	var flags packet.Flags
	if unordered {
		flags |= packet.FlagUnordered
	}
	for _, chunk := range split(bufs, s.opts.MSS()) {
		e := &RetransmissionEntry{
			Seq:     s.nextSeq,
			Type:    packet.TypeData,
			Flags:   flags,
			Payload: chunk,
			write:   req,
		}
		s.nextSeq.UpdateForward(1)
		req.lastSeq = e.Seq
		req.remaining++
		req.size += len(chunk)
		s.outgoing = append(s.outgoing, e)
	}
	s.writes = append(s.writes, req)
	s.flush()
	return req, nil
}

// split copies bufs into chunks of at most mss bytes. Buffers totalling
// zero bytes produce one empty chunk.
func split(bufs [][]byte, mss int) [][]byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (total+mss-1)/mss)
	cur := make([]byte, 0, min(mss, total))
	for _, b := range bufs {
		for len(b) > 0 {
			n := min(mss-len(cur), len(b))
			cur = append(cur, b[:n]...)
			b = b[n:]
			if len(cur) == mss {
				chunks = append(chunks, cur)
				total -= mss
				cur = make([]byte, 0, min(mss, total))
			}
		}
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// Send transmits b as one unreliable message. cb, if not nil, fires with
// the result of handing the datagram to the socket.
func (s *Stream) Send(b []byte, cb func(error)) error {
	if s.state != StateConnected && s.state != StateClosing {
		return errors.Wrapf(ErrInvalidState, "send in state %s", s.state)
	}
	if len(b) > s.opts.MSS() {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes, max %d", len(b), s.opts.MSS())
	}
	p := &packet.Packet{Header: s.header(packet.TypeMessage), Payload: b}
	err := s.emit(p)
	if err == nil {
		s.pendingAck = false
	}
	if cb != nil {
		cb(err)
	}
	return nil
}

// flush transmits queued packets while the congestion and peer windows
// allow, then acknowledges anything received if no data carried the ack.
func (s *Stream) flush() {
	if s.state != StateConnected && s.state != StateClosing {
		return
	}
	for len(s.outgoing) > 0 {
		e := s.outgoing[0]
		if s.rq.Len() > 0 {
			// one packet is always allowed when nothing is in flight, so a
			// closed peer window is probed by the retransmission timer
			size := max(e.Size(), 1)
			inflight := s.rq.Bytes()
			if s.cc.Available(inflight) < size || inflight+size > int(s.remoteWindow) {
				break
			}
		}
		s.outgoing[0] = nil
		s.outgoing = s.outgoing[1:]
		s.rq.AddEntry(e, s.loop.Now())
		s.sndNxt = e.Seq + 1
		if !s.transmit(e) {
			return
		}
	}
	if s.pendingAck {
		s.sendAck()
	}
}

// transmit sends a sequenced packet. It returns false if the stream was
// destroyed by repeated send failures.
func (s *Stream) transmit(e *RetransmissionEntry) bool {
	h := s.header(e.Type)
	h.Seq = e.Seq
	h.Flags = e.Flags
	if err := s.emit(&packet.Packet{Header: h, Payload: e.Payload}); err != nil {
		return s.state != StateDestroyed
	}
	s.pendingAck = false
	s.stats.BytesSent += uint64(e.Size())
	return true
}

func (s *Stream) sendOpen() {
	s.openSent = s.loop.Now()
	s.sendControl(packet.TypeOpen)
}

func (s *Stream) sendAck() {
	s.pendingAck = false
	s.sendControl(packet.TypeAck)
}

func (s *Stream) sendControl(typ packet.Type) {
	_ = s.emit(&packet.Packet{Header: s.header(typ)})
}

// header fills the fields every packet carries: ids, the cumulative and
// selective ack and the advertised window.
func (s *Stream) header(typ packet.Type) packet.Header {
	return packet.Header{
		Version:  packet.Version,
		Type:     typ,
		LocalID:  s.id,
		RemoteID: s.remoteID,
		Seq:      s.sndNxt,
		Ack:      s.window.Ack(),
		Window:   uint32(s.advertisedWindow()),
		SACK:     s.window.SACK(),
	}
}

func (s *Stream) advertisedWindow() int {
	free := s.window.Free() - s.unreadBytes
	if free < 0 {
		return 0
	}
	return free
}

// emit hands p to the socket. Send failures are a loss signal; too many in
// a row destroy the stream with ErrAddressUnreachable.
func (s *Stream) emit(p *packet.Packet) error {
	if s.socket == nil {
		return errors.Wrap(ErrInvalidState, "stream not attached")
	}
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	err = s.socket.send(b, s.remoteAddr)
	if err == nil {
		s.sendErrors = 0
		s.stats.PacketsSent++
		return nil
	}
	s.sendErrors++
	s.cc.OnLoss()
	s.log.Debug("send failed", zap.Stringer("type", p.Type), zap.Int("consecutive", s.sendErrors), zap.Error(err))
	if s.sendErrors >= s.opts.MaxSendErrors && p.Type != packet.TypeDestroy {
		s.log.Warn("peer unreachable", zap.Int("failures", s.sendErrors))
		s.destroy(errors.Wrapf(ErrAddressUnreachable, "%d consecutive send failures", s.sendErrors), false)
	}
	return err
}

// handleAck processes the cumulative ack, selective acks and window that
// every packet from the peer carries.
func (s *Stream) handleAck(h *packet.Header) {
	ack := h.Ack
	// only acks within [remoteAck, sndNxt) refer to packets we have sent
	if !ack.InRange(s.remoteAck, s.sndNxt) {
		return
	}
	s.remoteWindow = h.Window

	now := s.loop.Now()
	var acked []*RetransmissionEntry
	if ack != s.remoteAck {
		acked = s.rq.RemoveAckedEntries(ack, now)
		s.remoteAck = ack
	}
	if len(h.SACK) > 0 {
		acked = append(acked, s.rq.RemoveSelected(h.SACK.Sequences(ack), now)...)
	}
	if len(acked) == 0 {
		return
	}

	finished := false
	for _, e := range acked {
		s.cc.OnAck(e.Size())
		switch {
		case e.write != nil:
			e.write.remaining--
		case e.Type == packet.TypeEnd:
			finished = true
		}
	}
	s.completeWrites()
	if finished && s.state != StateDestroyed && !s.endAcked {
		s.endAcked = true
		s.log.Debug("end acknowledged")
		if cb := s.endCb; cb != nil {
			s.endCb = nil
			cb(nil)
		}
		if s.onFinish != nil && s.state != StateDestroyed {
			s.onFinish(s)
		}
	}
}

// completeWrites fires the callbacks of writes that are now fully
// acknowledged: ordered writes once the cumulative ack covers their last
// packet, unordered writes once each of their packets was acknowledged.
func (s *Stream) completeWrites() {
	type completion struct {
		w         *WriteRequest
		unordered bool
	}
	var (
		done    []completion
		pending bool
	)
	kept := s.writes[:0]
	for _, w := range s.writes {
		var complete bool
		if w.Unordered {
			complete = w.remaining == 0
		} else {
			complete = w.lastSeq.LessThanEq(s.remoteAck)
		}
		if complete {
			done = append(done, completion{w, pending})
		} else {
			pending = true
			kept = append(kept, w)
		}
	}
	for i := len(kept); i < len(s.writes); i++ {
		s.writes[i] = nil
	}
	s.writes = kept

	// callbacks may write or destroy; the completions collected above are
	// acknowledged either way
	for _, c := range done {
		c.w.finish(nil, c.unordered)
	}
}
