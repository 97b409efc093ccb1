package udxstack

import (
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"UDX/pkg/packet"
)

// ReadStart registers the ordered-delivery callback. Data received before
// the first ReadStart, or while reading is stopped, is buffered and
// delivered first.
func (s *Stream) ReadStart(fn ReadFunc) error {
	if s.state == StateDestroyed {
		return errors.Wrap(ErrInvalidState, "read on destroyed stream")
	}
	if fn == nil {
		return errors.New("udx: nil read callback")
	}
	s.onRead = fn
	for len(s.unread) > 0 && s.onRead != nil && s.state != StateDestroyed {
		b := s.unread[0]
		s.unread[0] = nil
		s.unread = s.unread[1:]
		s.unreadBytes -= len(b)
		s.onRead(s, b)
	}
	if s.endPending && len(s.unread) == 0 && s.state != StateDestroyed {
		s.endPending = false
		if s.onEnd != nil {
			s.onEnd(s)
		}
	}
	return nil
}

// ReadStop pauses ordered delivery. Received data is buffered against the
// receive window until the next ReadStart.
func (s *Stream) ReadStop() {
	s.onRead = nil
}

func (s *Stream) deliver(b []byte) {
	if s.onRead != nil && len(s.unread) == 0 {
		s.stats.BytesReceived += uint64(len(b))
		s.onRead(s, b)
		return
	}
	s.stats.BytesReceived += uint64(len(b))
	s.unread = append(s.unread, b)
	s.unreadBytes += len(b)
}

// onPacket handles a packet the socket routed to this stream.
func (s *Stream) onPacket(p *packet.Packet, from netip.AddrPort) {
	if s.state == StateDestroyed || s.state == StateInit {
		return
	}
	s.stats.PacketsReceived++

	switch p.Type {
	case packet.TypeOpen:
		if s.remoteAddr != from {
			s.log.Debug("peer address changed", zap.Stringer("addr", from))
			s.remoteAddr = from
		}
		s.setConnected()
		s.sendControl(packet.TypeOpenAck)
		s.handleAck(&p.Header)

	case packet.TypeOpenAck:
		if s.state == StateConnecting {
			if s.openRetries == 0 && !s.openSent.IsZero() {
				s.rq.updateRTT(s.loop.Now().Sub(s.openSent))
			}
			s.setConnected()
		}
		s.handleAck(&p.Header)

	case packet.TypeData, packet.TypeEnd:
		s.setConnected()
		s.handleAck(&p.Header)
		if s.state == StateDestroyed {
			return
		}
		s.receive(p)

	case packet.TypeAck:
		s.setConnected()
		s.handleAck(&p.Header)

	case packet.TypeMessage:
		s.setConnected()
		s.handleAck(&p.Header)
		if s.state != StateDestroyed && s.onMessage != nil {
			s.onMessage(s, append([]byte(nil), p.Payload...))
		}

	case packet.TypeDestroy:
		if s.state == StateConnected {
			s.setState(StateClosing)
		}
		if s.pendingAck {
			s.sendAck()
		}
		s.destroy(errors.Wrap(ErrAborted, "destroyed by peer"), false)
		return

	default:
		return
	}

	if s.state == StateDestroyed {
		return
	}
	s.flush()
	s.maybeClose()
}

// receive files a data or end packet into the receive window and delivers
// whatever became contiguous.
func (s *Stream) receive(p *packet.Packet) {
	s.pendingAck = true
	seg := &segment{seq: p.Seq, typ: p.Type}
	unordered := p.Type == packet.TypeData && p.Flags&packet.FlagUnordered != 0
	if p.Type == packet.TypeData && !unordered {
		seg.payload = append([]byte{}, p.Payload...)
	}
	if unordered {
		seg.delivered = true
	}

	switch s.window.Insert(seg) {
	case Duplicate:
		s.stats.Duplicates++
		s.log.Debug("duplicate", zap.Uint32("seq", uint32(p.Seq)))
		return
	case Rejected:
		s.log.Debug("receive window full", zap.Uint32("seq", uint32(p.Seq)), zap.Int("buffered", s.window.Buffered()))
		return
	}

	if unordered {
		b := append([]byte{}, p.Payload...)
		if s.onMessage != nil {
			s.stats.BytesReceived += uint64(len(b))
			s.onMessage(s, b)
		} else {
			s.deliver(b)
		}
		if s.state == StateDestroyed {
			return
		}
	}

	for _, seg := range s.window.Drain() {
		switch {
		case seg.typ == packet.TypeEnd:
			// our direction stays open until End
			s.remoteEnded = true
			s.log.Debug("peer ended")
			if len(s.unread) > 0 {
				// fires from ReadStart once the reader caught up
				s.endPending = true
			} else if s.onEnd != nil {
				s.onEnd(s)
			}
		case !seg.delivered:
			s.deliver(seg.payload)
		}
		if s.state == StateDestroyed {
			return
		}
	}
}
