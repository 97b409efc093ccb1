package udxstack

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"UDX/pkg/congestion"
	"UDX/pkg/packet"
)

// StreamState is the lifecycle state of a Stream.
type StreamState int

const (
	StateInit StreamState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateDestroyed
)

func (s StreamState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

type (
	// ReadFunc receives one contiguous chunk of the ordered byte stream.
	// The stream does not retain b.
	ReadFunc func(s *Stream, b []byte)

	// MessageFunc receives unreliable messages and unordered writes.
	MessageFunc func(s *Stream, b []byte)

	// CloseFunc fires once when the stream is destroyed. err is nil after
	// a graceful close.
	CloseFunc func(s *Stream, err error)
)

// ConnectOptions tunes the handshake.
type ConnectOptions struct {
	// Passive suppresses the initial open packet. The stream waits in
	// Connecting for the peer's open or data, which suits a responder that
	// learned the peer through preconnect after the peer already started
	// its handshake.
	Passive bool

	// LearnRemoteID makes the stream adopt the sender id of the first open
	// it receives instead of the remoteID given to Connect. It implies
	// Passive.
	LearnRemoteID bool
}

// Stream is one reliable, ordered byte stream multiplexed over a Socket.
// A Stream must only be used from its loop's goroutine.
type Stream struct {
	loop Loop
	opts Options
	log  *zap.Logger

	id         uint32
	remoteID   uint32
	learnID    bool
	remoteAddr netip.AddrPort
	socket     *Socket // non-owning, nil while detached
	state      StreamState

	// send side
	nextSeq      seqnum.Value // next sequence number to assign
	sndNxt       seqnum.Value // next sequence number to transmit for the first time
	remoteAck    seqnum.Value // cumulative ack received
	remoteWindow uint32
	rq           *RetransmissionQueue
	cc           *congestion.Controller
	outgoing     []*RetransmissionEntry // assigned but not yet sent
	writes       []*WriteRequest
	nextWriteID  uint64
	sendErrors   int

	// receive side
	window      *Window
	pendingAck  bool
	onRead      ReadFunc
	unread      [][]byte
	unreadBytes int

	// handshake
	openSent    time.Time
	openRetries int

	// close
	localEnded   bool
	endAcked     bool
	remoteEnded  bool
	endPending   bool // peer ended while unread data was buffered
	closingSince time.Time
	endCb        func(error)

	onEnd     func(*Stream)
	onFinish  func(*Stream)
	onClose   CloseFunc
	onMessage MessageFunc

	stats Stats
}

// NewStream returns a stream in Init with the given local id. A nil opts
// selects DefaultOptions.
func NewStream(loop Loop, id uint32, opts *Options) *Stream {
	o := resolveOptions(opts)
	s := &Stream{
		loop:   loop,
		opts:   o,
		log:    o.Logger.With(zap.Uint32("stream", id)),
		id:     id,
		rq:     NewRetransmissionQueue(o),
		cc:     congestion.New(o.congestionConfig()),
		window: NewWindow(o.ReceiveWindow),
	}
	s.remoteAck = s.nextSeq - 1
	s.remoteWindow = uint32(o.ReceiveWindow)
	return s
}

// ID returns the local stream id.
func (s *Stream) ID() uint32 { return s.id }

// RemoteID returns the peer's stream id.
func (s *Stream) RemoteID() uint32 { return s.remoteID }

// RemoteAddr returns the peer's address.
func (s *Stream) RemoteAddr() netip.AddrPort { return s.remoteAddr }

// State returns the lifecycle state.
func (s *Stream) State() StreamState { return s.state }

// Socket returns the socket the stream is attached to, or nil.
func (s *Stream) Socket() *Socket { return s.socket }

// OnEnd registers the callback fired when the peer ends its side of the
// stream, after every byte before the end has been delivered.
func (s *Stream) OnEnd(fn func(*Stream)) { s.onEnd = fn }

// OnFinish registers the callback fired when the peer acknowledges our end.
func (s *Stream) OnFinish(fn func(*Stream)) { s.onFinish = fn }

// OnClose registers the callback fired once the stream is destroyed.
func (s *Stream) OnClose(fn CloseFunc) { s.onClose = fn }

// OnMessage registers the receiver of unreliable messages and unordered
// writes. Without one, unordered writes are delivered to the read callback
// as they arrive and messages are dropped.
func (s *Stream) OnMessage(fn MessageFunc) { s.onMessage = fn }

// Connect attaches the stream to sock and starts the handshake with the
// peer stream remoteID at addr. opts may be nil.
func (s *Stream) Connect(sock *Socket, remoteID uint32, addr netip.AddrPort, opts *ConnectOptions) error {
	if s.state != StateInit {
		return errors.Wrapf(ErrInvalidState, "connect in state %s", s.state)
	}
	if err := sock.attach(s); err != nil {
		return err
	}
	s.socket = sock
	s.remoteID = remoteID
	s.remoteAddr = addr
	s.log = s.log.With(zap.Uint32("remote", remoteID), zap.Stringer("addr", addr))
	s.setState(StateConnecting)

	if opts != nil && (opts.Passive || opts.LearnRemoteID) {
		s.learnID = opts.LearnRemoteID
		s.openSent = s.loop.Now()
		return nil
	}
	s.sendOpen()
	return nil
}

// adoptRemoteID binds a stream connected with LearnRemoteID to the sender
// of an open. It reports whether the id was adopted.
func (s *Stream) adoptRemoteID(id uint32) bool {
	if !s.learnID || s.state != StateConnecting {
		return false
	}
	s.learnID = false
	s.remoteID = id
	s.log = s.log.With(zap.Uint32("learned_remote", id))
	return true
}

// End queues the end of our side of the stream after all written data.
// cb, if not nil, fires with nil once the peer acknowledges the end, or
// with the close reason if the stream is destroyed first. Ending a stream
// that was never connected destroys it.
func (s *Stream) End(cb func(error)) error {
	switch {
	case s.state == StateDestroyed:
		return errors.Wrap(ErrInvalidState, "end on destroyed stream")
	case s.localEnded:
		return errors.Wrap(ErrInvalidState, "stream already ended")
	case s.state == StateInit:
		s.Destroy(nil)
		if cb != nil {
			cb(nil)
		}
		return nil
	}

	s.localEnded = true
	s.endCb = cb
	s.outgoing = append(s.outgoing, &RetransmissionEntry{Seq: s.nextSeq, Type: packet.TypeEnd})
	s.nextSeq.UpdateForward(1)
	s.log.Debug("end queued", zap.Uint32("seq", uint32(s.nextSeq-1)))
	if s.state == StateConnected {
		s.setState(StateClosing)
	}
	s.flush()
	return nil
}

// Destroy tears the stream down immediately. Pending writes fail with
// reason, or with ErrAborted if reason is nil, the peer is told with a
// best-effort destroy packet and the close callback fires with reason.
// Destroy is idempotent.
func (s *Stream) Destroy(reason error) {
	s.destroy(reason, true)
}

func (s *Stream) destroy(reason error, notifyPeer bool) {
	if s.state == StateDestroyed {
		return
	}
	prev := s.state
	if notifyPeer && s.socket != nil && (prev == StateConnecting || prev == StateConnected || prev == StateClosing) {
		s.sendControl(packet.TypeDestroy)
	}
	s.state = StateDestroyed
	if reason != nil {
		s.log.Info("stream destroyed", zap.Stringer("from", prev), zap.Error(reason))
	} else {
		s.log.Info("stream destroyed", zap.Stringer("from", prev))
	}

	failErr := reason
	if failErr == nil {
		failErr = ErrAborted
	}
	writes := s.writes
	s.writes = nil
	s.rq.Clear()
	s.outgoing = nil
	s.window.Reset()
	s.unread = nil
	s.unreadBytes = 0

	sock := s.socket
	if sock != nil {
		s.socket = nil
		sock.detach(s)
	}

	for _, w := range writes {
		w.finish(failErr, false)
	}
	if cb := s.endCb; cb != nil {
		s.endCb = nil
		if reason != nil {
			cb(reason)
		} else if s.endAcked {
			cb(nil)
		} else {
			cb(ErrAborted)
		}
	}
	if s.onClose != nil {
		s.onClose(s, reason)
	}
	if sock != nil {
		sock.maybeFinishClose()
	}
}

func (s *Stream) setState(state StreamState) {
	if s.state == state {
		return
	}
	s.log.Info("stream state", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	if state == StateClosing {
		s.closingSince = s.loop.Now()
	}
}

// setConnected completes the handshake.
func (s *Stream) setConnected() {
	if s.state != StateConnecting {
		return
	}
	s.setState(StateConnected)
	if s.localEnded {
		s.setState(StateClosing)
	}
}

// onTick runs the timer-driven part of the state machine.
func (s *Stream) onTick(now time.Time) {
	switch s.state {
	case StateConnecting:
		if s.openSent.IsZero() || now.Sub(s.openSent) < s.rq.RTO {
			return
		}
		if s.openRetries >= s.opts.MaxRetries {
			s.log.Warn("handshake timed out", zap.Int("retries", s.openRetries))
			s.destroy(errors.Wrap(ErrConnectionTimedOut, "handshake"), true)
			return
		}
		s.openRetries++
		s.rq.BackoffRTO()
		s.sendOpen()

	case StateConnected, StateClosing:
		if e, ok := s.rq.Expired(now); ok {
			if err := s.rq.Backoff(e, now); err != nil {
				if e.Type == packet.TypeEnd && s.remoteEnded {
					// both sides ended, only the peer's final ack is missing
					s.destroy(nil, false)
					return
				}
				s.log.Warn("retransmission exhausted", zap.Uint32("seq", uint32(e.Seq)), zap.Error(err))
				s.destroy(err, true)
				return
			}
			s.cc.OnLoss()
			s.log.Debug("retransmit",
				zap.Uint32("seq", uint32(e.Seq)),
				zap.Int("retry", e.Retries),
				zap.Duration("rto", s.rq.RTO),
				zap.Int("cwnd", s.cc.Window()))
			if !s.transmit(e) {
				return
			}
		}
		if s.state == StateClosing && now.Sub(s.closingSince) >= s.opts.TeardownTimeout {
			if s.localEnded && s.remoteEnded && s.endAcked {
				s.destroy(nil, false)
			} else {
				s.destroy(errors.Wrap(ErrConnectionTimedOut, "teardown"), true)
			}
			return
		}
		s.flush()
	}
}

// maybeClose destroys the stream gracefully once both sides have ended and
// nothing is left to send or acknowledge.
func (s *Stream) maybeClose() {
	if s.state != StateClosing || !s.localEnded || !s.endAcked || !s.remoteEnded {
		return
	}
	if len(s.writes) > 0 || len(s.outgoing) > 0 || s.rq.Len() > 0 {
		return
	}
	if s.pendingAck {
		s.sendAck()
	}
	s.destroy(nil, false)
}
