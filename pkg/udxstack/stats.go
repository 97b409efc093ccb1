package udxstack

import (
	"net/netip"
	"time"

	"UDX/pkg/congestion"
)

// Stats is a snapshot of a stream's transport state.
type Stats struct {
	ID         uint32
	RemoteID   uint32
	RemoteAddr netip.AddrPort
	State      StreamState

	SRTT   time.Duration
	RTTVar time.Duration
	RTO    time.Duration

	CongestionWindow int
	SlowStartThresh  int
	CongestionState  congestion.State
	Losses           int
	RemoteWindow     uint32

	InFlightBytes   int
	InFlightPackets int
	QueuedPackets   int
	PendingWrites   int
	Buffered        int // out-of-order bytes held

	Retransmits     uint64
	Duplicates      uint64
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Stats returns a snapshot of the stream's counters and estimators.
func (s *Stream) Stats() Stats {
	st := s.stats
	st.ID = s.id
	st.RemoteID = s.remoteID
	st.RemoteAddr = s.remoteAddr
	st.State = s.state
	st.SRTT = s.rq.SRTT
	st.RTTVar = s.rq.RTTVar
	st.RTO = s.rq.RTO
	st.CongestionWindow = s.cc.Window()
	st.SlowStartThresh = s.cc.Threshold()
	st.CongestionState = s.cc.State()
	st.Losses = s.cc.Losses()
	st.RemoteWindow = s.remoteWindow
	st.InFlightBytes = s.rq.Bytes()
	st.InFlightPackets = s.rq.Len()
	st.QueuedPackets = len(s.outgoing)
	st.PendingWrites = len(s.writes)
	st.Buffered = s.window.Buffered()
	st.Retransmits = s.rq.Retransmits()
	return st
}
