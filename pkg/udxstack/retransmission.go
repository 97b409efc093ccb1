package udxstack

import (
	"time"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"UDX/pkg/packet"
)

// RetransmissionEntry is one sequenced packet that has been sent and not yet
// acknowledged.
type RetransmissionEntry struct {
	Seq     seqnum.Value
	Type    packet.Type
	Flags   packet.Flags
	Payload []byte

	SendTime time.Time
	Retries  int

	// write owns the packet; nil for end-of-stream packets.
	write *WriteRequest
}

// Size is the number of payload bytes the entry keeps in flight.
func (e *RetransmissionEntry) Size() int { return len(e.Payload) }

func entryLess(a, b *RetransmissionEntry) bool {
	return a.Seq.LessThan(b.Seq)
}

// RetransmissionQueue is the in-flight set of a stream, ordered by sequence
// number, together with the RTT estimator that sets its timeout.
type RetransmissionQueue struct {
	entries *btree.BTreeG[*RetransmissionEntry]
	bytes   int

	SRTT   time.Duration // smoothed RTT
	RTTVar time.Duration // RTT variance
	RTO    time.Duration
	RTOMin time.Duration
	RTOMax time.Duration

	MaxRetries int

	initialRTO  time.Duration
	hasSample   bool
	retransmits uint64
}

// NewRetransmissionQueue returns an empty queue using the retry and RTO
// limits from opts.
func NewRetransmissionQueue(opts Options) *RetransmissionQueue {
	rq := &RetransmissionQueue{
		entries:    btree.NewG(8, entryLess),
		RTO:        opts.InitialRTO,
		initialRTO: opts.InitialRTO,
		RTOMin:     opts.RTOMin,
		RTOMax:     opts.RTOMax,
		MaxRetries: opts.MaxRetries,
	}
	rq.clampRTO()
	return rq
}

// Len returns the number of packets in flight.
func (rq *RetransmissionQueue) Len() int { return rq.entries.Len() }

// Bytes returns the payload bytes in flight.
func (rq *RetransmissionQueue) Bytes() int { return rq.bytes }

// Retransmits returns the total number of retransmissions performed.
func (rq *RetransmissionQueue) Retransmits() uint64 { return rq.retransmits }

// AddEntry records a packet sent for the first time at now.
func (rq *RetransmissionQueue) AddEntry(e *RetransmissionEntry, now time.Time) {
	e.SendTime = now
	e.Retries = 0
	if old, ok := rq.entries.ReplaceOrInsert(e); ok {
		rq.bytes -= old.Size()
	}
	rq.bytes += e.Size()
}

// Get returns the in-flight entry for seq.
func (rq *RetransmissionQueue) Get(seq seqnum.Value) (*RetransmissionEntry, bool) {
	return rq.entries.Get(&RetransmissionEntry{Seq: seq})
}

// Oldest returns the in-flight entry with the lowest sequence number.
func (rq *RetransmissionQueue) Oldest() (*RetransmissionEntry, bool) {
	return rq.entries.Min()
}

// RemoveAckedEntries removes every entry with seq <= ack. The RTT sample is
// taken from the highest acknowledged entry, unless it was retransmitted.
// Any advance of the cumulative ack undoes the timeout backoff.
func (rq *RetransmissionQueue) RemoveAckedEntries(ack seqnum.Value, now time.Time) []*RetransmissionEntry {
	var acked []*RetransmissionEntry
	for {
		e, ok := rq.entries.Min()
		if !ok || !e.Seq.LessThanEq(ack) {
			break
		}
		rq.entries.DeleteMin()
		rq.bytes -= e.Size()
		acked = append(acked, e)
	}
	n := len(acked)
	switch {
	case n == 0:
	case acked[n-1].Retries == 0:
		rq.updateRTT(now.Sub(acked[n-1].SendTime))
	default:
		rq.resetRTO()
	}
	return acked
}

// RemoveSelected removes the entries for the selectively acknowledged seqs.
// Retransmitted entries are removed without an RTT sample.
func (rq *RetransmissionQueue) RemoveSelected(seqs []seqnum.Value, now time.Time) []*RetransmissionEntry {
	var (
		acked  []*RetransmissionEntry
		sample *RetransmissionEntry
	)
	for _, seq := range seqs {
		e, ok := rq.entries.Delete(&RetransmissionEntry{Seq: seq})
		if !ok {
			continue
		}
		rq.bytes -= e.Size()
		acked = append(acked, e)
		if e.Retries == 0 {
			sample = e
		}
	}
	if sample != nil {
		rq.updateRTT(now.Sub(sample.SendTime))
	}
	return acked
}

// Expired returns the oldest entry if its timeout has elapsed at now.
func (rq *RetransmissionQueue) Expired(now time.Time) (*RetransmissionEntry, bool) {
	e, ok := rq.entries.Min()
	if !ok || now.Sub(e.SendTime) < rq.RTO {
		return nil, false
	}
	return e, true
}

// Backoff prepares e for retransmission at now: the retry count grows and
// the timeout doubles. Once the entry has used MaxRetries it returns
// ErrConnectionTimedOut and leaves the entry untouched.
func (rq *RetransmissionQueue) Backoff(e *RetransmissionEntry, now time.Time) error {
	if e.Retries >= rq.MaxRetries {
		return errors.Wrapf(ErrConnectionTimedOut, "seq %d unacknowledged after %d retries", e.Seq, e.Retries)
	}
	e.Retries++
	e.SendTime = now
	rq.retransmits++
	rq.BackoffRTO()
	return nil
}

// BackoffRTO doubles the timeout up to RTOMax.
func (rq *RetransmissionQueue) BackoffRTO() {
	rq.RTO *= 2
	rq.clampRTO()
}

// resetRTO recomputes the timeout from the estimator, or restores the
// initial timeout before the first sample.
func (rq *RetransmissionQueue) resetRTO() {
	if rq.hasSample {
		rq.RTO = rq.SRTT + 4*rq.RTTVar
	} else {
		rq.RTO = rq.initialRTO
	}
	rq.clampRTO()
}

// Clear empties the in-flight set and returns the removed entries in
// sequence order.
func (rq *RetransmissionQueue) Clear() []*RetransmissionEntry {
	var all []*RetransmissionEntry
	rq.entries.Ascend(func(e *RetransmissionEntry) bool {
		all = append(all, e)
		return true
	})
	rq.entries.Clear(false)
	rq.bytes = 0
	return all
}

// RFC 6298 estimator
func (rq *RetransmissionQueue) updateRTT(r time.Duration) {
	if r < 0 {
		r = 0
	}
	if !rq.hasSample {
		rq.SRTT = r
		rq.RTTVar = r / 2
		rq.hasSample = true
	} else {
		delta := rq.SRTT - r
		if delta < 0 {
			delta = -delta
		}
		// RTTVAR <- (1 - 1/4) * RTTVAR + 1/4 * |SRTT - R|
		rq.RTTVar = (3*rq.RTTVar + delta) / 4
		// SRTT <- (1 - 1/8) * SRTT + 1/8 * R
		rq.SRTT = (7*rq.SRTT + r) / 8
	}
	rq.RTO = rq.SRTT + 4*rq.RTTVar
	rq.clampRTO()
}

func (rq *RetransmissionQueue) clampRTO() {
	if rq.RTO < rq.RTOMin {
		rq.RTO = rq.RTOMin
	}
	if rq.RTOMax > 0 && rq.RTO > rq.RTOMax {
		rq.RTO = rq.RTOMax
	}
}
