package udxstack

import (
	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"

	"UDX/pkg/packet"
)

// segment is one sequenced packet held by the receive window.
type segment struct {
	seq     seqnum.Value
	typ     packet.Type
	payload []byte

	// delivered marks unordered payloads already handed to the
	// application; only the sequence number still has to be passed over.
	delivered bool
}

func segmentLess(a, b *segment) bool {
	return a.seq.LessThan(b.seq)
}

// InsertResult reports what Window.Insert did with a segment.
type InsertResult int

const (
	Accepted InsertResult = iota
	Duplicate
	// Rejected segments did not fit in the receive window.
	Rejected
)

// Window is the receive side of a stream: the next expected sequence number
// and the reassembly buffer of segments that arrived ahead of it. The keys
// of the reassembly buffer are the selective-ack set.
type Window struct {
	RecvNext seqnum.Value

	reassembly *btree.BTreeG[*segment]
	buffered   int
	capacity   int
}

// NewWindow returns a receive window expecting sequence 0 that buffers at
// most capacity out-of-order bytes.
func NewWindow(capacity int) *Window {
	return &Window{
		reassembly: btree.NewG(8, segmentLess),
		capacity:   capacity,
	}
}

// Insert stores seg. A segment at RecvNext is always accepted, later ones
// only while the buffered bytes stay within capacity.
func (w *Window) Insert(seg *segment) InsertResult {
	if seg.seq.LessThan(w.RecvNext) {
		return Duplicate
	}
	if w.reassembly.Has(seg) {
		return Duplicate
	}
	size := len(seg.payload)
	if seg.seq != w.RecvNext && w.buffered+size > w.capacity {
		return Rejected
	}
	w.reassembly.ReplaceOrInsert(seg)
	w.buffered += size
	return Accepted
}

// Drain removes the segments that are now contiguous with RecvNext, in
// order, advancing RecvNext past each.
func (w *Window) Drain() []*segment {
	var out []*segment
	for {
		seg, ok := w.reassembly.Min()
		if !ok || seg.seq != w.RecvNext {
			return out
		}
		w.reassembly.DeleteMin()
		w.buffered -= len(seg.payload)
		w.RecvNext.UpdateForward(1)
		out = append(out, seg)
	}
}

// Ack is the cumulative ack: the last in-order sequence number received.
func (w *Window) Ack() seqnum.Value {
	return w.RecvNext - 1
}

// SACK encodes the buffered sequence numbers relative to Ack.
func (w *Window) SACK() packet.SACK {
	if w.reassembly.Len() == 0 {
		return nil
	}
	ack := w.Ack()
	var seqs []seqnum.Value
	w.reassembly.Ascend(func(seg *segment) bool {
		if !seg.seq.InWindow(ack.Add(2), packet.MaxSACKRange) {
			return false
		}
		seqs = append(seqs, seg.seq)
		return true
	})
	return packet.BuildSACK(ack, seqs)
}

// Buffered returns the out-of-order payload bytes held.
func (w *Window) Buffered() int { return w.buffered }

// Len returns the number of out-of-order segments held.
func (w *Window) Len() int { return w.reassembly.Len() }

// Free returns how many more out-of-order bytes fit.
func (w *Window) Free() int {
	if w.buffered >= w.capacity {
		return 0
	}
	return w.capacity - w.buffered
}

// Reset drops every buffered segment.
func (w *Window) Reset() {
	w.reassembly.Clear(false)
	w.buffered = 0
}
