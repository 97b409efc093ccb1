package udxstack

import (
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"UDX/pkg/packet"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testQueue() *RetransmissionQueue {
	opts := DefaultOptions()
	opts.InitialRTO = 200 * time.Millisecond
	opts.RTOMin = time.Millisecond
	opts.RTOMax = time.Second
	opts.MaxRetries = 2
	return NewRetransmissionQueue(opts)
}

func addData(rq *RetransmissionQueue, seq seqnum.Value, n int, at time.Time) *RetransmissionEntry {
	e := &RetransmissionEntry{Seq: seq, Type: packet.TypeData, Payload: make([]byte, n)}
	rq.AddEntry(e, at)
	return e
}

func TestRemoveAckedEntriesSamplesRTT(t *testing.T) {
	rq := testQueue()
	for i := 0; i < 3; i++ {
		addData(rq, seqnum.Value(i), 100, epoch)
	}
	if rq.Len() != 3 || rq.Bytes() != 300 {
		t.Fatalf("Len/Bytes = %d/%d, want 3/300", rq.Len(), rq.Bytes())
	}

	acked := rq.RemoveAckedEntries(1, epoch.Add(100*time.Millisecond))
	if len(acked) != 2 || acked[0].Seq != 0 || acked[1].Seq != 1 {
		t.Fatalf("acked = %v, want seqs 0 and 1", acked)
	}
	if rq.Len() != 1 || rq.Bytes() != 100 {
		t.Errorf("Len/Bytes = %d/%d, want 1/100", rq.Len(), rq.Bytes())
	}

	// first sample: SRTT = R, RTTVAR = R/2
	if rq.SRTT != 100*time.Millisecond || rq.RTTVar != 50*time.Millisecond {
		t.Errorf("SRTT/RTTVar = %v/%v, want 100ms/50ms", rq.SRTT, rq.RTTVar)
	}
	if rq.RTO != 300*time.Millisecond {
		t.Errorf("RTO = %v, want 300ms", rq.RTO)
	}
}

func TestRemoveAckedEntriesAcrossWrap(t *testing.T) {
	rq := testQueue()
	start := seqnum.Value(0xfffffffe)
	for i := 0; i < 4; i++ {
		addData(rq, start.Add(seqnum.Size(i)), 1, epoch)
	}
	acked := rq.RemoveAckedEntries(start.Add(2), epoch)
	if len(acked) != 3 {
		t.Fatalf("acked %d entries across the wrap, want 3", len(acked))
	}
	if e, ok := rq.Oldest(); !ok || e.Seq != 1 {
		t.Errorf("oldest = %v, want seq 1", e)
	}
}

func TestKarnSkipsRetransmittedSamples(t *testing.T) {
	rq := testQueue()
	e := addData(rq, 0, 10, epoch)
	if err := rq.Backoff(e, epoch.Add(200*time.Millisecond)); err != nil {
		t.Fatalf("Backoff: %v", err)
	}
	if rq.RTO != 400*time.Millisecond {
		t.Fatalf("RTO after backoff = %v, want 400ms", rq.RTO)
	}

	// no sample, but the advancing ack undoes the backoff
	rq.RemoveAckedEntries(0, epoch.Add(250*time.Millisecond))
	if rq.SRTT != 0 || rq.RTO != 200*time.Millisecond {
		t.Errorf("SRTT/RTO after retransmitted ack = %v/%v, want 0/200ms", rq.SRTT, rq.RTO)
	}

	fresh := addData(rq, 1, 10, epoch)
	retried := addData(rq, 2, 10, epoch)
	retried.Retries = 1
	acked := rq.RemoveSelected([]seqnum.Value{1, 2, 9}, epoch.Add(40*time.Millisecond))
	if len(acked) != 2 || acked[0] != fresh || acked[1] != retried {
		t.Fatalf("RemoveSelected = %v", acked)
	}
	if rq.SRTT != 40*time.Millisecond {
		t.Errorf("SRTT = %v, want sample from the fresh entry (40ms)", rq.SRTT)
	}
	if rq.Len() != 0 || rq.Bytes() != 0 {
		t.Errorf("queue not empty: %d/%d", rq.Len(), rq.Bytes())
	}
}

func TestExpiredAndBackoff(t *testing.T) {
	rq := testQueue()
	e := addData(rq, 0, 10, epoch)
	addData(rq, 1, 10, epoch.Add(50*time.Millisecond))

	if _, ok := rq.Expired(epoch.Add(199 * time.Millisecond)); ok {
		t.Fatal("entry expired before RTO")
	}
	got, ok := rq.Expired(epoch.Add(200 * time.Millisecond))
	if !ok || got != e {
		t.Fatalf("Expired = %v, %v; want oldest entry", got, ok)
	}

	now := epoch.Add(200 * time.Millisecond)
	for i := 1; i <= 2; i++ {
		if err := rq.Backoff(e, now); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if e.Retries != i || !e.SendTime.Equal(now) {
			t.Errorf("retry %d: Retries/SendTime = %d/%v", i, e.Retries, e.SendTime)
		}
	}
	if rq.RTO != 800*time.Millisecond {
		t.Errorf("RTO after two backoffs = %v, want 800ms", rq.RTO)
	}
	if rq.Retransmits() != 2 {
		t.Errorf("Retransmits = %d, want 2", rq.Retransmits())
	}

	err := rq.Backoff(e, now)
	if !errors.Is(err, ErrConnectionTimedOut) {
		t.Fatalf("third Backoff error = %v, want ErrConnectionTimedOut", err)
	}

	rq.BackoffRTO()
	rq.BackoffRTO()
	if rq.RTO != time.Second {
		t.Errorf("RTO = %v, want cap 1s", rq.RTO)
	}
}

func TestRTOAdaptsToRisingRTT(t *testing.T) {
	rq := testQueue()
	sample := func(rtt time.Duration, n int) {
		for i := 0; i < n; i++ {
			e := addData(rq, 0, 1, epoch)
			rq.RemoveAckedEntries(e.Seq, epoch.Add(rtt))
		}
	}

	sample(10*time.Millisecond, 20)
	low := rq.RTO
	if low >= 50*time.Millisecond {
		t.Fatalf("RTO with 10ms samples = %v, want well below 50ms", low)
	}

	sample(100*time.Millisecond, 50)
	if rq.RTO < 90*time.Millisecond || rq.RTO < 5*low {
		t.Errorf("RTO after 100ms samples = %v (was %v), want it to track the new RTT", rq.RTO, low)
	}
}

func TestCumulativeAckUndoesBackoff(t *testing.T) {
	rq := testQueue()
	e := addData(rq, 0, 10, epoch)
	rq.RemoveAckedEntries(0, epoch.Add(20*time.Millisecond))
	base := rq.RTO // 20ms + 4*10ms

	for i := 1; i <= 5; i++ {
		e = addData(rq, seqnum.Value(i), 10, epoch)
		for j := 0; j < 2; j++ {
			if err := rq.Backoff(e, epoch); err != nil {
				t.Fatal(err)
			}
		}
		if rq.RTO <= base {
			t.Fatalf("packet %d: RTO %v not backed off", i, rq.RTO)
		}
		rq.RemoveAckedEntries(e.Seq, epoch.Add(time.Second))
		if rq.RTO != base {
			t.Fatalf("packet %d: RTO = %v after ack, want %v", i, rq.RTO, base)
		}
	}
	if rq.SRTT != 20*time.Millisecond {
		t.Errorf("SRTT = %v, retransmitted acks must not be sampled", rq.SRTT)
	}

	// an ack that covers nothing new keeps the backoff
	e = addData(rq, 10, 10, epoch)
	_ = rq.Backoff(e, epoch)
	backed := rq.RTO
	rq.RemoveAckedEntries(9, epoch)
	if rq.RTO != backed {
		t.Errorf("RTO = %v after stale ack, want %v", rq.RTO, backed)
	}
}

func TestClear(t *testing.T) {
	rq := testQueue()
	addData(rq, 5, 1, epoch)
	addData(rq, 3, 1, epoch)
	all := rq.Clear()
	if len(all) != 2 || all[0].Seq != 3 || all[1].Seq != 5 {
		t.Fatalf("Clear = %v, want seqs 3 and 5", all)
	}
	if rq.Len() != 0 || rq.Bytes() != 0 {
		t.Error("queue not empty after Clear")
	}
}
