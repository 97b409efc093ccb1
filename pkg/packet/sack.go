package packet

import "github.com/google/netstack/tcpip/seqnum"

// SACK is a selective-ack bitmap relative to a cumulative ack.
type SACK []byte

// MaxSACKRange is the number of sequence numbers past ack+1 a bitmap can
// describe.
const MaxSACKRange = MaxSACKSize * 8

// BuildSACK returns the smallest bitmap acknowledging every seq in received
// that lies in (ack+1, ack+1+MaxSACKRange]. Sequence numbers outside the
// range are ignored.
func BuildSACK(ack seqnum.Value, received []seqnum.Value) SACK {
	var bits [MaxSACKSize]byte
	n := 0
	base := ack.Add(2)
	for _, seq := range received {
		if !seq.InWindow(base, MaxSACKRange) {
			continue
		}
		i := int(base.Size(seq))
		bits[i/8] |= 1 << (i % 8)
		if i/8+1 > n {
			n = i/8 + 1
		}
	}
	if n == 0 {
		return nil
	}
	out := make(SACK, n)
	copy(out, bits[:n])
	return out
}

// Has reports whether seq is acknowledged by the bitmap.
func (s SACK) Has(ack, seq seqnum.Value) bool {
	base := ack.Add(2)
	if !seq.InWindow(base, seqnum.Size(len(s)*8)) {
		return false
	}
	i := int(base.Size(seq))
	return s[i/8]&(1<<(i%8)) != 0
}

// Sequences expands the bitmap into the sequence numbers it acknowledges, in
// increasing order.
func (s SACK) Sequences(ack seqnum.Value) []seqnum.Value {
	var out []seqnum.Value
	base := ack.Add(2)
	for i, b := range s {
		if b == 0 {
			continue
		}
		for j := 0; j < 8; j++ {
			if b&(1<<j) != 0 {
				out = append(out, base.Add(seqnum.Size(i*8+j)))
			}
		}
	}
	return out
}
