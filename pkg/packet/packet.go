// Package packet implements the UDX wire format: a fixed, version-tagged
// header, an optional selective-ack bitmap and an opaque payload.
//
// Header layout (big endian):
//
//	0      1      2      3      4            8            12     16     20     24
//	+------+------+------+------+------------+------------+------+------+------+--------+---------+
//	| ver  | type | flags| sack | local id   | remote id  | seq  | ack  | wnd  | sack   | payload |
//	|      |      |      | len  |            |            |      |      |      | bitmap |         |
//	+------+------+------+------+------------+------------+------+------+------+--------+---------+
//
// local id is the sender's stream id, remote id is the receiver's. Bit i of
// the bitmap (byte i/8, least significant bit first) acknowledges sequence
// number ack+2+i; ack+1 is by definition the first missing packet.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const (
	// Version is the only protocol version this codec understands.
	Version = 1

	// HeaderSize is the size of the fixed part of the header in bytes.
	HeaderSize = 24

	// MaxSACKSize bounds the selective-ack bitmap, in bytes.
	MaxSACKSize = 32

	// MaxHeaderSize is the largest header an encoder can produce.
	MaxHeaderSize = HeaderSize + MaxSACKSize
)

// ErrMalformedHeader is returned by Unmarshal for any buffer that cannot be
// parsed as a UDX header.
var ErrMalformedHeader = errors.New("udx packet: malformed header")

// ErrInvalidPacket is returned by Marshal for a packet that has no valid
// encoding.
var ErrInvalidPacket = errors.New("udx packet: invalid packet")

// Type identifies the purpose of a packet.
type Type uint8

const (
	TypeData Type = iota
	TypeAck
	TypeOpen
	TypeOpenAck
	TypeProbe
	TypeProbeReply
	TypeEnd
	TypeDestroy
	TypeMessage
	typeCount
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeOpen:
		return "OPEN"
	case TypeOpenAck:
		return "OPEN_ACK"
	case TypeProbe:
		return "PROBE"
	case TypeProbeReply:
		return "PROBE_REPLY"
	case TypeEnd:
		return "END"
	case TypeDestroy:
		return "DESTROY"
	case TypeMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Sequenced reports whether packets of this type occupy sequence space and
// are retransmitted until acknowledged.
func (t Type) Sequenced() bool {
	return t == TypeData || t == TypeEnd
}

// Flags is a bit set carried in the header.
type Flags uint8

const (
	// FlagUnordered marks a data packet belonging to an unordered write.
	FlagUnordered Flags = 1 << iota
)

// Header is the decoded fixed header plus the selective-ack bitmap.
type Header struct {
	Version  uint8
	Type     Type
	Flags    Flags
	LocalID  uint32
	RemoteID uint32
	Seq      seqnum.Value
	Ack      seqnum.Value
	Window   uint32
	SACK     SACK
}

// Packet is one UDX datagram.
type Packet struct {
	Header
	Payload []byte
}

// Size returns the encoded length of p.
func (p *Packet) Size() int {
	return HeaderSize + len(p.SACK) + len(p.Payload)
}

// Validate reports whether p can be encoded: the version must be Version,
// the type known and the SACK bitmap at most MaxSACKSize bytes.
func (p *Packet) Validate() error {
	if p.Version != Version {
		return errors.Wrapf(ErrInvalidPacket, "version %d", p.Version)
	}
	if p.Type >= typeCount {
		return errors.Wrapf(ErrInvalidPacket, "unknown type %d", p.Type)
	}
	if len(p.SACK) > MaxSACKSize {
		return errors.Wrapf(ErrInvalidPacket, "sack bitmap too long (%d bytes)", len(p.SACK))
	}
	return nil
}

// Marshal serializes the packet.
func (p *Packet) Marshal() ([]byte, error) {
	buf := make([]byte, p.Size())
	if _, err := p.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalTo writes the packet into buf and returns the number of bytes
// written.
func (p *Packet) MarshalTo(buf []byte) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if len(buf) < p.Size() {
		return 0, errors.Errorf("udx packet: buffer of %d bytes, need %d", len(buf), p.Size())
	}
	buf[0] = p.Version
	buf[1] = byte(p.Type)
	buf[2] = byte(p.Flags)
	buf[3] = byte(len(p.SACK))
	binary.BigEndian.PutUint32(buf[4:8], p.LocalID)
	binary.BigEndian.PutUint32(buf[8:12], p.RemoteID)
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.Seq))
	binary.BigEndian.PutUint32(buf[16:20], uint32(p.Ack))
	binary.BigEndian.PutUint32(buf[20:24], p.Window)
	n := HeaderSize
	n += copy(buf[n:], p.SACK)
	n += copy(buf[n:], p.Payload)
	return n, nil
}

// Unmarshal parses a datagram. The returned packet's SACK and Payload alias
// data; callers that keep them past the lifetime of data must copy.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrMalformedHeader, "short buffer (%d bytes)", len(data))
	}
	if data[0] != Version {
		return nil, errors.Wrapf(ErrMalformedHeader, "unsupported version %d", data[0])
	}
	if Type(data[1]) >= typeCount {
		return nil, errors.Wrapf(ErrMalformedHeader, "unknown type %d", data[1])
	}
	sackLen := int(data[3])
	if sackLen > MaxSACKSize {
		return nil, errors.Wrapf(ErrMalformedHeader, "sack bitmap too long (%d bytes)", sackLen)
	}
	if len(data) < HeaderSize+sackLen {
		return nil, errors.Wrapf(ErrMalformedHeader, "truncated sack bitmap (%d of %d bytes)", len(data)-HeaderSize, sackLen)
	}

	p := &Packet{
		Header: Header{
			Version:  data[0],
			Type:     Type(data[1]),
			Flags:    Flags(data[2]),
			LocalID:  binary.BigEndian.Uint32(data[4:8]),
			RemoteID: binary.BigEndian.Uint32(data[8:12]),
			Seq:      seqnum.Value(binary.BigEndian.Uint32(data[12:16])),
			Ack:      seqnum.Value(binary.BigEndian.Uint32(data[16:20])),
			Window:   binary.BigEndian.Uint32(data[20:24]),
		},
	}
	if sackLen > 0 {
		p.SACK = SACK(data[HeaderSize : HeaderSize+sackLen])
	}
	if len(data) > HeaderSize+sackLen {
		p.Payload = data[HeaderSize+sackLen:]
	}
	return p, nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s %d->%d seq=%d ack=%d wnd=%d sack=%d len=%d",
		p.Type, p.LocalID, p.RemoteID, p.Seq, p.Ack, p.Window, len(p.SACK), len(p.Payload))
}
