package udxstack_test

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"UDX/internal/simnet"
	"UDX/pkg/packet"
	"UDX/pkg/udxstack"
)

var (
	addrA = netip.MustParseAddrPort("127.0.0.1:8081")
	addrB = netip.MustParseAddrPort("127.0.0.1:8082")
)

func testOptions() *udxstack.Options {
	o := udxstack.DefaultOptions()
	o.InitialRTO = 100 * time.Millisecond
	o.RTOMin = 20 * time.Millisecond
	o.RTOMax = 2 * time.Second
	return &o
}

func bind(t *testing.T, n *simnet.Net, addr netip.AddrPort, opts *udxstack.Options) *udxstack.Socket {
	t.Helper()
	sock := udxstack.NewSocket(n, opts)
	if err := sock.Bind(addr); err != nil {
		t.Fatalf("Bind(%s): %v", addr, err)
	}
	return sock
}

// recorder collects everything a stream hands to the application.
type recorder struct {
	data     bytes.Buffer
	chunks   [][]byte
	messages [][]byte
	ends     int
	finishes int
	closes   int
	closeErr error
}

func record(t *testing.T, s *udxstack.Stream) *recorder {
	t.Helper()
	r := &recorder{}
	if err := s.ReadStart(func(_ *udxstack.Stream, b []byte) {
		r.data.Write(b)
		r.chunks = append(r.chunks, append([]byte{}, b...))
	}); err != nil {
		t.Fatalf("ReadStart: %v", err)
	}
	s.OnMessage(func(_ *udxstack.Stream, b []byte) { r.messages = append(r.messages, b) })
	s.OnEnd(func(*udxstack.Stream) { r.ends++ })
	s.OnFinish(func(*udxstack.Stream) { r.finishes++ })
	s.OnClose(func(_ *udxstack.Stream, err error) {
		r.closes++
		r.closeErr = err
	})
	return r
}

type writeResult struct {
	calls     int
	err       error
	unordered bool
}

func (w *writeResult) cb(_ *udxstack.WriteRequest, err error, unordered bool) {
	w.calls++
	w.err = err
	w.unordered = unordered
}

type pair struct {
	net    *simnet.Net
	sa, sb *udxstack.Socket
	a, b   *udxstack.Stream
	ra, rb *recorder
}

// connectedPair returns stream 1 on 8081 connected to stream 2 on 8082.
func connectedPair(t *testing.T, opts *udxstack.Options) *pair {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	n := simnet.New()
	p := &pair{net: n, sa: bind(t, n, addrA, opts), sb: bind(t, n, addrB, opts)}
	p.a = udxstack.NewStream(n, 1, opts)
	p.b = udxstack.NewStream(n, 2, opts)
	p.ra = record(t, p.a)
	p.rb = record(t, p.b)
	if err := p.a.Connect(p.sa, 2, addrB, nil); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := p.b.Connect(p.sb, 1, addrA, nil); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	ok := n.RunUntil(func() bool {
		return p.a.State() == udxstack.StateConnected && p.b.State() == udxstack.StateConnected
	}, 5*time.Second)
	if !ok {
		t.Fatalf("handshake did not complete: a=%s b=%s", p.a.State(), p.b.State())
	}
	return p
}

func write(t *testing.T, s *udxstack.Stream, data string) *writeResult {
	t.Helper()
	res := &writeResult{}
	if _, err := s.Write([][]byte{[]byte(data)}, res.cb); err != nil {
		t.Fatalf("Write(%q): %v", data, err)
	}
	return res
}

func isData(d simnet.Datagram) bool {
	p, err := packet.Unmarshal(d.Data)
	return err == nil && p.Type == packet.TypeData
}
