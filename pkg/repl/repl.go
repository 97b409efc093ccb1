// Package repl is the interactive console of udxhost.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"UDX/pkg/eventloop"
	"UDX/pkg/udxstack"
)

const usage = `Commands:
  li                                 socket info
  ls                                 list streams
  connect <id> <remote-id> <addr>    connect stream <id> to <remote-id> at <addr>
  accept <id>                        connect stream <id> to the next peer found by preconnect
  send <id> <message>                reliable, ordered write
  msg <id> <message>                 unreliable message
  end <id>                           end our side of a stream
  destroy <id>                       destroy a stream
  probe <addr>                       ask <addr> which address it sees us at
  exit`

// Host binds a REPL to a socket running on a loop.
type Host struct {
	loop *eventloop.Loop
	sock *udxstack.Socket
	opts *udxstack.Options

	mu  sync.Mutex
	out io.Writer

	// accessed on the loop goroutine only
	streams  map[uint32]*udxstack.Stream
	acceptID uint32
	accepts  bool
}

// NewHost returns a REPL host. opts configures streams it creates.
func NewHost(loop *eventloop.Loop, sock *udxstack.Socket, opts *udxstack.Options, out io.Writer) *Host {
	return &Host{
		loop:    loop,
		sock:    sock,
		opts:    opts,
		out:     out,
		streams: make(map[uint32]*udxstack.Stream),
	}
}

func (h *Host) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, format, args...)
}

// table renders rows with the console's tabwriter layout.
func (h *Host) table(header string, rows []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := tabwriter.NewWriter(h.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, header)
	for _, r := range rows {
		fmt.Fprintln(w, r)
	}
	w.Flush()
}

// StartRepl reads commands from in until EOF or exit.
func StartRepl(h *Host, in io.Reader) {
	reader := bufio.NewScanner(in)
	for {
		h.printf("> ")
		if !reader.Scan() {
			break
		}
		input := strings.TrimSpace(reader.Text())
		if input == "exit" || input == "quit" {
			break
		}
		if err := h.Exec(input); err != nil {
			h.printf("Error: %v\n", err)
		}
	}
}

// Exec runs one command line.
func (h *Host) Exec(input string) error {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "li":
		return h.listInfo()
	case "ls":
		return h.listStreams()
	case "connect":
		if len(fields) != 4 {
			return errors.New("usage: connect <id> <remote-id> <addr>")
		}
		id, err := parseID(fields[1])
		if err != nil {
			return err
		}
		remoteID, err := parseID(fields[2])
		if err != nil {
			return err
		}
		addr, err := netip.ParseAddrPort(fields[3])
		if err != nil {
			return errors.Wrap(err, "invalid address")
		}
		return h.do(func() error { return h.connect(id, remoteID, addr) })
	case "accept":
		if len(fields) != 2 {
			return errors.New("usage: accept <id>")
		}
		id, err := parseID(fields[1])
		if err != nil {
			return err
		}
		return h.do(func() error { return h.accept(id) })
	case "send", "msg":
		parts := strings.SplitN(input, " ", 3)
		if len(parts) != 3 {
			return errors.Errorf("usage: %s <id> <message>", fields[0])
		}
		id, err := parseID(parts[1])
		if err != nil {
			return err
		}
		unreliable := fields[0] == "msg"
		return h.do(func() error { return h.send(id, []byte(parts[2]), unreliable) })
	case "end", "destroy":
		if len(fields) != 2 {
			return errors.Errorf("usage: %s <id>", fields[0])
		}
		id, err := parseID(fields[1])
		if err != nil {
			return err
		}
		destroy := fields[0] == "destroy"
		return h.do(func() error {
			s, ok := h.streams[id]
			if !ok {
				return errors.Errorf("no stream %d", id)
			}
			if destroy {
				s.Destroy(nil)
				return nil
			}
			return s.End(nil)
		})
	case "probe":
		if len(fields) != 2 {
			return errors.New("usage: probe <addr>")
		}
		addr, err := netip.ParseAddrPort(fields[1])
		if err != nil {
			return errors.Wrap(err, "invalid address")
		}
		return h.do(func() error {
			return h.sock.Probe(addr, 0, func(_ *udxstack.Socket, observed netip.AddrPort, err error) {
				if err != nil {
					h.printf("Probe %s failed: %v\n", addr, err)
					return
				}
				h.printf("Probe %s: observed as %s\n", addr, observed)
			})
		})
	case "help":
		h.printf("%s\n", usage)
		return nil
	default:
		return errors.Errorf("unknown command %q (try help)", fields[0])
	}
}

func (h *Host) do(fn func() error) error {
	var err error
	if derr := h.loop.Do(func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Errorf("invalid stream id %q", s)
	}
	return uint32(v), nil
}

// newStream runs on the loop.
func (h *Host) newStream(id uint32) (*udxstack.Stream, error) {
	if _, ok := h.streams[id]; ok {
		return nil, errors.Wrapf(udxstack.ErrStreamIDInUse, "stream %d", id)
	}
	s := udxstack.NewStream(h.loop, id, h.opts)
	if err := s.ReadStart(func(s *udxstack.Stream, b []byte) {
		h.printf("Read on stream %d: %q\n", s.ID(), b)
	}); err != nil {
		return nil, err
	}
	s.OnMessage(func(s *udxstack.Stream, b []byte) {
		h.printf("Message on stream %d: %q\n", s.ID(), b)
	})
	s.OnEnd(func(s *udxstack.Stream) {
		h.printf("Stream %d ended by peer\n", s.ID())
	})
	s.OnClose(func(s *udxstack.Stream, err error) {
		delete(h.streams, s.ID())
		if err != nil {
			h.printf("Stream %d closed: %v\n", s.ID(), err)
		} else {
			h.printf("Stream %d closed\n", s.ID())
		}
	})
	return s, nil
}

func (h *Host) connect(id, remoteID uint32, addr netip.AddrPort) error {
	s, err := h.newStream(id)
	if err != nil {
		return err
	}
	if err := s.Connect(h.sock, remoteID, addr, nil); err != nil {
		return err
	}
	h.streams[id] = s
	h.printf("Stream %d connecting to %d at %s\n", id, remoteID, addr)
	return nil
}

func (h *Host) accept(id uint32) error {
	h.acceptID = id
	h.accepts = true
	return h.sock.Preconnect(func(sock *udxstack.Socket, senderID uint32, addr netip.AddrPort) {
		h.printf("Preconnect from stream %d at %s\n", senderID, addr)
		if !h.accepts {
			return
		}
		h.accepts = false
		if err := h.connect(h.acceptID, senderID, addr); err != nil {
			h.printf("Error: accept: %v\n", err)
		}
	})
}

func (h *Host) send(id uint32, b []byte, unreliable bool) error {
	s, ok := h.streams[id]
	if !ok {
		return errors.Errorf("no stream %d", id)
	}
	if unreliable {
		return s.Send(b, nil)
	}
	start := time.Now()
	_, err := s.Write([][]byte{b}, func(req *udxstack.WriteRequest, err error, _ bool) {
		if err != nil {
			h.printf("Write %d on stream %d failed: %v\n", req.ID, id, err)
			return
		}
		h.printf("Sent %d bytes on stream %d (acked in %s)\n", req.Len(), id, time.Since(start).Round(time.Microsecond))
	})
	return err
}

func (h *Host) listInfo() error {
	var rows []string
	err := h.loop.Do(func() {
		st := h.sock.Stats()
		rows = append(rows, fmt.Sprintf("%s\t%s\t%d\t%d\t%d\t%d",
			h.sock.LocalAddr(), h.sock.PreconnectState(), len(h.sock.Streams()),
			st.DatagramsReceived, st.DatagramsSent, st.Malformed+st.Unrouted))
	})
	if err != nil {
		return err
	}
	h.table("Local\tPreconnect\tStreams\tRx\tTx\tDropped", rows)
	return nil
}

func (h *Host) listStreams() error {
	var rows []string
	err := h.loop.Do(func() {
		for _, s := range h.sock.Streams() {
			st := s.Stats()
			rows = append(rows, fmt.Sprintf("%d\t%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d",
				st.ID, st.RemoteID, st.RemoteAddr, st.State,
				st.SRTT.Round(time.Microsecond), st.RTO.Round(time.Microsecond),
				st.CongestionWindow, st.InFlightBytes, st.Retransmits))
		}
	})
	if err != nil {
		return err
	}
	h.table("ID\tRemote\tAddr\tState\tSRTT\tRTO\tCWND\tInFlight\tRetx", rows)
	return nil
}
