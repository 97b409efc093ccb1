// Package udxconn adapts a udx stream to blocking io.Reader/io.Writer
// semantics for goroutines outside the stream's loop.
package udxconn

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"UDX/pkg/udxstack"
)

// DefaultBufferSize is the receive buffer of a Conn.
const DefaultBufferSize = 64 << 10

// Executor runs functions on the goroutine that owns the stream.
// *eventloop.Loop implements it.
type Executor interface {
	Post(fn func()) bool
	Do(fn func()) error
}

// Conn is a blocking view of a Stream. Reads are served from a ring buffer
// filled by the stream's read callback; when it is full the stream stops
// reading so the peer sees the receive window close.
type Conn struct {
	exec   Executor
	stream *udxstack.Stream

	mu            sync.Mutex
	recvBuffer    *ringbuffer.RingBuffer
	backlog       [][]byte
	paused        bool
	eof           bool
	err           error
	closed        bool
	dataAvailable chan struct{}
}

// New wraps s. It must not be called from the loop goroutine; use Wrap
// there.
func New(exec Executor, s *udxstack.Stream, size int) (*Conn, error) {
	var (
		c   *Conn
		err error
	)
	if derr := exec.Do(func() { c, err = Wrap(exec, s, size) }); derr != nil {
		return nil, derr
	}
	return c, err
}

// Wrap is New for callers already running on the loop goroutine. It takes
// over the stream's read, end and close callbacks.
func Wrap(exec Executor, s *udxstack.Stream, size int) (*Conn, error) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	c := &Conn{
		exec:          exec,
		stream:        s,
		recvBuffer:    ringbuffer.New(size),
		dataAvailable: make(chan struct{}, 1),
	}
	s.OnEnd(func(*udxstack.Stream) {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
		c.signal()
	})
	s.OnClose(func(_ *udxstack.Stream, err error) {
		c.mu.Lock()
		if err != nil && !c.eof {
			c.err = err
		}
		c.eof = true
		c.mu.Unlock()
		c.signal()
	})
	if err := s.ReadStart(c.onRead); err != nil {
		return nil, err
	}
	return c, nil
}

// Stream returns the wrapped stream.
func (c *Conn) Stream() *udxstack.Stream { return c.stream }

func (c *Conn) signal() {
	select {
	case c.dataAvailable <- struct{}{}:
	default:
	}
}

// onRead runs on the loop goroutine.
func (c *Conn) onRead(s *udxstack.Stream, b []byte) {
	if len(b) == 0 {
		return
	}
	c.mu.Lock()
	c.backlog = append(c.backlog, b)
	c.fill()
	if len(c.backlog) > 0 && !c.paused {
		c.paused = true
		s.ReadStop()
	}
	c.mu.Unlock()
	c.signal()
}

// fill moves backlog into the ring buffer as space allows. Called with mu
// held.
func (c *Conn) fill() {
	for len(c.backlog) > 0 && c.recvBuffer.Free() > 0 {
		b := c.backlog[0]
		n, _ := c.recvBuffer.Write(b)
		if n < len(b) {
			c.backlog[0] = b[n:]
			return
		}
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
	}
}

// Read blocks until data is available, the peer ends the stream (io.EOF) or
// the stream fails.
func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		c.mu.Lock()
		if c.recvBuffer.Length() > 0 {
			n, _ := c.recvBuffer.Read(p)
			c.fill()
			resume := c.paused && len(c.backlog) == 0
			if resume {
				c.paused = false
			}
			c.mu.Unlock()
			if resume {
				c.exec.Post(func() { _ = c.stream.ReadStart(c.onRead) })
			}
			return n, nil
		}
		switch {
		case c.closed:
			c.mu.Unlock()
			return 0, net.ErrClosed
		case c.err != nil:
			err := c.err
			c.mu.Unlock()
			return 0, err
		case c.eof:
			c.mu.Unlock()
			return 0, io.EOF
		}
		c.mu.Unlock()

		select {
		case <-c.dataAvailable:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Write sends p and blocks until the peer acknowledged all of it.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	data := append([]byte(nil), p...)
	var (
		req  *udxstack.WriteRequest
		werr error
	)
	if err := c.exec.Do(func() { req, werr = c.stream.Write([][]byte{data}, nil) }); err != nil {
		return 0, err
	}
	if werr != nil {
		return 0, werr
	}
	<-req.Done()
	if err := req.Err(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Send transmits p as one unreliable message.
func (c *Conn) Send(p []byte) error {
	var serr error
	if err := c.exec.Do(func() { serr = c.stream.Send(p, nil) }); err != nil {
		return err
	}
	return serr
}

// CloseWrite ends our side of the stream; reads continue until the peer
// ends too.
func (c *Conn) CloseWrite() error {
	var eerr error
	if err := c.exec.Do(func() { eerr = c.stream.End(nil) }); err != nil {
		return err
	}
	if errors.Is(eerr, udxstack.ErrInvalidState) {
		return nil
	}
	return eerr
}

// Close ends the stream gracefully and unblocks pending reads.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()
	c.signal()
	return c.CloseWrite()
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() netip.AddrPort {
	var addr netip.AddrPort
	_ = c.exec.Do(func() { addr = c.stream.RemoteAddr() })
	return addr
}
