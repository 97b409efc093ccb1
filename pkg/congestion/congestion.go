// Package congestion bounds how many unacknowledged bytes a stream may keep
// in flight, using slow start, congestion avoidance and multiplicative
// decrease on loss.
package congestion

import "fmt"

// State is the growth regime of the window.
type State int

const (
	SlowStart State = iota
	CongestionAvoidance
)

func (s State) String() string {
	switch s {
	case SlowStart:
		return "SLOW_START"
	case CongestionAvoidance:
		return "CONGESTION_AVOIDANCE"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Config holds the window parameters, all in bytes.
type Config struct {
	// MSS is the payload size of one full packet.
	MSS int

	// InitialWindow is the starting congestion window.
	InitialWindow int

	// InitialThreshold is the starting slow-start threshold.
	InitialThreshold int

	// MinWindow is the floor for the threshold after a loss.
	MinWindow int

	// MaxWindow caps window growth. Zero means no cap.
	MaxWindow int
}

// DefaultConfig returns the window parameters for the given MSS.
func DefaultConfig(mss int) Config {
	return Config{
		MSS:              mss,
		InitialWindow:    4 * mss,
		InitialThreshold: 1 << 30,
		MinWindow:        2 * mss,
	}
}

// Controller tracks the congestion window of one stream.
type Controller struct {
	cfg      Config
	cwnd     int
	ssthresh int
	state    State

	// bytes acknowledged during congestion avoidance that have not yet
	// added up to a full MSS of growth
	acked int

	losses int
}

// New returns a controller in slow start.
func New(cfg Config) *Controller {
	if cfg.MSS <= 0 {
		cfg.MSS = 1
	}
	if cfg.MinWindow < cfg.MSS {
		cfg.MinWindow = cfg.MSS
	}
	if cfg.InitialWindow < cfg.MinWindow {
		cfg.InitialWindow = cfg.MinWindow
	}
	if cfg.InitialThreshold <= 0 {
		cfg.InitialThreshold = 1 << 30
	}
	c := &Controller{
		cfg:      cfg,
		cwnd:     cfg.InitialWindow,
		ssthresh: cfg.InitialThreshold,
	}
	c.updateState()
	return c
}

// OnAck grows the window for one acknowledged packet carrying n bytes.
func (c *Controller) OnAck(n int) {
	if n <= 0 {
		// control packets (end of stream, empty writes) still count as a
		// packet's worth of progress
		n = 1
	}
	switch c.state {
	case SlowStart:
		if n > c.cfg.MSS {
			n = c.cfg.MSS
		}
		c.cwnd += n
	case CongestionAvoidance:
		// one MSS per window's worth of acknowledged bytes
		c.acked += n
		if c.acked >= c.cwnd {
			c.acked -= c.cwnd
			c.cwnd += c.cfg.MSS
		}
	}
	if c.cfg.MaxWindow > 0 && c.cwnd > c.cfg.MaxWindow {
		c.cwnd = c.cfg.MaxWindow
	}
	c.updateState()
}

// OnLoss halves the window.
func (c *Controller) OnLoss() {
	c.losses++
	c.ssthresh = c.cwnd / 2
	if c.ssthresh < c.cfg.MinWindow {
		c.ssthresh = c.cfg.MinWindow
	}
	c.cwnd = c.ssthresh
	c.acked = 0
	c.state = SlowStart
}

// Available returns how many more bytes may be put in flight.
func (c *Controller) Available(inflight int) int {
	if inflight >= c.cwnd {
		return 0
	}
	return c.cwnd - inflight
}

// Window returns the congestion window in bytes.
func (c *Controller) Window() int { return c.cwnd }

// Threshold returns the slow-start threshold in bytes.
func (c *Controller) Threshold() int { return c.ssthresh }

// State returns the current growth regime.
func (c *Controller) State() State { return c.state }

// Losses returns the number of loss events signalled so far.
func (c *Controller) Losses() int { return c.losses }

func (c *Controller) updateState() {
	if c.state == SlowStart && c.cwnd >= c.ssthresh {
		c.state = CongestionAvoidance
		c.acked = 0
	}
}
