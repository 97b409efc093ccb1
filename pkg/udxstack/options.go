package udxstack

import (
	"time"

	"go.uber.org/zap"

	"UDX/pkg/congestion"
	"UDX/pkg/packet"
)

// Options tunes a Socket and the Streams attached to it.
type Options struct {
	// TickInterval is the period of the socket's retransmission timer.
	TickInterval time.Duration

	// MTU is the largest datagram the stack emits, headers included.
	MTU int

	// InitialRTO is the retransmission timeout before any RTT sample.
	InitialRTO time.Duration
	RTOMin     time.Duration
	RTOMax     time.Duration

	// MaxRetries is how many times a single packet is retransmitted before
	// the stream fails with ErrConnectionTimedOut.
	MaxRetries int

	// ReceiveWindow bounds buffered out-of-order and unread bytes.
	ReceiveWindow int

	// InitialWindow and MinWindow configure the congestion controller in
	// bytes. Zero selects defaults derived from the MSS.
	InitialWindow int
	MinWindow     int

	// TeardownTimeout bounds how long a stream may stay Closing.
	TeardownTimeout time.Duration

	// MaxSendErrors is the number of consecutive send failures after which
	// a stream fails with ErrAddressUnreachable.
	MaxSendErrors int

	Logger *zap.Logger
}

// DefaultOptions returns the stack defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:    10 * time.Millisecond,
		MTU:             1200,
		InitialRTO:      time.Second,
		RTOMin:          50 * time.Millisecond,
		RTOMax:          30 * time.Second,
		MaxRetries:      8,
		ReceiveWindow:   4 << 20,
		TeardownTimeout: 30 * time.Second,
		MaxSendErrors:   8,
	}
}

// MSS is the largest data payload carried by one packet.
func (o Options) MSS() int {
	return o.MTU - packet.MaxHeaderSize
}

func (o Options) congestionConfig() congestion.Config {
	cfg := congestion.DefaultConfig(o.MSS())
	if o.InitialWindow > 0 {
		cfg.InitialWindow = o.InitialWindow
	}
	if o.MinWindow > 0 {
		cfg.MinWindow = o.MinWindow
	}
	return cfg
}

func resolveOptions(opts *Options) Options {
	o := DefaultOptions()
	if opts == nil {
		o.Logger = zap.NewNop()
		return o
	}
	def := o
	o = *opts
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.MTU <= packet.MaxHeaderSize {
		o.MTU = def.MTU
	}
	if o.InitialRTO <= 0 {
		o.InitialRTO = def.InitialRTO
	}
	if o.RTOMin <= 0 {
		o.RTOMin = def.RTOMin
	}
	if o.RTOMax < o.RTOMin {
		o.RTOMax = def.RTOMax
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.ReceiveWindow <= 0 {
		o.ReceiveWindow = def.ReceiveWindow
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = def.TeardownTimeout
	}
	if o.MaxSendErrors <= 0 {
		o.MaxSendErrors = def.MaxSendErrors
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
