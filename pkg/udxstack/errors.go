package udxstack

import "github.com/pkg/errors"

var (
	// ErrInvalidState is returned synchronously when an operation is not
	// valid in the stream's or socket's current lifecycle state.
	ErrInvalidState = errors.New("udx: invalid state")

	// ErrConnectionTimedOut is reported when the retransmission budget of a
	// packet or the teardown timeout is exhausted.
	ErrConnectionTimedOut = errors.New("udx: connection timed out")

	// ErrAborted fails pending writes of a stream destroyed locally or by
	// its peer.
	ErrAborted = errors.New("udx: aborted")

	// ErrAddressUnreachable wraps send-side network failures.
	ErrAddressUnreachable = errors.New("udx: address unreachable")

	// ErrStreamIDInUse is returned when attaching a stream whose id is
	// already attached to the socket.
	ErrStreamIDInUse = errors.New("udx: stream id in use")

	// ErrSocketClosed is returned by operations on a closing or closed socket.
	ErrSocketClosed = errors.New("udx: socket closed")

	// ErrMessageTooLarge is returned by Send for messages that do not fit
	// in one datagram.
	ErrMessageTooLarge = errors.New("udx: message too large")
)
