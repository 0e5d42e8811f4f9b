package protocol

import "errors"

var (
	ErrNotConnected       = errors.New("client has not completed CONNECT")
	ErrAlreadyConnected   = errors.New("client already sent CONNECT")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrSessionRejected    = errors.New("session rejected by broker")
	ErrHandlerClosed      = errors.New("connection handler is closed")

	// ErrOutboundQueueFull is returned by Deliver for a QoS 0 message when
	// this connection's outbound queue is full. QoS 0 is "at most once":
	// rather than blocking routing for every recipient behind one slow
	// connection, the message is dropped for this recipient only.
	ErrOutboundQueueFull = errors.New("outbound queue full")
)
