package qos

import "errors"

var (
	ErrInvalidQoS       = errors.New("invalid QoS level")
	ErrPacketIDNotFound = errors.New("packet ID not found")
	ErrMessageExpired   = errors.New("message has expired")
	// ErrQueueFull is no longer returned by PublishQoS1/PublishQoS2 (a full
	// receive-maximum window now queues the send instead of rejecting it);
	// kept for callers still matching on it.
	ErrQueueFull = errors.New("message queue is full")
	ErrHandlerClosed    = errors.New("handler is closed")
)
