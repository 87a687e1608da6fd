// Package constants defines service-wide timeouts and limits.
package constants

import "time"

// Time-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// CommandTimeout bounds a call command received over the event stream
	CommandTimeout = 15 * time.Second
)

// Limits
const (
	// MaxEventStreams is the default number of concurrent event streams
	MaxEventStreams = 16

	// EventStreamBuffer is the per-stream outbound frame buffer
	EventStreamBuffer = 64

	// MaxCommandSize is the largest inbound frame accepted on the event stream
	MaxCommandSize = 4096
)
