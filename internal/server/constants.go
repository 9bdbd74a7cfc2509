// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection control message rate limiting
	RateLimitMessages = 10          // Max control messages per window
	RateLimitWindow   = time.Second // Sliding window duration

	// How long a status write to a WebSocket client may take before the
	// connection is considered dead
	WriteTimeout = 5 * time.Second
)
