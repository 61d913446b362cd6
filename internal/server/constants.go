package server

import "time"

// Server configuration constants
const (
	// Events returned by /api/status and sent to a new websocket client
	RecentEvents = 20

	// Per-connection limit on client requests
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Bound on a single websocket write
	WriteTimeout = 5 * time.Second

	ReadHeaderTimeout = 5 * time.Second
	ShutdownTimeout   = 5 * time.Second
)
