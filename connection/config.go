package connection

import "time"

// Config holds the timing parameters of a connection.
type Config struct {
	// HandshakeTimeout bounds Connect through ConnectionOK.
	HandshakeTimeout time.Duration
	// ReplyTimeout bounds a request/reply exchange. Expiry fails the connection. Zero waits
	// forever: a caller whose ctx ends stops waiting, but the exchange keeps the slot until the
	// target answers and heartbeats still succeed, so a hung block only shows as later calls
	// queueing. Set it to turn a hung block into a failed connection.
	ReplyTimeout time.Duration
	// HeartbeatInterval is the period between liveness probes. Zero disables the heartbeat loop.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds a single probe. Expiry fails the connection.
	HeartbeatTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
	}
}
