package network

import "time"

// Config holds the engine's timing and capacity parameters.
// The defaults match the reference deployment; tests shrink them.
type Config struct {
	// MaxConnections caps the live connection pool. When a new
	// connection opens at capacity the oldest entry is evicted first.
	MaxConnections int

	// ConnectTimeout bounds how long an outbound dial may stay in the
	// connecting state before it is marked failed.
	ConnectTimeout time.Duration

	// ReconnectDelay is the fixed delay before re-registering with the
	// rendezvous service after a rendezvous-level failure.
	ReconnectDelay time.Duration

	// DeliveryTimeout is how long an outbound message may sit at status
	// sent before it is marked failed.
	DeliveryTimeout time.Duration

	// HeartbeatInterval is how often a room member pings its host.
	HeartbeatInterval time.Duration

	// HostTimeout is how long a member tolerates pong silence before it
	// begins host migration.
	HostTimeout time.Duration

	// RoomCapacity caps room membership; joins beyond it are rejected.
	RoomCapacity int

	// NoticeBuffer sizes the application notice channel.
	NoticeBuffer int
}

// DefaultConfig returns the production parameters
func DefaultConfig() Config {
	return Config{
		MaxConnections:    5,
		ConnectTimeout:    10 * time.Second,
		ReconnectDelay:    3 * time.Second,
		DeliveryTimeout:   10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HostTimeout:       15 * time.Second,
		RoomCapacity:      50,
		NoticeBuffer:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HostTimeout <= 0 {
		c.HostTimeout = d.HostTimeout
	}
	if c.RoomCapacity <= 0 {
		c.RoomCapacity = d.RoomCapacity
	}
	if c.NoticeBuffer <= 0 {
		c.NoticeBuffer = d.NoticeBuffer
	}
	return c
}
