package rtmp

import (
	"net"
	"time"
)

type Config struct {
	Port             int
	App              string
	HandshakeTimeout time.Duration
	// HookTimeout bounds each lifecycle callback into the orchestrator.
	HookTimeout time.Duration
	// SubscriberBuffer is the packet queue length per player before it is
	// dropped as too slow.
	SubscriberBuffer int
}

const (
	ConnPublisher  = "publisher"
	ConnSubscriber = "subscriber"
)

type Connection struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	StreamKey  string    `json:"stream_key"`
	StreamPath string    `json:"stream_path"`
	RemoteAddr string    `json:"remote_addr"`
	StartTime  time.Time `json:"start_time"`

	nc net.Conn
}

type Stats struct {
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Publishers  int    `json:"publishers"`
	Subscribers int    `json:"subscribers"`
	Relays      int    `json:"relays"`
	LiveRelays  int    `json:"live_relays"`
}
