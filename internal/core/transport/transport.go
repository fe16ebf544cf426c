// Package transport defines the duplex channel the sync core talks through:
// a request/acknowledge primitive plus connect/disconnect notifications. The
// low-level connection management lives in adapter subpackages.
package transport

import (
	"context"
	"encoding/json"
)

// Channel names one logical request stream on the port.
type Channel string

const (
	// ChannelPush carries local patch batches to the remote.
	ChannelPush Channel = "sync:push"
	// ChannelPull requests remote patches produced since a cursor.
	ChannelPull Channel = "sync:pull"
)

// Ack is the remote's response to a request.
type Ack struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Port is a connected duplex channel with a single request/acknowledge
// primitive. Implementations must be safe for concurrent use.
type Port interface {
	// Request sends a payload on a channel and blocks until the remote
	// acknowledges, the context is done, or the request times out.
	Request(ctx context.Context, channel Channel, payload []byte) (Ack, error)

	// Connected reports whether the underlying connection is up.
	Connected() bool

	// OnConnect registers a callback fired whenever a connection is
	// (re-)established.
	OnConnect(fn func())

	// OnDisconnect registers a callback fired when the connection drops.
	OnDisconnect(fn func())

	// Close tears down the connection and rejects outstanding requests.
	Close() error
}
