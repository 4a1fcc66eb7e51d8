package domain

import (
	"context"
)

// Connection represents one live transport session
type Connection interface {
	// ID returns the unique identifier assigned at connect time
	ID() string

	// Send queues a message for the connection without blocking. A full
	// send buffer or a closed connection drops the message and reports
	// why.
	Send(ctx context.Context, msg *Message) error

	// Close closes the connection
	Close() error

	// Context is cancelled when the connection goes away
	Context() context.Context
}

// Stats describes the relay's current load
type Stats struct {
	Connections      int     `json:"connections"`
	Families         int     `json:"families"`
	MessagesReceived int64   `json:"messages_received"`
	MessagesSent     int64   `json:"messages_sent"`
	MessagesDropped  int64   `json:"messages_dropped"`
	EventsDropped    int64   `json:"events_dropped"`
	Uptime           float64 `json:"uptime_seconds"`
}
