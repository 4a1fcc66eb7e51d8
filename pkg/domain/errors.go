package domain

import (
	"errors"
)

// Common domain errors
var (
	// ErrConnectionNotFound is returned when a connection id is not registered
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a connection's send buffer has no room
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrUnknownEvent is returned for event types without a handler
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrMissingFamilyID is returned when a payload names no family
	ErrMissingFamilyID = errors.New("missing family id")

	// ErrNotMember is returned when a sender addresses a family it has not joined
	ErrNotMember = errors.New("sender is not a member of the family")
)
