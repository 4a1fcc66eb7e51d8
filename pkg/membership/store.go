// Package membership tracks live connections and the family channels
// they have joined.
package membership

import (
	"sync"

	"github.com/HMasataka/familyrelay/pkg/domain"
)

// Store owns the connection registry and the channel membership sets.
// All operations are serialized by a single RWMutex; lookups run under
// the read lock.
type Store struct {
	mu          sync.RWMutex
	connections map[string]*entry
	channels    map[domain.FamilyID]map[string]domain.Connection
}

type entry struct {
	conn     domain.Connection
	channels map[domain.FamilyID]struct{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		connections: make(map[string]*entry),
		channels:    make(map[domain.FamilyID]map[string]domain.Connection),
	}
}

// Register starts tracking conn with an empty channel set. It reports
// false if the id is already registered.
func (s *Store) Register(conn domain.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[conn.ID()]; ok {
		return false
	}

	s.connections[conn.ID()] = &entry{
		conn:     conn,
		channels: make(map[domain.FamilyID]struct{}),
	}
	return true
}

// Unregister removes the connection from every channel and forgets it.
// It returns the channels the connection had joined; unknown ids are a
// no-op.
func (s *Store) Unregister(connID string) []domain.FamilyID {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := s.leaveAllLocked(connID)
	delete(s.connections, connID)
	return left
}

// Connection returns the registered connection with the given id
func (s *Store) Connection(connID string) (domain.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.connections[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Stats returns the number of registered connections and non-empty
// channels.
func (s *Store) Stats() (connections, channels int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.connections), len(s.channels)
}
