package membership

import (
	"github.com/HMasataka/familyrelay/pkg/domain"
)

// Join adds the connection to the channel, creating the channel when
// absent. Joining a channel twice is a no-op. It reports whether the
// membership is new.
func (s *Store) Join(connID string, channelID domain.FamilyID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.connections[connID]
	if !ok {
		return false, domain.ErrConnectionNotFound
	}

	if _, ok := e.channels[channelID]; ok {
		return false, nil
	}

	members, ok := s.channels[channelID]
	if !ok {
		members = make(map[string]domain.Connection)
		s.channels[channelID] = members
	}

	members[connID] = e.conn
	e.channels[channelID] = struct{}{}
	return true, nil
}

// MembersExcluding returns every member of the channel except the
// excluded connection. Unknown or otherwise empty channels yield an
// empty slice.
func (s *Store) MembersExcluding(channelID domain.FamilyID, excludedID string) []domain.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.membersExcludingLocked(channelID, excludedID)
}

// EachMemberExcluding calls fn for every member of the channel except
// the excluded connection while holding the read lock, so a concurrent
// Unregister cannot complete until fn has seen every target. fn must
// not call back into the store.
func (s *Store) EachMemberExcluding(channelID domain.FamilyID, excludedID string, fn func(domain.Connection)) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for id, conn := range s.channels[channelID] {
		if id == excludedID {
			continue
		}
		fn(conn)
		n++
	}
	return n
}

// LeaveAll removes the connection from every channel it joined while
// keeping it registered.
func (s *Store) LeaveAll(connID string) []domain.FamilyID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.leaveAllLocked(connID)
}

// IsMember reports whether the connection has joined the channel
func (s *Store) IsMember(connID string, channelID domain.FamilyID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.channels[channelID][connID]
	return ok
}

// Channels returns the channels the connection has joined
func (s *Store) Channels(connID string) []domain.FamilyID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.connections[connID]
	if !ok {
		return nil
	}

	out := make([]domain.FamilyID, 0, len(e.channels))
	for id := range e.channels {
		out = append(out, id)
	}
	return out
}

func (s *Store) membersExcludingLocked(channelID domain.FamilyID, excludedID string) []domain.Connection {
	members := s.channels[channelID]

	out := make([]domain.Connection, 0, len(members))
	for id, conn := range members {
		if id == excludedID {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func (s *Store) leaveAllLocked(connID string) []domain.FamilyID {
	e, ok := s.connections[connID]
	if !ok {
		return nil
	}

	left := make([]domain.FamilyID, 0, len(e.channels))
	for channelID := range e.channels {
		members := s.channels[channelID]
		delete(members, connID)
		// Empty channels are dropped and recreated on the next join.
		if len(members) == 0 {
			delete(s.channels, channelID)
		}
		left = append(left, channelID)
	}

	e.channels = make(map[domain.FamilyID]struct{})
	return left
}
