package membership

import (
	"fmt"
	"sync"
	"testing"

	"github.com/HMasataka/familyrelay/pkg/domain"
	"github.com/HMasataka/familyrelay/pkg/domain/domaintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(conns []domain.Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	return out
}

func TestRegister(t *testing.T) {
	s := NewStore()
	a := domaintest.NewConn("a")

	assert.True(t, s.Register(a))
	assert.False(t, s.Register(a))

	got, ok := s.Connection("a")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Empty(t, s.Channels("a"))
}

func TestJoinIsIdempotent(t *testing.T) {
	s := NewStore()
	s.Register(domaintest.NewConn("a"))
	s.Register(domaintest.NewConn("b"))

	added, err := s.Join("a", "fam1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Join("a", "fam1")
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []string{"a"}, ids(s.MembersExcluding("fam1", "b")))
	assert.Equal(t, []domain.FamilyID{"fam1"}, s.Channels("a"))
}

func TestJoinUnknownConnection(t *testing.T) {
	s := NewStore()

	_, err := s.Join("ghost", "fam1")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	_, channels := s.Stats()
	assert.Zero(t, channels)
}

func TestMembersExcluding(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"child", "mom", "dad", "other"} {
		s.Register(domaintest.NewConn(id))
	}
	for _, id := range []string{"child", "mom", "dad"} {
		_, err := s.Join(id, "fam1")
		require.NoError(t, err)
	}
	_, err := s.Join("other", "fam2")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"mom", "dad"}, ids(s.MembersExcluding("fam1", "child")))
	assert.ElementsMatch(t, []string{"child", "mom", "dad"}, ids(s.MembersExcluding("fam1", "other")))
	assert.Empty(t, s.MembersExcluding("fam2", "other"))
	assert.Empty(t, s.MembersExcluding("nobody-home", "child"))

	var seen []string
	n := s.EachMemberExcluding("fam1", "mom", func(c domain.Connection) { seen = append(seen, c.ID()) })
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"child", "dad"}, seen)
}

func TestMultipleChannels(t *testing.T) {
	s := NewStore()
	s.Register(domaintest.NewConn("a"))
	s.Register(domaintest.NewConn("b"))

	_, _ = s.Join("a", "fam1")
	_, _ = s.Join("a", "fam2")
	_, _ = s.Join("b", "fam2")

	assert.ElementsMatch(t, []domain.FamilyID{"fam1", "fam2"}, s.Channels("a"))
	assert.True(t, s.IsMember("a", "fam1"))
	assert.False(t, s.IsMember("b", "fam1"))
}

func TestUnregister(t *testing.T) {
	s := NewStore()
	s.Register(domaintest.NewConn("a"))
	s.Register(domaintest.NewConn("b"))
	_, _ = s.Join("a", "fam1")
	_, _ = s.Join("a", "fam2")
	_, _ = s.Join("b", "fam1")

	left := s.Unregister("a")
	assert.ElementsMatch(t, []domain.FamilyID{"fam1", "fam2"}, left)

	assert.Empty(t, s.MembersExcluding("fam1", "b"))
	assert.False(t, s.IsMember("a", "fam1"))
	_, ok := s.Connection("a")
	assert.False(t, ok)

	connections, channels := s.Stats()
	assert.Equal(t, 1, connections)
	// fam2 became empty and was dropped.
	assert.Equal(t, 1, channels)

	assert.NotPanics(t, func() {
		assert.Empty(t, s.Unregister("a"))
		assert.Empty(t, s.Unregister("never-seen"))
	})
}

func TestEmptyChannelCanBeRejoined(t *testing.T) {
	s := NewStore()
	s.Register(domaintest.NewConn("a"))
	s.Register(domaintest.NewConn("b"))
	_, _ = s.Join("a", "fam1")
	s.Unregister("a")

	added, err := s.Join("b", "fam1")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, s.IsMember("b", "fam1"))
}

func TestLeaveAllKeepsRegistration(t *testing.T) {
	s := NewStore()
	s.Register(domaintest.NewConn("a"))
	_, _ = s.Join("a", "fam1")

	assert.Equal(t, []domain.FamilyID{"fam1"}, s.LeaveAll("a"))
	assert.Empty(t, s.Channels("a"))

	_, ok := s.Connection("a")
	assert.True(t, ok)
}

func TestConcurrentJoinAndUnregister(t *testing.T) {
	s := NewStore()
	s.Register(domaintest.NewConn("parent"))
	_, _ = s.Join("parent", "fam")

	var wg sync.WaitGroup
	for i := range 50 {
		id := fmt.Sprintf("child-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Register(domaintest.NewConn(id))
			_, _ = s.Join(id, "fam")
			_ = s.MembersExcluding("fam", id)
			s.Unregister(id)
		}()
	}
	wg.Wait()

	assert.Empty(t, s.MembersExcluding("fam", "parent"))
	connections, channels := s.Stats()
	assert.Equal(t, 1, connections)
	assert.Equal(t, 1, channels)
}
