package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRegistrySession(t *testing.T, id uint64) *Session {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})
	return newSession(id, serverEnd)
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	s1 := newRegistrySession(t, 1)
	s2 := newRegistrySession(t, 2)

	r.Add("c1", s1)
	r.Add("c1", s1) // duplicate add is a no-op
	r.Add("c1", s2)
	r.Add("c2", s1)

	require.Equal(t, 2, r.Count("c1"))
	require.Equal(t, 1, r.Count("c2"))
	require.ElementsMatch(t, []*Session{s1, s2}, r.Sessions("c1"))

	r.Remove("c1", s1)
	require.Equal(t, 1, r.Count("c1"))
	require.ElementsMatch(t, []*Session{s1}, r.Sessions("c2"))

	r.Remove("c1", s2)
	require.Zero(t, r.Count("c1"))
	require.Empty(t, r.Sessions("c1"))
}

func TestRegistryRemoveSession(t *testing.T) {
	r := NewRegistry()
	s1 := newRegistrySession(t, 1)
	s2 := newRegistrySession(t, 2)

	r.Add("c1", s1)
	r.Add("c2", s1)
	r.Add("c2", s2)

	r.RemoveSession(s1)
	require.Zero(t, r.Count("c1"))
	require.Equal(t, 1, r.Count("c2"))
	require.ElementsMatch(t, []*Session{s2}, r.Sessions("c2"))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	sessions := make([]*Session, 32)
	for i := range sessions {
		sessions[i] = newRegistrySession(t, uint64(i))
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			r.Add("hot", sess)
			_ = r.Sessions("hot")
			r.Remove("hot", sess)
		}(sess)
	}
	for i := 0; i < 100; i++ {
		_ = r.Sessions("hot")
		_ = r.Count("hot")
	}
	wg.Wait()

	require.Zero(t, r.Count("hot"))
}
