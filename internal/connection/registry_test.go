// ABOUTME: Tests for the connection registry: register, lookup, remove, dependents.
// ABOUTME: Covers idempotent removal and the dependent-reporting cascade hook.

package connection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(id string, side Side) *Conn {
	return New(id, side, newFakeSink(), testWatermarks(), discardLogger())
}

func TestRegistry_RegisterLookup(t *testing.T) {
	reg := NewRegistry(SideUI, discardLogger())
	c := newTestConn("u1", SideUI)
	defer c.Close()

	require.NoError(t, reg.Register(c))

	got, ok := reg.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry(SideAgent, discardLogger())
	c := newTestConn("a1", SideAgent)
	defer c.Close()

	require.NoError(t, reg.Register(c))
	assert.ErrorIs(t, reg.Register(newTestConn("a1", SideAgent)), ErrAlreadyRegistered)
}

func TestRegistry_RemoveClosesAndReportsDependents(t *testing.T) {
	reg := NewRegistry(SideUI, discardLogger())
	c := newTestConn("u1", SideUI)
	require.NoError(t, reg.Register(c))

	require.True(t, reg.Attach("u1", "sess-b"))
	require.True(t, reg.Attach("u1", "sess-a"))

	deps := reg.Remove("u1")
	assert.Equal(t, []string{"sess-a", "sess-b"}, deps)

	_, ok := reg.Lookup("u1")
	assert.False(t, ok)

	select {
	case <-c.Done():
	default:
		t.Fatal("removed connection should be closed")
	}

	// Removal races with explicit close requests; repeating it is a no-op.
	assert.Nil(t, reg.Remove("u1"))
}

func TestRegistry_DetachDropsDependent(t *testing.T) {
	reg := NewRegistry(SideUI, discardLogger())
	c := newTestConn("u1", SideUI)
	require.NoError(t, reg.Register(c))

	require.True(t, reg.Attach("u1", "sess-a"))
	reg.Detach("u1", "sess-a")
	reg.Detach("u1", "never-attached")
	reg.Detach("no-such-conn", "sess-a")

	assert.Empty(t, reg.Remove("u1"))
}

func TestRegistry_AttachUnknownConnection(t *testing.T) {
	reg := NewRegistry(SideAgent, discardLogger())
	assert.False(t, reg.Attach("gone", "sess-a"))
}

func TestRegistry_IDs(t *testing.T) {
	reg := NewRegistry(SideAgent, discardLogger())
	for _, id := range []string{"a3", "a1", "a2"} {
		c := newTestConn(id, SideAgent)
		defer c.Close()
		require.NoError(t, reg.Register(c))
	}
	assert.Equal(t, []string{"a1", "a2", "a3"}, reg.IDs())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(SideUI, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i)
			c := newTestConn(id, SideUI)
			if err := reg.Register(c); err != nil {
				return
			}
			reg.Attach(id, "sess-"+id)
			reg.Lookup(id)
			reg.Remove(id)
			reg.Remove(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}
