package resolve_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/resolved/internal/resolve"
)

// Server rotation.
func TestServerRotation(t *testing.T) {
	m := resolve.NewManager(nil)
	a := m.AddGlobalServer(resolve.INET, net.ParseIP("1.1.1.1"))
	b := m.AddGlobalServer(resolve.INET, net.ParseIP("8.8.8.8"))
	c := m.AddGlobalServer(resolve.INET, net.ParseIP("9.9.9.9"))

	require.Equal(t, a, m.CurrentServer())
	require.Equal(t, b, m.AdvanceServer())
	require.Equal(t, c, m.AdvanceServer())
	require.Equal(t, a, m.AdvanceServer())
}

func TestAdvanceEmptyIsNoop(t *testing.T) {
	m := resolve.NewManager(nil)
	assert.Nil(t, m.CurrentServer())
	assert.Nil(t, m.AdvanceServer())
}

func TestFindServerDedup(t *testing.T) {
	m := resolve.NewManager(nil)
	ip := net.ParseIP("1.1.1.1")
	first := m.AddGlobalServer(resolve.INET, ip)
	second := m.AddGlobalServer(resolve.INET, ip)
	assert.Same(t, first, second)
	assert.Len(t, m.GlobalServers(), 1)
	assert.Same(t, first, m.FindServer(resolve.INET, ip))
}

func TestClearGlobalServersNullsCursor(t *testing.T) {
	m := resolve.NewManager(nil)
	m.AddGlobalServer(resolve.INET, net.ParseIP("1.1.1.1"))
	m.CurrentServer()
	m.ClearGlobalServers()
	assert.Nil(t, m.CurrentServer())
	assert.Empty(t, m.GlobalServers())
}
