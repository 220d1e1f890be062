//go:build linux

package dbusapi

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawire/resolved/internal/resolve"
)

func TestDNSReflectsGlobalServers(t *testing.T) {
	core := resolve.NewManager(nil)
	core.AddGlobalServer(resolve.INET, net.ParseIP("1.1.1.1"))
	core.AddGlobalServer(resolve.INET6, net.ParseIP("::1"))

	m := &manager{core: core}
	servers, dbusErr := m.DNS()
	assert.Nil(t, dbusErr)
	assert.Len(t, servers, 2)
	assert.Equal(t, int32(2), servers[0].Family)
	assert.Equal(t, int32(10), servers[1].Family)
}

func TestCurrentDNSServerEmpty(t *testing.T) {
	core := resolve.NewManager(nil)
	m := &manager{core: core}
	s, dbusErr := m.CurrentDNSServer()
	assert.Nil(t, dbusErr)
	assert.Zero(t, s.Family)
}
