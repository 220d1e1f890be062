package resolve_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawire/resolved/internal/resolve"
)

// Round-trip: parsing a config string then emitting
// dns_servers as whitespace-joined literals yields the deduplicated,
// order-preserved subsequence of valid literals.
func TestApplyDNSConfigRoundTrip(t *testing.T) {
	m := resolve.NewManager(nil)
	ctx := context.Background()

	m.ApplyDNSConfig(ctx, `1.1.1.1 bogus 8.8.8.8 1.1.1.1 "::1"`)

	servers := m.GlobalServers()
	got := make([]string, len(servers))
	for i, s := range servers {
		got[i] = s.Address.String()
	}
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8", "::1"}, got)
}

func TestApplyDNSConfigEmptyClears(t *testing.T) {
	m := resolve.NewManager(nil)
	ctx := context.Background()
	m.AddGlobalServer(resolve.INET, net.ParseIP("1.1.1.1"))
	m.ApplyDNSConfig(ctx, "")
	assert.Empty(t, m.GlobalServers())
}

func TestLoadConfigFileMissingSeedsDefaults(t *testing.T) {
	m := resolve.NewManager(nil)
	ctx := context.Background()
	err := m.LoadConfigFile(ctx, "/nonexistent/path/resolved.conf")
	assert.NoError(t, err)
	assert.NotEmpty(t, m.GlobalServers())
}
