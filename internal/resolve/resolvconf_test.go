package resolve_test

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/datawire/resolved/internal/resolve"
)

// resolv.conf render.
func TestWriteResolvConfOrder(t *testing.T) {
	m := resolve.NewManager(nil)
	m.SetResolvConfPath(filepath.Join(t.TempDir(), "resolv.conf"))

	m.AddGlobalServer(resolve.INET, net.ParseIP("1.1.1.1"))

	// There is no rtnl feed in this test, so reach the Link the same way the
	// rtnl handler would: EnsureLink. Its link_dns_servers/dhcp_dns_servers
	// are then populated through AddLinkServer/AddDHCPServer.
	link := m.EnsureLink(2)
	link.AddLinkServer(resolve.INET, net.ParseIP("4.4.4.4"))
	link.AddDHCPServer(resolve.INET, net.ParseIP("8.8.8.8"))

	require.NoError(t, m.WriteResolvConf())

	data, err := os.ReadFile(m.ResolvConfPath())
	require.NoError(t, err)
	body := string(data)
	idx := strings.Index(body, "nameserver 4.4.4.4")
	require.GreaterOrEqual(t, idx, 0)

	lines := []string{}
	for _, l := range strings.Split(body, "\n") {
		if strings.HasPrefix(l, "nameserver") {
			lines = append(lines, l)
		}
	}
	want := []string{
		"nameserver 4.4.4.4",
		"nameserver 8.8.8.8",
		"nameserver 1.1.1.1",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("nameserver line order mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteResolvConfAtomicNoPartialFile(t *testing.T) {
	m := resolve.NewManager(nil)
	path := filepath.Join(t.TempDir(), "resolv.conf")
	m.SetResolvConfPath(path)
	require.NoError(t, m.WriteResolvConf())

	_, err := os.Stat(path)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".resolv.conf."), "temp file leaked: %s", e.Name())
	}
}
