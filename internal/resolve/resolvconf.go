package resolve

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/resolved/internal/errcat"
)

// MaxNS is the BSD resolver's historical per-process cap of nameservers
// honored by libc; resolv.conf entries past this point get an explanatory
// comment, not a parser change.
const MaxNS = 3

const resolvConfHeader = `# This file is managed by resolved(8). Do not edit.
#
# This is a dynamic resolv.conf file for connecting local clients to the
# upstream DNS servers known to resolved.
#
# Third party programs should typically not access this file directly.

`

// WriteResolvConf renders the current server view to m.resolvConfPath using
// create-temp-then-rename, so readers never observe a partial file. Order:
// for each Link (in the order Links() returns, i.e. iteration order), its
// link_dns_servers then its dhcp_dns_servers; then the global dns_servers.
// Sources are not deduplicated against each other.
func (m *Manager) WriteResolvConf() error {
	dir := filepath.Dir(m.resolvConfPath)
	tmp, err := os.CreateTemp(dir, ".resolv.conf.*")
	if err != nil {
		return errcat.IO.New(err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	// fail is the common path for every error once the temp file exists:
	// the deferred cleanup above still removes tmpName, but the target
	// itself may be a stale render from a previous, successful call, so it
	// is best-effort-unlinked here too rather than left inconsistent with
	// the failed write.
	fail := func(err error) error {
		_ = os.Remove(m.resolvConfPath)
		return errcat.IO.New(err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fail(err)
	}

	w := bufio.NewWriter(tmp)
	if _, err := w.WriteString(resolvConfHeader); err != nil {
		return fail(err)
	}

	count := 0
	writeLine := func(addr string) error {
		if count == MaxNS {
			if _, err := w.WriteString("# Too many nameservers; libc may ignore the rest.\n"); err != nil {
				return err
			}
		}
		count++
		if _, err := fmt.Fprintf(w, "nameserver %s\n", addr); err != nil {
			return err
		}
		return nil
	}

	for _, l := range m.Links() {
		for _, s := range l.LinkDnsServers.servers {
			if err := writeLine(s.Address.String()); err != nil {
				return fail(err)
			}
		}
		for _, s := range l.DhcpDnsServers.servers {
			if err := writeLine(s.Address.String()); err != nil {
				return fail(err)
			}
		}
	}
	for _, s := range m.dnsServers.servers {
		if err := writeLine(s.Address.String()); err != nil {
			return fail(err)
		}
	}

	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, m.resolvConfPath); err != nil {
		return fail(err)
	}
	ok = true
	return nil
}
