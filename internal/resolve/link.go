package resolve

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AddressRecord is one IP address bound on a Link. It is owned exclusively
// by that Link and never outlives it.
type AddressRecord struct {
	Family  Family
	Address net.IP
}

func addressKey(family Family, addr net.IP) string {
	return family.String() + "/" + addr.String()
}

// Link is one network interface as seen through rtnl: its addresses, and the
// two server lists ingested on its behalf (static per-link configuration and
// DHCP-learned servers). A Link is exclusively owned by the Manager; the
// Manager destroys it (cascading to its addresses and server lists) on
// RTM_DELLINK or on its own teardown.
type Link struct {
	Ifindex int
	Name    string
	// MTU is 0 when unknown. manager_find_mtu skips Links with MTU <= 0.
	MTU int

	addresses map[string]*AddressRecord

	LinkDnsServers serverList
	DhcpDnsServers serverList
}

// NewLink creates a Link with no addresses and no servers. Attributes (name,
// mtu) are applied afterward by the rtnl link handler, a create-then-apply
// sequence for NEWLINK on a previously-unknown ifindex.
func NewLink(ifindex int) *Link {
	return &Link{
		Ifindex:   ifindex,
		addresses: make(map[string]*AddressRecord),
	}
}

// UpsertAddress inserts or replaces the AddressRecord for (family, addr).
func (l *Link) UpsertAddress(family Family, addr net.IP) *AddressRecord {
	key := addressKey(family, addr)
	rec := &AddressRecord{Family: family, Address: addr}
	l.addresses[key] = rec
	return rec
}

// RemoveAddress removes the AddressRecord for (family, addr) if present. It
// reports whether anything was removed.
func (l *Link) RemoveAddress(family Family, addr net.IP) bool {
	key := addressKey(family, addr)
	if _, ok := l.addresses[key]; !ok {
		return false
	}
	delete(l.addresses, key)
	return true
}

// Addresses returns the Link's AddressRecords. The returned slice is a
// snapshot; mutating it does not affect the Link.
func (l *Link) Addresses() []*AddressRecord {
	out := make([]*AddressRecord, 0, len(l.addresses))
	for _, rec := range l.addresses {
		out = append(out, rec)
	}
	return out
}

// AddressCount reports how many AddressRecords the Link currently owns.
func (l *Link) AddressCount() int {
	return len(l.addresses)
}

// AddLinkServer appends a LinkStatic server to this Link's
// link_dns_servers, unless one with the same (family, address) already
// exists.
func (l *Link) AddLinkServer(family Family, addr net.IP) *DnsServer {
	if s := l.LinkDnsServers.find(family, addr); s != nil {
		return s
	}
	s := &DnsServer{Family: family, Address: addr, Origin: LinkStatic, Link: l}
	l.LinkDnsServers.add(s)
	return s
}

// AddDHCPServer appends a LinkDHCP server to this Link's dhcp_dns_servers,
// unless one with the same (family, address) already exists.
func (l *Link) AddDHCPServer(family Family, addr net.IP) *DnsServer {
	if s := l.DhcpDnsServers.find(family, addr); s != nil {
		return s
	}
	s := &DnsServer{Family: family, Address: addr, Origin: LinkDHCP, Link: l}
	l.DhcpDnsServers.add(s)
	return s
}

// RefreshDHCPServers re-reads the link's systemd-networkd state file under
// dir (named by ifindex, matching DefaultNetifStateDir's layout) and
// replaces dhcp_dns_servers from its DNS= line. A missing state file just
// means the link has no DHCP lease yet; that is not an error.
func (l *Link) RefreshDHCPServers(dir string) error {
	path := filepath.Join(dir, strconv.Itoa(l.Ifindex))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.DhcpDnsServers.clear()
			return nil
		}
		return err
	}
	defer f.Close()

	l.DhcpDnsServers.clear()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok || k != "DNS" {
			continue
		}
		for _, lit := range strings.Fields(v) {
			ip := net.ParseIP(lit)
			if ip == nil {
				continue
			}
			family, addr := INET, ip.To4()
			if addr == nil {
				family, addr = INET6, ip.To16()
			}
			if l.DhcpDnsServers.find(family, addr) == nil {
				l.DhcpDnsServers.add(&DnsServer{Family: family, Address: addr, Origin: LinkDHCP, Link: l})
			}
		}
	}
	return scanner.Err()
}
