package resolve

import "net"

// Family is a DNS server or address family. It mirrors the two families the
// Manager ever deals in; the rtnl address handler silently drops messages
// of any other family.
type Family int

const (
	INET Family = iota
	INET6
)

func (f Family) String() string {
	if f == INET6 {
		return "inet6"
	}
	return "inet"
}

// Origin tags where a DnsServer came from. Dispatch on Origin is always an
// explicit switch, never a subtype: origin is a tagged variant of exactly
// three cases.
type Origin int

const (
	// SystemStatic servers come from the global [Resolve] DNS= configuration
	// value. They have no owning Link.
	SystemStatic Origin = iota
	// LinkStatic servers come from per-link static configuration.
	LinkStatic
	// LinkDHCP servers were learned from a link's DHCP lease.
	LinkDHCP
)

func (o Origin) String() string {
	switch o {
	case SystemStatic:
		return "system-static"
	case LinkStatic:
		return "link-static"
	case LinkDHCP:
		return "link-dhcp"
	default:
		return "unknown-origin"
	}
}

// DnsServer is one upstream resolver. A DnsServer is a member of exactly one
// ordered sequence: Manager.dns_servers, or one Link's link_dns_servers or
// dhcp_dns_servers.
type DnsServer struct {
	Family  Family
	Address net.IP
	Origin  Origin

	// Link is nil for SystemStatic; otherwise the Link this server was
	// configured on or learned from.
	Link *Link
}

// equal compares two servers for dedup purposes: (family, address) only,
// regardless of origin or owning link.
func (s *DnsServer) equal(family Family, addr net.IP) bool {
	return s.Family == family && s.Address.Equal(addr)
}

// serverList is an ordered sequence, appended to by add and shrunk only by
// clear and removeLink, of
// DnsServer, used for Manager.dns_servers and both of Link's per-link lists.
// It is not safe for concurrent use; every mutation happens on the reactor
// goroutine.
type serverList struct {
	servers []*DnsServer
}

// find returns the existing server with matching (family, addr), or nil.
func (l *serverList) find(family Family, addr net.IP) *DnsServer {
	for _, s := range l.servers {
		if s.equal(family, addr) {
			return s
		}
	}
	return nil
}

// add appends a server unconditionally; callers that want dedup semantics
// call find first.
func (l *serverList) add(s *DnsServer) {
	l.servers = append(l.servers, s)
}

// clear empties the list, e.g. for an empty DNS= assignment.
func (l *serverList) clear() {
	l.servers = nil
}

// removeLink drops every server in the list whose Link matches link. Used
// when a Link is destroyed; link_dns_servers and dhcp_dns_servers of a Link
// are destroyed wholesale along with it, but this also guards the (normally
// vacuous, see DESIGN.md) case of a global entry somehow referencing a dead
// link.
func (l *serverList) removeLink(link *Link) {
	kept := l.servers[:0]
	for _, s := range l.servers {
		if s.Link != link {
			kept = append(kept, s)
		}
	}
	l.servers = kept
}
