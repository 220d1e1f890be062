// Package resolve implements the resolver Manager: the single coordinator
// that owns the link/address inventory, the upstream DNS server pool, the
// two UDP endpoints, the transaction table, and resolv.conf rendering. A
// Manager is driven entirely by callbacks dispatched from one
// internal/reactor.Reactor goroutine; nothing here takes a lock, because
// nothing here is ever touched from a second goroutine directly. Code
// running on a different goroutine (the D-Bus dispatch goroutine) must go
// through Dispatch, which hands a closure to the reactor goroutine and
// blocks for its result.
package resolve

import (
	"context"
	"fmt"
	"net"

	"github.com/datawire/dlib/dlog"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/datawire/resolved/internal/errcat"
	"github.com/datawire/resolved/internal/reactor"
	"github.com/datawire/resolved/internal/transaction"
)

// ResolvConfPath is the well-known path the writer publishes to. A systemd
// installation bind-mounts this into /etc/resolv.conf; the Manager only
// ever writes to the /run path.
const ResolvConfPath = "/run/systemd/resolve/resolv.conf"

// Manager is a singleton for the process lifetime.
type Manager struct {
	links map[int]*Link

	// dnsServers is the globally configured upstream list; order is
	// configuration order and selection order.
	dnsServers serverList
	// current is a weak reference (index) into dnsServers.servers. -1 means
	// null, per invariant 2: current, if non-null, is an element of
	// dnsServers.
	current int

	scope *transaction.Scope

	udp4 *udpEndpoint
	udp6 *udpEndpoint

	react *reactor.Reactor

	// reqCh/reqWake let a goroutine other than the reactor's (the D-Bus
	// dispatch goroutine) get a closure run with exclusive access to
	// Manager state: see Dispatch.
	reqCh   chan request
	reqWake int

	resolvConfPath string
}

// request is a closure submitted to Dispatch, together with the channel
// closed once it has run.
type request struct {
	fn   func()
	done chan struct{}
}

// NewManager constructs a Manager with no links, no servers, and no open
// sockets. Sockets are created lazily by Send on first use of each family,
// per spec: "two datagram sockets are created on demand." If react is
// non-nil, an eventfd is registered with it immediately so Dispatch works
// from construction onward.
func NewManager(react *reactor.Reactor) *Manager {
	m := &Manager{
		links:          make(map[int]*Link),
		current:        -1,
		react:          react,
		reqCh:          make(chan request, 16),
		reqWake:        -1,
		resolvConfPath: ResolvConfPath,
	}
	m.scope = transaction.NewScope(managerSender{m})
	if react != nil {
		if wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err == nil {
			m.reqWake = wake
			_ = react.Register(wake, m.drainRequests)
		}
	}
	return m
}

// Dispatch runs fn with exclusive access to Manager/Link state and blocks
// until it has completed. Only the reactor goroutine may touch that state
// without synchronization (see the package doc); any other goroutine, such
// as the D-Bus dispatch goroutine answering an exported method call, must
// go through Dispatch instead of calling Manager methods directly. If no
// reactor was attached at construction (as in tests that pass nil to
// NewManager), fn runs immediately since there is no second goroutine to
// race with.
func (m *Manager) Dispatch(fn func()) {
	if m.react == nil || m.reqWake < 0 {
		fn()
		return
	}
	done := make(chan struct{})
	m.reqCh <- request{fn: fn, done: done}
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(m.reqWake, buf[:])
	<-done
}

// drainRequests is the reactor.Callback for reqWake's read-readiness: drain
// the wake counter, then run every request queued so far to completion.
func (m *Manager) drainRequests(ctx context.Context) error {
	var buf [8]byte
	_, _ = unix.Read(m.reqWake, buf[:])
	for {
		select {
		case r := <-m.reqCh:
			r.fn()
			close(r.done)
		default:
			return nil
		}
	}
}

// SetResolvConfPath overrides the default resolv.conf output path; tests use
// this to render into a scratch directory.
func (m *Manager) SetResolvConfPath(path string) {
	m.resolvConfPath = path
}

// ResolvConfPath returns the path WriteResolvConf renders to.
func (m *Manager) ResolvConfPath() string {
	return m.resolvConfPath
}

// Scope returns the Manager's one unicast Scope.
func (m *Manager) Scope() *transaction.Scope {
	return m.scope
}

// Link looks up a Link by ifindex.
func (m *Manager) Link(ifindex int) *Link {
	return m.links[ifindex]
}

// Links returns every known Link. Order is unspecified (map iteration
// order); resolv.conf rendering uses it as returned, without sorting.
func (m *Manager) Links() []*Link {
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// EnsureLink returns the Link for ifindex, creating and registering it if
// absent. It never returns nil.
func (m *Manager) EnsureLink(ifindex int) *Link {
	if l, ok := m.links[ifindex]; ok {
		return l
	}
	l := NewLink(ifindex)
	m.links[ifindex] = l
	return l
}

// RemoveLink destroys the Link for ifindex if present, cascading to its
// addresses and server lists, and defensively clearing current_dns_server if
// it can no longer be proven valid. The cursor only ever indexes the global
// list, so this is a belt, not a fix for an observed bug.
func (m *Manager) RemoveLink(ifindex int) {
	l, ok := m.links[ifindex]
	if !ok {
		return
	}
	delete(m.links, ifindex)
	m.dnsServers.removeLink(l)
	if m.current >= len(m.dnsServers.servers) {
		m.current = -1
	}
}

// FindServer returns the global server with matching (family, addr), or
// nil. Used to suppress duplicates when ingesting configuration.
func (m *Manager) FindServer(family Family, addr net.IP) *DnsServer {
	return m.dnsServers.find(family, addr)
}

// CurrentServer returns the server current_dns_server points at. If
// current_dns_server is null, it is first set to the head of dns_servers.
// Returns nil iff dns_servers is empty.
func (m *Manager) CurrentServer() *DnsServer {
	if len(m.dnsServers.servers) == 0 {
		m.current = -1
		return nil
	}
	if m.current < 0 {
		m.current = 0
	}
	return m.dnsServers.servers[m.current]
}

// AdvanceServer moves current_dns_server to its successor, wrapping at the
// tail. It is a no-op when dns_servers is empty.
func (m *Manager) AdvanceServer() *DnsServer {
	n := len(m.dnsServers.servers)
	if n == 0 {
		m.current = -1
		return nil
	}
	if m.current < 0 {
		m.current = 0
		return m.dnsServers.servers[m.current]
	}
	m.current = (m.current + 1) % n
	return m.dnsServers.servers[m.current]
}

// AddGlobalServer appends a SystemStatic server to dns_servers unless one
// with the same (family, address) already exists.
func (m *Manager) AddGlobalServer(family Family, addr net.IP) *DnsServer {
	if s := m.dnsServers.find(family, addr); s != nil {
		return s
	}
	s := &DnsServer{Family: family, Address: addr, Origin: SystemStatic}
	m.dnsServers.add(s)
	return s
}

// ClearGlobalServers empties dns_servers and nulls current_dns_server, per
// "an empty assignment clears the global list."
func (m *Manager) ClearGlobalServers() {
	m.dnsServers.clear()
	m.current = -1
}

// GlobalServers returns the configured global server list, in selection
// order.
func (m *Manager) GlobalServers() []*DnsServer {
	return append([]*DnsServer(nil), m.dnsServers.servers...)
}

// FindMTU implements manager_find_mtu: the minimum positive MTU across all
// Links, or 0 if none is known.
func (m *Manager) FindMTU() int {
	best := 0
	for _, l := range m.links {
		if l.MTU <= 0 {
			continue
		}
		if best == 0 || l.MTU < best {
			best = l.MTU
		}
	}
	return best
}

// Send transmits packet to server over the family-appropriate UDP endpoint,
// lazily creating it if this is the first send for that family. ifindex, if
// positive, scopes the destination (IPv6 link-local scope_id) and/or
// requests pktinfo egress pinning.
func (m *Manager) Send(ctx context.Context, server *DnsServer, ifindex int, packet []byte) error {
	ep, err := m.endpointFor(server.Family)
	if err != nil {
		return err
	}
	return ep.send(ctx, server.Address, ifindex, packet)
}

func (m *Manager) endpointFor(family Family) (*udpEndpoint, error) {
	switch family {
	case INET:
		if m.udp4 == nil {
			ep, err := newUDPEndpoint(INET)
			if err != nil {
				return nil, fmt.Errorf("opening ipv4 udp endpoint: %w", err)
			}
			m.udp4 = ep
			if err := m.react.Register(ep.fd(), m.makeRecvCallback(ep)); err != nil {
				return nil, err
			}
		}
		return m.udp4, nil
	case INET6:
		if m.udp6 == nil {
			ep, err := newUDPEndpoint(INET6)
			if err != nil {
				return nil, fmt.Errorf("opening ipv6 udp endpoint: %w", err)
			}
			m.udp6 = ep
			if err := m.react.Register(ep.fd(), m.makeRecvCallback(ep)); err != nil {
				return nil, err
			}
		}
		return m.udp6, nil
	default:
		return nil, errcat.UnknownFamily.Newf("unknown address family %d", family)
	}
}

// makeRecvCallback returns the reactor.Callback for ep's read-readiness:
// read one datagram, extract the transaction ID, and route it to the
// transaction table, or drop it. A single malformed or unmatched packet
// never stops the reactor: every error here is logged and swallowed.
func (m *Manager) makeRecvCallback(ep *udpEndpoint) reactor.Callback {
	return func(ctx context.Context) error {
		packet, err := ep.recv(ctx)
		if err != nil {
			if errcat.Is(err, errcat.IO) {
				dlog.Warnf(ctx, "dns recv on %s endpoint: %v", ep.family, err)
			}
			// EAGAIN/EINTR surface as nil from recv; anything else is logged
			// above and swallowed here, matching the propagation policy: a
			// bad packet never tears down the reactor.
			return nil
		}
		if packet == nil {
			return nil
		}
		if len(packet) < 2 {
			dlog.Warnf(ctx, "dns recv on %s endpoint: short packet (%d bytes)", ep.family, len(packet))
			return nil
		}
		id := uint16(packet[0])<<8 | uint16(packet[1])
		if err := m.scope.Deliver(id, packet); err != nil {
			var msg dns.Msg
			if uerr := msg.Unpack(packet); uerr == nil && len(msg.Question) > 0 {
				dlog.Debugf(ctx, "dns reply id=%04x (%s): %v", id, msg.Question[0].Name, err)
			} else {
				dlog.Debugf(ctx, "dns reply id=%04x: %v", id, err)
			}
		}
		return nil
	}
}

// Close releases both UDP endpoints, if open, and the Dispatch eventfd.
// Descriptors are unregistered from the reactor first.
func (m *Manager) Close() error {
	var first error
	for _, ep := range []*udpEndpoint{m.udp4, m.udp6} {
		if ep == nil {
			continue
		}
		_ = m.react.Unregister(ep.fd())
		if err := ep.close(); err != nil && first == nil {
			first = err
		}
	}
	if m.reqWake >= 0 {
		_ = m.react.Unregister(m.reqWake)
		if err := unix.Close(m.reqWake); err != nil && first == nil {
			first = err
		}
	}
	return first
}
