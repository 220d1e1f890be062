package resolve

import (
	"context"
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/resolved/internal/errcat"
)

// rtnl message layout constants, matching the kernel uapi headers. Raw
// construction is used instead of a netlink helper library because none
// appears anywhere in the pack's dependency graph; the byte layout here
// follows the same nlmsghdr/ifinfomsg/ifaddrmsg/rtattr packing used for
// netlink elsewhere in the corpus.
const (
	nlmsgHdrLen  = 16
	ifinfomsgLen = 16
	ifaddrmsgLen = 8
	rtaHdrLen    = 4
)

// RtnlConn is the raw AF_NETLINK/NETLINK_ROUTE socket the Manager reads
// link and address notifications from. It is registered with the reactor
// for read-readiness exactly like the UDP endpoints.
type RtnlConn struct {
	sock int
}

// OpenRtnl opens and binds a route-netlink socket subscribed to the link,
// IPv4-address and IPv6-address multicast groups, per spec §6.
func OpenRtnl() (*RtnlConn, error) {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, errcat.IO.New(err)
	}
	groups := uint32(1<<(unix.RTNLGRP_LINK-1) | 1<<(unix.RTNLGRP_IPV4_IFADDR-1) | 1<<(unix.RTNLGRP_IPV6_IFADDR-1))
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groups}
	if err := unix.Bind(sock, addr); err != nil {
		unix.Close(sock)
		return nil, errcat.IO.New(err)
	}
	return &RtnlConn{sock: sock}, nil
}

func (c *RtnlConn) Fd() int {
	return c.sock
}

func (c *RtnlConn) Close() error {
	return unix.Close(c.sock)
}

// DumpLinksAndAddresses issues RTM_GETLINK then RTM_GETADDR(AF_UNSPEC), per
// spec §4.1: "issues a dump of all links and a dump of all addresses."
// Dump replies arrive as ordinary datagrams on the same socket and are
// processed by the same handler as live notifications, so the caller need
// only keep reading.
func (c *RtnlConn) DumpLinksAndAddresses() error {
	if err := c.sendDumpRequest(unix.RTM_GETLINK, unix.AF_UNSPEC, 1); err != nil {
		return err
	}
	return c.sendDumpRequest(unix.RTM_GETADDR, unix.AF_UNSPEC, 2)
}

func (c *RtnlConn) sendDumpRequest(msgType uint16, family uint8, seq uint32) error {
	buf := make([]byte, nlmsgHdrLen+ifinfomsgLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_DUMP)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	buf[nlmsgHdrLen] = family
	dst := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(c.sock, buf, 0, dst); err != nil {
		return errcat.IO.New(err)
	}
	return nil
}

// rtAttr is one parsed netlink attribute.
type rtAttr struct {
	Type  uint16
	Value []byte
}

func parseAttrs(buf []byte) []rtAttr {
	var attrs []rtAttr
	for len(buf) >= rtaHdrLen {
		l := int(binary.LittleEndian.Uint16(buf[0:2]))
		if l < rtaHdrLen || l > len(buf) {
			break
		}
		typ := binary.LittleEndian.Uint16(buf[2:4])
		attrs = append(attrs, rtAttr{Type: typ &^ unix.NLA_F_NESTED, Value: buf[rtaHdrLen:l]})
		buf = buf[rtaAlign(l):]
	}
	return attrs
}

func rtaAlign(l int) int {
	return (l + 3) &^ 3
}

// ReadCallback returns a reactor.Callback that drains c and dispatches each
// message to m's link/address handlers. Errors parsing an individual
// message are logged at warning level and do not halt the reactor, per
// spec §4.1.
func (m *Manager) ReadCallback(c *RtnlConn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		buf := make([]byte, 1<<16)
		for {
			n, _, err := unix.Recvfrom(c.sock, buf, 0)
			if err != nil {
				if isEAGAIN(err) || isEINTR(err) {
					return nil
				}
				return errcat.IO.New(err)
			}
			m.dispatchRtnl(ctx, buf[:n])
			if n < len(buf) {
				// A single recvfrom on a netlink socket returns exactly one
				// or more complete messages, never a partial one; when the
				// kernel has nothing more queued it will simply not be
				// readable on the next recv, so one pass is enough per
				// reactor wakeup.
				return nil
			}
		}
	}
}

func (m *Manager) dispatchRtnl(ctx context.Context, buf []byte) {
	for len(buf) >= nlmsgHdrLen {
		msgLen := int(binary.LittleEndian.Uint32(buf[0:4]))
		if msgLen < nlmsgHdrLen || msgLen > len(buf) {
			dlog.Warnf(ctx, "rtnl: truncated message (len=%d, have=%d)", msgLen, len(buf))
			return
		}
		msgType := binary.LittleEndian.Uint16(buf[4:6])
		payload := buf[nlmsgHdrLen:msgLen]
		switch msgType {
		case unix.RTM_NEWLINK, unix.RTM_DELLINK:
			m.handleLinkMessage(ctx, msgType, payload)
		case unix.RTM_NEWADDR, unix.RTM_DELADDR:
			m.handleAddrMessage(ctx, msgType, payload)
		case unix.NLMSG_DONE, unix.NLMSG_NOOP, unix.NLMSG_ERROR:
			// Dump terminators and acks; nothing for the Manager to do.
		}
		buf = buf[rtaAlign(msgLen):]
	}
}

// handleLinkMessage implements the link handler from spec §4.1.
func (m *Manager) handleLinkMessage(ctx context.Context, msgType uint16, payload []byte) {
	if len(payload) < ifinfomsgLen {
		dlog.Warn(ctx, "rtnl: short ifinfomsg")
		return
	}
	ifindex := int(int32(binary.LittleEndian.Uint32(payload[4:8])))
	if ifindex <= 0 {
		dlog.Warn(ctx, "rtnl: link message with no ifindex")
		return
	}
	attrs := parseAttrs(payload[ifinfomsgLen:])

	switch msgType {
	case unix.RTM_DELLINK:
		m.RemoveLink(ifindex)
	case unix.RTM_NEWLINK:
		link := m.EnsureLink(ifindex)
		for _, a := range attrs {
			switch a.Type {
			case unix.IFLA_IFNAME:
				link.Name = cString(a.Value)
			case unix.IFLA_MTU:
				if len(a.Value) >= 4 {
					link.MTU = int(binary.LittleEndian.Uint32(a.Value))
				}
			}
		}
	}
}

// handleAddrMessage implements the address handler from spec §4.1.
func (m *Manager) handleAddrMessage(ctx context.Context, msgType uint16, payload []byte) {
	if len(payload) < ifaddrmsgLen {
		dlog.Warn(ctx, "rtnl: short ifaddrmsg")
		return
	}
	family := payload[0]
	ifindex := int(binary.LittleEndian.Uint32(payload[4:8]))
	link := m.links[ifindex]
	if link == nil {
		// Address for an unknown link: dropped silently, per spec.
		return
	}

	var fam Family
	switch family {
	case unix.AF_INET:
		fam = INET
	case unix.AF_INET6:
		fam = INET6
	default:
		return
	}

	attrs := parseAttrs(payload[ifaddrmsgLen:])
	var local, address net.IP
	for _, a := range attrs {
		switch a.Type {
		case unix.IFA_LOCAL:
			local = net.IP(a.Value)
		case unix.IFA_ADDRESS:
			address = net.IP(a.Value)
		}
	}
	addr := local
	if addr == nil {
		addr = address
	}
	if addr == nil {
		dlog.Warn(ctx, "rtnl: address message with neither IFA_LOCAL nor IFA_ADDRESS")
		return
	}

	switch msgType {
	case unix.RTM_NEWADDR:
		link.UpsertAddress(fam, addr)
	case unix.RTM_DELADDR:
		link.RemoveAddress(fam, addr)
	}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
