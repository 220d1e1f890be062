package resolve

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/datawire/resolved/internal/errcat"
)

// writeReadyTimeout bounds the wait for write-readiness on EAGAIN, per
// spec §4.4.
const writeReadyTimeout = 200 * time.Millisecond

// udpEndpoint is one of the two (per-family) datagram sockets the Manager
// sends DNS queries over and receives replies on. It is created lazily,
// non-blocking and close-on-exec, and stays registered with the reactor for
// read-readiness until the Manager tears it down (invariant 4).
type udpEndpoint struct {
	family Family
	sock   int

	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn

	// conn wraps sock for golang.org/x/net/ipv4/ipv6, which want a
	// net.PacketConn rather than a raw descriptor.
	conn net.PacketConn
}

func newUDPEndpoint(family Family) (*udpEndpoint, error) {
	var network string
	var laddr net.Addr
	switch family {
	case INET:
		network = "udp4"
		laddr = &net.UDPAddr{}
	case INET6:
		network = "udp6"
		laddr = &net.UDPAddr{}
	default:
		return nil, errcat.UnknownFamily.Newf("unknown address family %d", family)
	}

	conn, err := net.ListenUDP(network, laddr.(*net.UDPAddr))
	if err != nil {
		return nil, errcat.IO.New(err)
	}

	ep := &udpEndpoint{family: family, conn: conn}
	rc, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, errcat.IO.New(err)
	}
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		ep.sock = int(fd)
		sockErr = unix.SetNonblock(ep.sock, true)
	}); err != nil {
		conn.Close()
		return nil, errcat.IO.New(err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, errcat.IO.New(sockErr)
	}

	switch family {
	case INET:
		ep.pc4 = ipv4.NewPacketConn(conn)
		_ = ep.pc4.SetControlMessage(ipv4.FlagInterface, true)
	case INET6:
		ep.pc6 = ipv6.NewPacketConn(conn)
		_ = ep.pc6.SetControlMessage(ipv6.FlagInterface, true)
	}
	return ep, nil
}

func (ep *udpEndpoint) fd() int {
	return ep.sock
}

// send transmits packet to addr:53, looping on EINTR and waiting up to
// writeReadyTimeout on EAGAIN. When ifindex > 0, pktinfo is attached to pin
// the outbound interface, and for IPv6 the scope_id is set.
func (ep *udpEndpoint) send(ctx context.Context, addr net.IP, ifindex int, packet []byte) error {
	dst := &net.UDPAddr{IP: addr, Port: 53}
	if ep.family == INET6 && (ifindex > 0 || addr.IsLinkLocalUnicast()) {
		dst.Zone = zoneForIfindex(ifindex)
	}

	var cm4 *ipv4.ControlMessage
	var cm6 *ipv6.ControlMessage
	if ifindex > 0 {
		if ep.pc4 != nil {
			cm4 = &ipv4.ControlMessage{IfIndex: ifindex}
		}
		if ep.pc6 != nil {
			cm6 = &ipv6.ControlMessage{IfIndex: ifindex}
		}
	}

	deadline := time.Now().Add(writeReadyTimeout)
	for {
		var n int
		var err error
		switch {
		case ep.pc4 != nil:
			n, err = ep.pc4.WriteTo(packet, cm4, dst)
		case ep.pc6 != nil:
			n, err = ep.pc6.WriteTo(packet, cm6, dst)
		}
		if err == nil {
			if n < len(packet) {
				return errcat.IO.Newf("short write: %d of %d bytes", n, len(packet))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isEINTR(err) {
			continue
		}
		if isEAGAIN(err) {
			if time.Now().After(deadline) {
				return errcat.TimedOut.Newf("send to %s: write-readiness wait exceeded %s", addr, writeReadyTimeout)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		return errcat.IO.New(err)
	}
}

// recv reads one pending datagram. It returns (nil, nil) for a spurious
// EAGAIN/EINTR wakeup, per spec: "yield without error."
func (ep *udpEndpoint) recv(ctx context.Context) ([]byte, error) {
	n, err := pendingBytes(ep.sock)
	if err != nil {
		if isEAGAIN(err) || isEINTR(err) {
			return nil, nil
		}
		return nil, errcat.IO.New(err)
	}
	if n == 0 {
		// FIONREAD of 0 on a readable socket means a zero-length datagram
		// was sent; still drain it so recv doesn't spin.
		n = 1
	}
	buf := make([]byte, n)
	read, _, err := ep.conn.(interface {
		ReadFrom([]byte) (int, net.Addr, error)
	}).ReadFrom(buf)
	if err != nil {
		if isEAGAIN(err) || isEINTR(err) {
			return nil, nil
		}
		return nil, errcat.IO.New(err)
	}
	if read == 0 {
		return nil, errcat.IO.Newf("zero-length read on %s endpoint", ep.family)
	}
	return buf[:read], nil
}

func (ep *udpEndpoint) close() error {
	return ep.conn.Close()
}

func pendingBytes(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func isEAGAIN(err error) bool {
	return matchesErrno(err, unix.EAGAIN) || matchesErrno(err, unix.EWOULDBLOCK)
}

func isEINTR(err error) bool {
	return matchesErrno(err, unix.EINTR)
}

func matchesErrno(err error, errno unix.Errno) bool {
	for {
		if e, ok := err.(unix.Errno); ok {
			return e == errno
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}

// zoneForIfindex resolves ifindex to the interface name net.UDPAddr.Zone
// wants for a scoped IPv6 destination.
func zoneForIfindex(ifindex int) string {
	if ifindex <= 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return ""
	}
	return iface.Name
}
