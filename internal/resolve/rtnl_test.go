package resolve

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLinkMsg(msgType uint16, ifindex int32, name string, mtu uint32) []byte {
	nameAttr := rtaAlign(rtaHdrLen + len(name) + 1)
	mtuAttr := rtaAlign(rtaHdrLen + 4)
	total := nlmsgHdrLen + ifinfomsgLen + nameAttr + mtuAttr
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	off := nlmsgHdrLen
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifindex))

	off = nlmsgHdrLen + ifinfomsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(name)+1))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFLA_IFNAME)
	copy(buf[off+rtaHdrLen:], name)

	off += nameAttr
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFLA_MTU)
	binary.LittleEndian.PutUint32(buf[off+rtaHdrLen:off+rtaHdrLen+4], mtu)

	return buf
}

func newAddrMsg(msgType uint16, family uint8, ifindex int32, addr net.IP) []byte {
	raw := addr.To4()
	if raw == nil {
		raw = addr.To16()
	}
	attrLen := rtaAlign(rtaHdrLen + len(raw))
	total := nlmsgHdrLen + ifaddrmsgLen + attrLen
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = family
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifindex))

	off = nlmsgHdrLen + ifaddrmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(raw)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_LOCAL)
	copy(buf[off+rtaHdrLen:], raw)

	return buf
}

// Enumerate then notify.
func TestRtnlEnumerateThenNotify(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	linkMsg := newLinkMsg(unix.RTM_NEWLINK, 2, "eth0", 1500)
	m.dispatchRtnl(ctx, linkMsg)

	link := m.Link(2)
	require.NotNil(t, link)
	assert.Equal(t, "eth0", link.Name)
	assert.Equal(t, 1500, link.MTU)

	addrMsg := newAddrMsg(unix.RTM_NEWADDR, unix.AF_INET, 2, net.ParseIP("10.0.0.5"))
	m.dispatchRtnl(ctx, addrMsg)

	addrs := link.Addresses()
	require.Len(t, addrs, 1)
	assert.Equal(t, INET, addrs[0].Family)
	assert.True(t, addrs[0].Address.Equal(net.ParseIP("10.0.0.5")))
}

// Delete cascades.
func TestRtnlDeleteCascades(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	m.dispatchRtnl(ctx, newLinkMsg(unix.RTM_NEWLINK, 2, "eth0", 1500))
	m.dispatchRtnl(ctx, newAddrMsg(unix.RTM_NEWADDR, unix.AF_INET, 2, net.ParseIP("10.0.0.5")))
	require.NotNil(t, m.Link(2))

	m.dispatchRtnl(ctx, newLinkMsg(unix.RTM_DELLINK, 2, "eth0", 1500))
	assert.Nil(t, m.Link(2))
	assert.Empty(t, m.Links())
}

// Address for an unknown link is dropped silently.
func TestRtnlAddressForUnknownLinkDropped(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	m.dispatchRtnl(ctx, newAddrMsg(unix.RTM_NEWADDR, unix.AF_INET, 99, net.ParseIP("10.0.0.5")))
	assert.Nil(t, m.Link(99))
}
