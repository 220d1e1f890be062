//go:build linux

// Package dbusapi exposes a read-only org.freedesktop.resolve1.Manager-style
// D-Bus object so other host tools can introspect the resolver's global DNS
// server list and current server, mirroring part of systemd-resolved's real
// surface. Links and per-link servers are not exposed.
// The Manager itself owns the bus name and answers calls; there is no
// separate client side.
package dbusapi

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/resolved/internal/resolve"
)

const (
	busName       = "org.freedesktop.resolve1"
	objectPath    = dbus.ObjectPath("/org/freedesktop/resolve1")
	interfaceName = "org.freedesktop.resolve1.Manager"
)

// LinkServer mirrors one DnsServer entry as returned across the bus: family
// (AF_INET/AF_INET6) and raw address bytes.
type LinkServer struct {
	Family  int32
	Address []byte
}

// manager is the D-Bus-callable object. It holds a reference to the
// resolve.Manager, but godbus dispatches exported method calls on its own
// goroutine, distinct from the reactor goroutine that owns all Manager and
// Link state. Every method here reaches that state only through
// core.Dispatch, never directly, so it is safe to call from the dbus
// package's own dispatch goroutine.
type manager struct {
	core *resolve.Manager
}

// DNS returns the system-wide resolver list as (family, address) pairs, in
// selection order.
func (m *manager) DNS() ([]LinkServer, *dbus.Error) {
	var out []LinkServer
	m.core.Dispatch(func() {
		servers := m.core.GlobalServers()
		out = make([]LinkServer, len(servers))
		for i, s := range servers {
			out[i] = LinkServer{Family: int32(familyToAF(s.Family)), Address: []byte(s.Address)}
		}
	})
	return out, nil
}

// CurrentDNSServer returns the server current_dns_server points at, or an
// empty LinkServer with a zero family if none is configured.
func (m *manager) CurrentDNSServer() (LinkServer, *dbus.Error) {
	var out LinkServer
	m.core.Dispatch(func() {
		s := m.core.CurrentServer()
		if s == nil {
			return
		}
		out = LinkServer{Family: int32(familyToAF(s.Family)), Address: []byte(s.Address)}
	})
	return out, nil
}

func familyToAF(f resolve.Family) int {
	if f == resolve.INET6 {
		return 10 // AF_INET6
	}
	return 2 // AF_INET
}

// Serve connects to the session bus (tests and non-root runs use this;
// production deployments typically run as the system resolved process and
// use ServeSystem instead), requests busName, and exports interfaceName at
// objectPath. It blocks until ctx is cancelled.
func Serve(ctx context.Context, core *resolve.Manager) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connecting to session bus: %w", err)
	}
	defer conn.Close()
	return serveOn(ctx, conn, core)
}

// ServeSystem is identical to Serve but connects to the system bus, which
// is where a real resolve1 implementation lives.
func ServeSystem(ctx context.Context, core *resolve.Manager) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()
	return serveOn(ctx, conn, core)
}

func serveOn(ctx context.Context, conn *dbus.Conn, core *resolve.Manager) error {
	obj := &manager{core: core}
	if err := conn.Export(obj, objectPath, interfaceName); err != nil {
		return fmt.Errorf("exporting %s: %w", interfaceName, err)
	}
	node := &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: interfaceName,
				Methods: []introspect.Method{
					{Name: "DNS", Args: []introspect.Arg{{Name: "servers", Type: "a(iay)", Direction: "out"}}},
					{Name: "CurrentDNSServer", Args: []introspect.Arg{{Name: "server", Type: "(iay)", Direction: "out"}}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("exporting introspection data: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already owned", busName)
	}
	dlog.Infof(ctx, "exported %s at %s on %s", interfaceName, objectPath, busName)

	<-ctx.Done()
	return nil
}
