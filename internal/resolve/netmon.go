package resolve

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/resolved/internal/errcat"
)

// DefaultNetifStateDir is the well-known directory systemd-networkd writes
// per-link runtime state (including DHCP lease info) into. A write, create,
// or remove anywhere under it means some Link's DHCP-learned servers may
// have changed.
const DefaultNetifStateDir = "/run/systemd/netif/links"

// WatchNetworkState watches dir for per-link state changes and, on each
// coalesced batch, lets every Link refresh its dhcp_dns_servers before
// rewriting resolv.conf.
//
// fsnotify only ever delivers through channels, so the loop below drains
// watcher.Events/Errors and debounces bursts into a single wake write on an
// eventfd; it never touches Manager or Link state itself. The eventfd is
// registered with the reactor, so the actual refresh-and-rewrite sweep
// (sweep, below) runs as a reactor callback on the reactor's own goroutine,
// same as every other source that mutates this Manager. This mirrors how
// Reactor.Run forwards its own ctx.Done() to its wake eventfd.
func (m *Manager) WatchNetworkState(ctx context.Context, dir string, refresh func(*Link) error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errcat.IO.New(err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errcat.IO.New(err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errcat.IO.New(err)
	}

	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		watcher.Close()
		return errcat.IO.New(err)
	}

	sweep := func(ctx context.Context) error {
		var buf [8]byte
		_, _ = unix.Read(wake, buf[:])
		for _, l := range m.Links() {
			if err := refresh(l); err != nil {
				dlog.Warnf(ctx, "refreshing dhcp servers for link %d: %v", l.Ifindex, err)
			}
		}
		if err := m.WriteResolvConf(); err != nil {
			dlog.Errorf(ctx, "writing resolv.conf: %v", err)
		}
		return nil
	}
	if err := m.react.Register(wake, sweep); err != nil {
		watcher.Close()
		unix.Close(wake)
		return err
	}
	defer m.react.Unregister(wake)
	defer watcher.Close()
	defer unix.Close(wake)

	delay := time.NewTimer(time.Hour)
	if !delay.Stop() {
		<-delay.C
	}
	defer delay.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			dlog.Error(ctx, err)
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Remove|fsnotify.Write|fsnotify.Create) != 0 {
				pending = true
				delay.Reset(5 * time.Millisecond)
			}
		case <-delay.C:
			if pending {
				pending = false
				var buf [8]byte
				buf[0] = 1
				_, _ = unix.Write(wake, buf[:])
			}
		}
	}
}
