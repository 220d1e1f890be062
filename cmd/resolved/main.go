// Command resolved runs the host-local recursive-stub DNS resolver daemon:
// the resolver Manager, its rtnl listener, its network-state monitor, and
// its read-only D-Bus introspection surface, all driven by one reactor.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/resolved/internal/dbusapi"
	"github.com/datawire/resolved/internal/reactor"
	"github.com/datawire/resolved/internal/resolve"
)

// logEnv is the process's env-driven logging configuration, filled in by
// envconfig.Process the same way the rest of this daemon's environment
// intake works.
type logEnv struct {
	Level string `env:"RESOLVED_LOG_LEVEL,default=info"`
}

// newLogger builds the logrus.FieldLogger dlog wraps for the lifetime of the
// process, honoring RESOLVED_LOG_LEVEL.
func newLogger(ctx context.Context) *logrus.Logger {
	l := logrus.StandardLogger()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var env logEnv
	if err := envconfig.Process(ctx, &env); err != nil {
		l.SetLevel(logrus.InfoLevel)
		return l
	}
	lvl, err := logrus.ParseLevel(env.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

const processName = "resolved"

type args struct {
	configPath     string
	netifDir       string
	systemDBus     bool
	noDBus         bool
	resolvConfPath string
}

func main() {
	ctx := context.Background()
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(newLogger(ctx)))
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	var a args
	cmd := &cobra.Command{
		Use:   processName,
		Short: "host-local recursive-stub DNS resolver daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Main(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&a.configPath, "config", "/etc/resolved.conf",
		"path to the [Resolve] configuration file")
	cmd.Flags().StringVar(&a.netifDir, "netif-state-dir", resolve.DefaultNetifStateDir,
		"directory watched for per-link network-state changes")
	cmd.Flags().BoolVar(&a.systemDBus, "system-bus", false,
		"export the resolve1 D-Bus service on the system bus instead of the session bus")
	cmd.Flags().BoolVar(&a.noDBus, "no-dbus", false,
		"don't export the resolve1 D-Bus service at all")
	cmd.Flags().StringVar(&a.resolvConfPath, "resolv-conf", resolve.ResolvConfPath,
		"path to the generated resolv.conf")

	if err := cmd.ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

// Main wires the Manager, its reactor, its rtnl transport, its network-state
// monitor, and (unless disabled) its D-Bus surface together and runs until
// SIGTERM/SIGINT: one dgroup with signal handling enabled, one goroutine per
// independent long-running input.
func Main(ctx context.Context, a args) error {
	react, err := reactor.New()
	if err != nil {
		return fmt.Errorf("creating reactor: %w", err)
	}
	defer react.Close()

	m := resolve.NewManager(react)
	m.SetResolvConfPath(a.resolvConfPath)

	if err := m.LoadConfigFile(ctx, a.configPath); err != nil {
		dlog.Warnf(ctx, "loading %s: %v (continuing with defaults)", a.configPath, err)
	}

	rtnl, err := resolve.OpenRtnl()
	if err != nil {
		return fmt.Errorf("opening rtnl socket: %w", err)
	}
	defer rtnl.Close()
	if err := react.Register(rtnl.Fd(), m.ReadCallback(rtnl)); err != nil {
		return fmt.Errorf("registering rtnl socket with reactor: %w", err)
	}
	if err := rtnl.DumpLinksAndAddresses(); err != nil {
		return fmt.Errorf("requesting initial rtnl dump: %w", err)
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
	})

	grp.Go("reactor", func(ctx context.Context) error {
		return react.Run(ctx)
	})

	grp.Go("netmon", func(ctx context.Context) error {
		return m.WatchNetworkState(ctx, a.netifDir, func(l *resolve.Link) error {
			return l.RefreshDHCPServers(a.netifDir)
		})
	})

	if !a.noDBus {
		grp.Go("dbus", func(ctx context.Context) error {
			if a.systemDBus {
				return dbusapi.ServeSystem(ctx, m)
			}
			return dbusapi.Serve(ctx, m)
		})
	}

	return grp.Wait()
}
