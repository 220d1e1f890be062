package resolve

import (
	"context"
	"net"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/resolved/internal/errcat"
)

// DefaultDNSServers is the compile-time fallback seeded into the global list
// at startup when configuration provides none.
var DefaultDNSServers = []string{"1.1.1.1", "8.8.8.8"}

// LoadConfigFile reads path as an ini file with a [Resolve] section and
// applies its DNS= value to m, the way ApplyDNSConfig does for an
// already-parsed string. A missing file is not an error; the daemon falls
// back to DefaultDNSServers. The ini grammar itself is treated as an
// external collaborator (gopkg.in/ini.v1); the Manager only ever consumes
// the already-split DNS= string.
func (m *Manager) LoadConfigFile(ctx context.Context, path string) error {
	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return errcat.InvalidInput.New(err)
	}
	section := cfg.Section("Resolve")
	if !section.HasKey("DNS") {
		m.seedDefaults(ctx)
		return nil
	}
	m.ApplyDNSConfig(ctx, section.Key("DNS").String())
	if len(m.dnsServers.servers) == 0 {
		dlog.Warn(ctx, "configuration produced no usable DNS servers; waiting for link-sourced servers")
	}
	return nil
}

func (m *Manager) seedDefaults(ctx context.Context) {
	for _, lit := range DefaultDNSServers {
		family, ip, err := parseIPLiteral(lit)
		if err != nil {
			continue
		}
		m.AddGlobalServer(family, ip)
	}
	dlog.Infof(ctx, "seeded %d default dns server(s)", len(m.dnsServers.servers))
}

// ApplyDNSConfig replaces dns_servers from value, a whitespace-separated
// list of IP literals with optional shell-style quoting. It first clears
// the global list, then inserts each parsed server in source order,
// skipping entries already present by (family, address). An empty value
// clears the list and adds nothing, per spec §4.6.
func (m *Manager) ApplyDNSConfig(ctx context.Context, value string) {
	m.ClearGlobalServers()
	for _, lit := range splitConfigLiterals(value) {
		family, ip, err := parseIPLiteral(lit)
		if err != nil {
			dlog.Warnf(ctx, "skipping invalid DNS= literal %q: %v", lit, err)
			continue
		}
		m.AddGlobalServer(family, ip)
	}
}

// splitConfigLiterals tokenizes a whitespace-separated, optionally
// shell-quoted list of literals. Quoting is supported because systemd
// config values commonly arrive quoted (e.g. DNS="1.1.1.1 8.8.8.8").
func splitConfigLiterals(value string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range value {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func parseIPLiteral(lit string) (Family, net.IP, error) {
	ip := net.ParseIP(lit)
	if ip == nil {
		return 0, nil, errcat.InvalidInput.Newf("not an IP literal: %q", lit)
	}
	if v4 := ip.To4(); v4 != nil {
		return INET, v4, nil
	}
	return INET6, ip.To16(), nil
}
