package ipallow

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/QuadTriangle/wstap/internal/hooks"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type plugin struct {
	allowIPs []string
	prefixes []netip.Prefix
	logger   *zap.Logger
}

func New() hooks.Plugin {
	return &plugin{logger: zap.NewNop()}
}

func (p *plugin) Name() string { return "ipallow" }

func (p *plugin) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&p.allowIPs, "allow-ip", nil, "Comma-separated list of allowed IPs or CIDRs (e.g. 127.0.0.1,10.0.0.0/8)")
}

func (p *plugin) Enabled() bool { return len(p.allowIPs) > 0 }

func (p *plugin) Init(logger *zap.Logger) error {
	prefixes, err := Parse(p.allowIPs)
	if err != nil {
		return err
	}
	p.prefixes = prefixes
	p.logger = logger
	return nil
}

func (p *plugin) EventHooks() []hooks.EventHook           { return nil }
func (p *plugin) ConnectionHooks() []hooks.ConnectionHook { return nil }

func (p *plugin) Middleware() []hooks.Middleware {
	return []hooks.Middleware{Allow(p.prefixes, p.logger)}
}

// Parse accepts bare addresses and CIDRs.
func Parse(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, s := range entries {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", s, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Allow rejects requests whose remote address matches none of prefixes.
func Allow(prefixes []netip.Prefix, logger *zap.Logger) hooks.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed(prefixes, r.RemoteAddr) {
				logger.Info("forbidden address", zap.String("remote", r.RemoteAddr))
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowed(prefixes []netip.Prefix, remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
