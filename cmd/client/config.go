package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Config holds client runtime configuration.
type Config struct {
	Server     string
	Network    string
	Target     string
	Socks      string
	RetryMax   int
	RetryDelay time.Duration
	Debug      bool
}

var (
	cfg   Config
	flags = newFlagSet(&cfg)
)

func newFlagSet(c *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("connexions", pflag.ContinueOnError)
	fs.StringVar(&c.Server, "server", "/run/connexions.sock", "channel address: socket path, host:port or ws:// URL")
	fs.StringVar(&c.Network, "network", "unix", "channel transport: unix, tcp or ws")
	fs.StringVar(&c.Target, "target", "", "host:port to connect to and pipe stdin/stdout through")
	fs.StringVar(&c.Socks, "socks", "", "serve SOCKS5 on this local address instead of piping")
	fs.IntVar(&c.RetryMax, "retry-max", 5, "channel dial attempts (0 = until interrupted)")
	fs.DurationVar(&c.RetryDelay, "retry-delay", 5*time.Second, "maximum delay between channel dial attempts")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	return fs
}

func (c *Config) validate() error {
	switch c.Network {
	case "unix", "tcp", "ws":
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.Server == "" {
		return fmt.Errorf("--server is required")
	}
	if (c.Target == "") == (c.Socks == "") {
		return fmt.Errorf("exactly one of --target or --socks is required")
	}
	if c.Target != "" {
		if _, _, err := splitTarget(c.Target); err != nil {
			return fmt.Errorf("invalid target %q: %w", c.Target, err)
		}
	}
	return nil
}

func splitTarget(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, uint16(port), nil
}

// resolveTarget turns host:port into an address, looking the host up when
// it is not a literal IP.
func resolveTarget(ctx context.Context, r *net.Resolver, target string) (netip.AddrPort, error) {
	host, port, err := splitTarget(target)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), port), nil
	}
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), port), nil
}
