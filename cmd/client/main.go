package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/armon/go-socks5"
	"github.com/spf13/pflag"

	"github.com/matst80/connexions/internal/client"
	"github.com/matst80/connexions/internal/obs"
)

func main() {
	// stdout carries tunnel data in pipe mode.
	obs.SetOutput(os.Stderr)
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if err := cfg.validate(); err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.Socks != "" {
		var ln net.Listener
		if ln, err = net.Listen("tcp", cfg.Socks); err == nil {
			err = serveSocks(ctx, cfg, ln)
		}
	} else {
		err = pipe(ctx, cfg, os.Stdin, os.Stdout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

// dialTarget opens a channel and connects it to target.
func dialTarget(ctx context.Context, c Config, target netip.AddrPort) (*client.Stream, error) {
	cl, err := client.DialRetry(ctx, c.Network, c.Server, c.RetryMax, c.RetryDelay)
	if err != nil {
		return nil, err
	}
	if err := cl.Connect(target); err != nil {
		_ = cl.Close()
		return nil, err
	}
	obs.Debug("client.connected", obs.Fields{"target": target.String(), "server": c.Server})
	return cl.Stream(), nil
}

// pipe copies in to target and target to out until the target hangs up.
func pipe(ctx context.Context, c Config, in io.Reader, out io.Writer) error {
	target, err := resolveTarget(ctx, net.DefaultResolver, c.Target)
	if err != nil {
		return err
	}
	s, err := dialTarget(ctx, c, target)
	if err != nil {
		return err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	// There is no half-close: after input ends keep reading until the
	// target hangs up.
	go func() {
		if _, err := io.Copy(s, in); err != nil {
			obs.Debug("pipe.send", obs.Fields{"err": err.Error()})
		}
	}()
	_, err = io.Copy(out, s)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// socksDial dials every SOCKS request through its own channel.
func socksDial(c Config) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("unsupported network %s", network)
		}
		target, err := netip.ParseAddrPort(addr)
		if err != nil {
			return nil, err
		}
		st, err := dialTarget(ctx, c, netip.AddrPortFrom(target.Addr().Unmap(), target.Port()))
		if err != nil {
			return nil, err
		}
		return socksConn{st}, nil
	}
}

// socksConn reports a TCP local address whatever the channel transport;
// the SOCKS server builds its bind reply from one.
type socksConn struct {
	*client.Stream
}

func (s socksConn) LocalAddr() net.Addr {
	if a, ok := s.Stream.LocalAddr().(*net.TCPAddr); ok {
		return a
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}

// serveSocks accepts SOCKS5 clients on ln until ctx is done.
func serveSocks(ctx context.Context, c Config, ln net.Listener) error {
	srv, err := socks5.New(&socks5.Config{
		Dial:   socksDial(c),
		Logger: log.New(socksLog{}, "", 0),
	})
	if err != nil {
		return err
	}
	obs.Info("socks.listen", obs.Fields{"addr": ln.Addr().String(), "server": c.Server, "network": c.Network})
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// socksLog routes the SOCKS server's log lines to obs.
type socksLog struct{}

func (socksLog) Write(p []byte) (int, error) {
	obs.Debug("socks", obs.Fields{"msg": strings.TrimSpace(string(p))})
	return len(p), nil
}
