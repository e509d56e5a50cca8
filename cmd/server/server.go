package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/connexions/internal/alloc"
	"github.com/matst80/connexions/internal/channel"
	"github.com/matst80/connexions/internal/conn"
	"github.com/matst80/connexions/internal/control"
	"github.com/matst80/connexions/internal/netpoll"
	"github.com/matst80/connexions/internal/obs"
	"github.com/matst80/connexions/internal/ratelimit"
	"github.com/matst80/connexions/internal/sched"
)

// server wires the core registries to the channel hub and the unit
// directory.
type server struct {
	cfg      Config
	tag      *alloc.Tag
	sched    *sched.Scheduler
	poller   *netpoll.Poller
	limiter  *ratelimit.Limiter
	conns    *conn.Registry
	controls *control.Registry
	hub      *channel.Hub
	state    StateStore

	listeners []listener
}

type listener struct {
	net.Listener
	transport string
}

func newServer(c Config, state StateStore) (*server, error) {
	poller, err := netpoll.New()
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	s := &server{
		cfg:     c,
		tag:     alloc.NewTag("connexions", c.MaxBuffer),
		sched:   sched.New(),
		poller:  poller,
		limiter: ratelimit.New(c.ConnectRate, c.ChannelRate, c.ConnectBurst),
		state:   state,
	}
	s.conns = conn.NewRegistry(conn.Options{
		Sockets:   conn.UnixSockets{},
		Poller:    poller,
		Scheduler: s.sched,
		Tag:       s.tag,
	})
	s.hub = channel.NewHub(channel.Options{
		QueueDepth: c.QueueDepth,
		Limiter:    s.limiter,
		OnOpen:     s.unitOpened,
		OnClose:    s.unitClosed,
	})
	s.controls = control.NewRegistry(control.Options{
		Connections: s.conns,
		Channel:     s.hub,
		Scheduler:   s.sched,
		Tag:         s.tag,
		Limiter:     s.limiter,
		Hooks: control.Hooks{
			Connecting: s.unitConnecting,
			Connected:  s.unitConnected,
			HungUp:     s.unitHungUp,
		},
	})
	s.hub.SetHandler(s.controls)
	return s, nil
}

func (s *server) unitOpened(info channel.Info) {
	now := time.Now()
	rec := unitRecord{
		Unit:      info.Unit,
		Control:   uint32(info.Control),
		Peer:      info.Peer,
		Transport: info.Transport,
		State:     stateOpen,
		Opened:    info.Opened,
		LastSeen:  now,
	}
	if err := s.state.registerUnit(rec); err != nil {
		obs.Error("state.register", obs.Fields{"unit": info.Unit, "err": err.Error()})
	}
}

func (s *server) unitClosed(info channel.Info) {
	s.state.removeUnit(info.Unit)
	s.limiter.ForgetUnit(info.Unit)
}

func (s *server) unitConnecting(unit uint32, target netip.AddrPort) {
	s.state.updateUnit(unit, func(r *unitRecord) {
		r.State = stateConnecting
		r.Target = target.String()
		r.Code = 0
	})
}

func (s *server) unitConnected(unit uint32) {
	s.state.recordConnect()
	s.state.updateUnit(unit, func(r *unitRecord) { r.State = stateConnected })
}

func (s *server) unitHungUp(unit uint32, code uint32) {
	if code != 0 {
		s.state.recordFailure()
	}
	s.state.updateUnit(unit, func(r *unitRecord) {
		r.State = stateHungUp
		r.Code = code
	})
}

// applyReload installs the hot-reloadable part of c.
func (s *server) applyReload(c Config) {
	obs.EnableDebug(c.Debug)
	s.limiter.SetRates(c.ConnectRate, c.ChannelRate, c.ConnectBurst)
}

// listen opens every configured control listener. On error the ones
// already opened are closed.
func (s *server) listen() error {
	if s.cfg.UnixSocket != "" {
		ln, err := listenUnix(s.cfg.UnixSocket, s.cfg)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, listener{ln, "unix"})
	}
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPAddr, err)
		}
		s.listeners = append(s.listeners, listener{ln, "tcp"})
	}
	if s.cfg.WSAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.WSAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen ws %s: %w", s.cfg.WSAddr, err)
		}
		s.listeners = append(s.listeners, listener{ln, "ws"})
	}
	return nil
}

func listenUnix(path string, c Config) (net.Listener, error) {
	mode, err := c.socketMode()
	if err != nil {
		return nil, err
	}
	// A socket file left by a previous run blocks bind.
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

func (s *server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// serve runs the listeners opened by listen until ctx is done.
func (s *server) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ln := range s.listeners {
		if ln.transport != "ws" {
			g.Go(func() error { return s.hub.Accept(ctx, ln, ln.transport) })
			continue
		}
		hs := &http.Server{Handler: s.hub, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("ws server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.closeListeners()
		return nil
	})
	return g.Wait()
}

// addrs lists the bound listener addresses by transport.
func (s *server) addrs() map[string]string {
	out := make(map[string]string, len(s.listeners))
	for _, ln := range s.listeners {
		out[ln.transport] = ln.Addr().String()
	}
	return out
}

// shutdown tears the pipeline down front to back: channels, controls,
// scheduler, poller, then the allocation tag.
func (s *server) shutdown() {
	s.state.setClosing(true)
	s.closeListeners()
	s.hub.Close()
	s.controls.DestroyAll()
	s.sched.Shutdown()
	if err := s.poller.Close(); err != nil {
		obs.Error("poller.close", obs.Fields{"err": err.Error()})
	}
	if leaked := s.tag.Close(); leaked != 0 {
		obs.Error("alloc.leak", obs.Fields{"tag": s.tag.Name(), "bytes": leaked})
	}
	if err := s.state.close(); err != nil {
		obs.Error("state.close", obs.Fields{"err": err.Error()})
	}
	if s.cfg.UnixSocket != "" {
		_ = os.Remove(s.cfg.UnixSocket)
	}
}

// runCleanupLoop prunes directory records and limiter state for units and
// peers the hub no longer holds.
func runCleanupLoop(ctx context.Context, s *server, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.cleanup()
		}
	}
}

func (s *server) cleanup() {
	live := make(map[uint32]bool)
	peers := make(map[string]bool)
	for _, info := range s.hub.Units() {
		live[info.Unit] = true
		peers[info.Peer] = true
	}
	pruned := 0
	for _, u := range s.state.localUnits() {
		if !live[u] {
			s.state.removeUnit(u)
			s.limiter.ForgetUnit(u)
			pruned++
		}
	}
	s.limiter.CleanupPeers(peers)
	if pruned > 0 {
		obs.Info("state.cleanup", obs.Fields{"pruned": pruned})
	}
}
