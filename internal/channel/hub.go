// Package channel carries control channels between clients and the control
// registry. Every accepted connection becomes one unit; packets for the
// client are queued per unit and written by a dedicated goroutine.
package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/connexions/internal/alloc"
	"github.com/matst80/connexions/internal/obs"
)

var (
	ErrQueueFull   = errors.New("channel: outbound queue full")
	ErrUnknownUnit = errors.New("channel: unknown unit")
	ErrClosed      = errors.New("channel: hub closed")
	ErrRateLimited = errors.New("channel: too many channels from peer")
)

const readBufferSize = 32 << 10

// Handler is the control side of a channel.
type Handler interface {
	Open(unit uint32) (alloc.Handle, error)
	Receive(id alloc.Handle, b []byte) error
	CloseNotify(id alloc.Handle)
}

// Limiter gates channel opens per peer.
type Limiter interface {
	AllowChannel(peer string) bool
}

// Info describes a live unit.
type Info struct {
	Unit      uint32
	Control   alloc.Handle
	Peer      string
	Transport string
	Opened    time.Time
}

type Options struct {
	Handler    Handler
	QueueDepth int
	Limiter    Limiter
	OnOpen     func(Info)
	OnClose    func(Info)
}

type session struct {
	info    Info
	handler Handler
	conn    net.Conn
	out     chan []byte
	done    chan struct{}
	written chan struct{}
	once    sync.Once
}

func (s *session) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type Hub struct {
	handler    Handler
	queueDepth int
	limiter    Limiter
	onOpen     func(Info)
	onClose    func(Info)
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	units    map[uint32]*session
	nextUnit uint32
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(o Options) *Hub {
	depth := o.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &Hub{
		handler:    o.Handler,
		queueDepth: depth,
		limiter:    o.Limiter,
		onOpen:     o.OnOpen,
		onClose:    o.OnClose,
		units:      make(map[uint32]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetHandler installs the handler when it could not be given to NewHub,
// typically because the handler itself enqueues through the hub. Call it
// before serving.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Enqueue queues b for the client holding unit. It never blocks.
func (h *Hub) Enqueue(unit uint32, b []byte) error {
	h.mu.Lock()
	s, ok := h.units[unit]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownUnit
	}
	select {
	case <-s.done:
		return ErrUnknownUnit
	default:
	}
	select {
	case s.out <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Accept serves every connection accepted from ln until ctx is done or the
// listener fails.
func (h *Hub) Accept(ctx context.Context, ln net.Listener, transport string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.channel.timeout", obs.Fields{"err": err.Error(), "transport": transport})
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if err := h.ServeConn(c, transport); err != nil && !errors.Is(err, ErrRateLimited) {
				obs.Debug("channel.serve.end", obs.Fields{"err": err.Error(), "transport": transport})
			}
		}()
	}
}

// ServeHTTP upgrades the request to a websocket and serves it as a channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("channel.ws.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("ws_upgrade").Inc()
		return
	}
	if err := h.ServeConn(NewWSConn(ws), "ws"); err != nil && !errors.Is(err, ErrRateLimited) {
		obs.Debug("channel.serve.end", obs.Fields{"err": err.Error(), "transport": "ws"})
	}
}

// ServeConn runs one channel over c until either side closes it.
func (h *Hub) ServeConn(c net.Conn, transport string) error {
	peer := peerOf(c)
	if h.limiter != nil && !h.limiter.AllowChannel(peer) {
		obs.Info("channel.rate_limited", obs.Fields{"peer": peer})
		obs.ErrorsTotal.WithLabelValues("channel_rate_limited").Inc()
		_ = c.Close()
		return ErrRateLimited
	}

	s, err := h.attach(c, peer, transport)
	if err != nil {
		_ = c.Close()
		return err
	}
	defer h.wg.Done()
	obs.Info("channel.open", obs.Fields{"unit": s.info.Unit, "peer": peer, "transport": transport})
	if h.onOpen != nil {
		h.onOpen(s.info)
	}

	go h.writeLoop(s)
	err = h.readLoop(s)
	h.detach(s)
	<-s.written

	obs.Info("channel.close", obs.Fields{"unit": s.info.Unit, "peer": peer})
	if h.onClose != nil {
		h.onClose(s.info)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (h *Hub) attach(c net.Conn, peer, transport string) (*session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	// Released by ServeConn once the channel is fully torn down.
	h.wg.Add(1)
	for {
		h.nextUnit++
		if _, taken := h.units[h.nextUnit]; h.nextUnit != 0 && !taken {
			break
		}
	}
	s := &session{
		info:    Info{Unit: h.nextUnit, Peer: peer, Transport: transport, Opened: time.Now()},
		handler: h.handler,
		conn:    c,
		out:     make(chan []byte, h.queueDepth),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
	h.units[s.info.Unit] = s
	h.mu.Unlock()

	id, err := s.handler.Open(s.info.Unit)
	if err != nil {
		h.mu.Lock()
		delete(h.units, s.info.Unit)
		h.mu.Unlock()
		h.wg.Done()
		obs.Error("channel.open.failed", obs.Fields{"unit": s.info.Unit, "err": err.Error()})
		return nil, err
	}
	h.mu.Lock()
	s.info.Control = id
	h.mu.Unlock()
	return s, nil
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	delete(h.units, s.info.Unit)
	h.mu.Unlock()
	s.shutdown()
	s.handler.CloseNotify(s.info.Control)
}

func (h *Hub) readLoop(s *session) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if rerr := s.handler.Receive(s.info.Control, buf[:n]); rerr != nil {
				obs.Error("channel.receive.failed", obs.Fields{"unit": s.info.Unit, "err": rerr.Error()})
				obs.ErrorsTotal.WithLabelValues("channel_receive").Inc()
				return rerr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (h *Hub) writeLoop(s *session) {
	defer close(s.written)
	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			if _, err := s.conn.Write(b); err != nil {
				obs.Debug("channel.write.failed", obs.Fields{"unit": s.info.Unit, "err": err.Error()})
				s.shutdown()
				return
			}
		}
	}
}

// Units lists live units ordered by unit number.
func (h *Hub) Units() []Info {
	h.mu.Lock()
	out := make([]Info, 0, len(h.units))
	for _, s := range h.units {
		out = append(out, s.info)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.units)
}

// Close refuses new channels and closes every open one. It returns once
// every channel, including any still opening, has notified the handler.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.units))
	for _, s := range h.units {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.shutdown()
	}
	h.wg.Wait()
}

func peerOf(c net.Conn) string {
	addr := c.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	if s := addr.String(); s != "" && s != "@" {
		return s
	}
	return addr.Network()
}
