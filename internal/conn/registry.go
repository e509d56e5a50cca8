// Package conn is the registry of outbound TCP connections.
//
// Connections are addressed by alloc.Handle only. Socket readiness is turned
// into a deferred job carrying the packed handle; the job resolves the
// handle again and quietly does nothing if the connection is gone.
package conn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/connexions/internal/alloc"
	"github.com/matst80/connexions/internal/netpoll"
	"github.com/matst80/connexions/internal/obs"
	"github.com/matst80/connexions/internal/registry"
	"github.com/matst80/connexions/internal/sched"
)

const (
	readSize = 64 << 10
	// maxReadsPerPass bounds how much one readiness job buffers before
	// delivering; the job requeues itself if the socket still has data.
	maxReadsPerPass = 16
)

type connection struct {
	sync.Mutex
	id       alloc.Handle
	sink     EventSink
	userData uintptr
	sock     Socket
	open     bool
	since    time.Time
	pending  []byte
}

// Options wires a Registry to its collaborators.
type Options struct {
	Sockets   SocketFactory
	Poller    Poller
	Scheduler sched.Pusher
	Tag       *alloc.Tag
}

type Registry struct {
	entries *registry.Registry[*connection]
	sockets SocketFactory
	poller  Poller
	sched   sched.Pusher
	tag     *alloc.Tag
	scratch sync.Pool
}

func NewRegistry(o Options) *Registry {
	r := &Registry{
		entries: registry.New[*connection](),
		sockets: o.Sockets,
		poller:  o.Poller,
		sched:   o.Scheduler,
		tag:     o.Tag,
	}
	r.scratch.New = func() any {
		b := make([]byte, readSize)
		return &b
	}
	return r
}

// Create registers a new unconnected connection. Events for it go to sink
// with userData attached.
func (r *Registry) Create(sink EventSink, userData uintptr) (alloc.Handle, error) {
	if r.tag.Closed() {
		return 0, alloc.ErrTagClosed
	}
	c := &connection{sink: sink, userData: userData}
	c.id = r.entries.Add(c)
	obs.Debug("conn.created", obs.Fields{"id": c.id})
	return c.id, nil
}

// Destroy removes id and releases its socket and buffers. Unknown ids are
// ignored. A readiness job still queued for id finds nothing and returns.
func (r *Registry) Destroy(id alloc.Handle) {
	c, ok := r.entries.Remove(id)
	if !ok {
		return
	}
	c.Lock()
	r.closeLocked(c)
	c.sink = nil
	c.Unlock()
	obs.Debug("conn.destroyed", obs.Fields{"id": id})
}

// Connect opens a socket to addr:port. A connect that completes at once
// reports Opened before Connect returns; otherwise the outcome arrives
// through the sink.
func (r *Registry) Connect(id alloc.Handle, addr []byte, port uint16, ipv6 bool) error {
	if (ipv6 && len(addr) != 16) || (!ipv6 && len(addr) != 4) {
		return ErrInvalidAddress
	}
	c, ok := r.entries.Lock(id)
	if !ok {
		return ErrNotFound
	}
	if c.sock != nil {
		c.Unlock()
		return ErrAlreadyConnected
	}
	sock, err := r.sockets.NewSocket(ipv6)
	if err != nil {
		c.Unlock()
		return err
	}
	if err := r.poller.Register(sock.Fd(), alloc.Pack(id), r.ready); err != nil {
		_ = sock.Close()
		c.Unlock()
		return fmt.Errorf("conn: register: %w", err)
	}
	c.sock = sock
	obs.ActiveConnections.Inc()

	opened := false
	switch err := sock.Connect(addr, port); {
	case err == nil:
		c.open = true
		c.since = time.Now()
		opened = true
	case errors.Is(err, ErrInProgress):
	default:
		r.closeLocked(c)
		c.Unlock()
		return err
	}
	sink, ud := c.sink, c.userData
	c.Unlock()

	if opened {
		r.deliver(sink, ud, []event{{kind: evOpened}})
	}
	return nil
}

// Write queues b and sends as much as the socket accepts. Bytes written
// before the handshake completes stay queued until it does. A send error
// other than would-block tears the connection down, reports Failed and is
// returned.
func (r *Registry) Write(id alloc.Handle, b []byte) error {
	c, ok := r.entries.Lock(id)
	if !ok {
		return ErrNotFound
	}
	if c.sock == nil {
		c.Unlock()
		return ErrNotConnected
	}
	if len(b) == 0 {
		c.Unlock()
		return nil
	}
	buf, err := r.tag.Concat(c.pending, b)
	if err != nil {
		c.Unlock()
		return err
	}
	c.pending = buf
	if !c.open {
		c.Unlock()
		return nil
	}
	if err := r.drainLocked(c); err != nil {
		r.closeLocked(c)
		sink, ud := c.sink, c.userData
		c.Unlock()
		r.fail(sink, ud, err)
		return err
	}
	c.Unlock()
	return nil
}

// Close shuts the socket without destroying the connection, which may be
// connected again.
func (r *Registry) Close(id alloc.Handle) error {
	c, ok := r.entries.Lock(id)
	if !ok {
		return ErrNotFound
	}
	r.closeLocked(c)
	c.Unlock()
	return nil
}

func (r *Registry) UserData(id alloc.Handle) (uintptr, bool) {
	c, ok := r.entries.Lock(id)
	if !ok {
		return 0, false
	}
	defer c.Unlock()
	return c.userData, true
}

// Pending reports how many bytes are waiting to be sent on id.
func (r *Registry) Pending(id alloc.Handle) int {
	c, ok := r.entries.Lock(id)
	if !ok {
		return 0
	}
	defer c.Unlock()
	return len(c.pending)
}

func (r *Registry) Len() int { return r.entries.Len() }

// ready is the poller callback. It only defers.
func (r *Registry) ready(_ int, _ netpoll.Events, udata uintptr) {
	if err := r.sched.Push(r.handleReady, udata); err != nil {
		obs.Debug("conn.ready.dropped", obs.Fields{"id": alloc.Unpack(udata), "error": err.Error()})
	}
}

type event struct {
	kind int
	code uint32
	data []byte
}

const (
	evOpened = iota
	evData
	evClosed
	evFailed
)

// handleReady runs on the scheduler for a readiness notification.
func (r *Registry) handleReady(arg uintptr) {
	id := alloc.Unpack(arg)
	c, ok := r.entries.Lock(id)
	if !ok {
		return
	}
	if c.sock == nil {
		c.Unlock()
		return
	}
	var events []event

	if !c.open {
		connected, err := c.sock.Connected()
		switch {
		case connected:
			c.open = true
			c.since = time.Now()
			events = append(events, event{kind: evOpened})
		case err == nil:
			c.Unlock()
			return
		default:
			r.closeLocked(c)
			events = append(events, event{kind: evFailed, code: Code(err)})
		}
	} else if connected, _ := c.sock.Connected(); !connected {
		r.closeLocked(c)
		events = append(events, event{kind: evClosed})
	}

	again := false
	if c.open {
		events, again = r.readLocked(c, events)
	}
	if c.open {
		if err := r.drainLocked(c); err != nil {
			r.closeLocked(c)
			events = append(events, event{kind: evFailed, code: Code(err)})
			again = false
		}
	}
	sink, ud := c.sink, c.userData
	c.Unlock()

	if again {
		r.ready(0, 0, arg)
	}
	r.deliver(sink, ud, events)
}

// readLocked receives until the socket would block, the peer shuts down or
// an error occurs. It reports whether the pass stopped early with data
// possibly left unread.
func (r *Registry) readLocked(c *connection, events []event) ([]event, bool) {
	bp := r.scratch.Get().(*[]byte)
	defer r.scratch.Put(bp)
	scratch := *bp

	for i := 0; i < maxReadsPerPass; i++ {
		n, err := c.sock.Recv(scratch)
		switch {
		case n > 0:
			data, aerr := r.tag.Clone(scratch[:n])
			if aerr != nil {
				r.closeLocked(c)
				return append(events, event{kind: evFailed, code: Code(aerr)}), false
			}
			obs.BytesProxiedTotal.WithLabelValues("inbound").Add(float64(n))
			events = append(events, event{kind: evData, data: data})
		case errors.Is(err, ErrWouldBlock):
			return events, false
		case err == nil:
			r.closeLocked(c)
			return append(events, event{kind: evClosed}), false
		default:
			r.closeLocked(c)
			return append(events, event{kind: evFailed, code: Code(err)}), false
		}
	}
	return events, true
}

// drainLocked sends pending bytes until done or the socket would block.
func (r *Registry) drainLocked(c *connection) error {
	for len(c.pending) > 0 {
		n, err := c.sock.Send(c.pending)
		if n > 0 {
			obs.BytesProxiedTotal.WithLabelValues("outbound").Add(float64(n))
			if err := r.consumeLocked(c, n); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// consumeLocked drops the first n pending bytes, keeping the rest in a
// freshly sized buffer.
func (r *Registry) consumeLocked(c *connection, n int) error {
	old := c.pending
	if n >= len(old) {
		r.tag.Free(old)
		c.pending = nil
		return nil
	}
	rest, err := r.tag.Clone(old[n:])
	if err != nil {
		return err
	}
	r.tag.Free(old)
	c.pending = rest
	return nil
}

// closeLocked releases the socket and pending bytes.
func (r *Registry) closeLocked(c *connection) {
	if c.sock != nil {
		fd := c.sock.Fd()
		if err := r.poller.Unregister(fd); err != nil {
			obs.Debug("conn.unregister.failed", obs.Fields{"id": c.id, "error": err.Error()})
		}
		_ = c.sock.Close()
		c.sock = nil
		obs.ActiveConnections.Dec()
		if c.open {
			obs.ConnectionDuration.Observe(time.Since(c.since).Seconds())
		}
	}
	c.open = false
	r.tag.Free(c.pending)
	c.pending = nil
}

func (r *Registry) fail(sink EventSink, ud uintptr, err error) {
	obs.ConnectionsFailedTotal.Inc()
	if sink != nil {
		sink.Failed(ud, Code(err))
	}
}

func (r *Registry) deliver(sink EventSink, ud uintptr, events []event) {
	for _, ev := range events {
		if sink == nil {
			if ev.kind == evData {
				r.tag.Free(ev.data)
			}
			continue
		}
		switch ev.kind {
		case evOpened:
			obs.ConnectionsOpenedTotal.Inc()
			sink.Opened(ud)
		case evData:
			sink.NewData(ud, ev.data)
		case evClosed:
			sink.Closed(ud)
		case evFailed:
			obs.ConnectionsFailedTotal.Inc()
			sink.Failed(ud, ev.code)
		}
	}
}
