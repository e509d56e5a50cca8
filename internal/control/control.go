// Package control owns one Control per client channel: its receive buffer,
// the packet reassembler over it, and the single outbound connection it
// drives.
package control

import (
	"errors"
	"net/netip"
	"sync"
	"syscall"

	"github.com/matst80/connexions/internal/alloc"
	"github.com/matst80/connexions/internal/conn"
	"github.com/matst80/connexions/internal/obs"
	"github.com/matst80/connexions/internal/proto"
	"github.com/matst80/connexions/internal/registry"
	"github.com/matst80/connexions/internal/sched"
)

var (
	ErrNotFound = errors.New("control: control not found")
	ErrNoData   = errors.New("control: no complete packet buffered")
)

// Connections is the connection registry as seen by controls.
type Connections interface {
	Create(sink conn.EventSink, userData uintptr) (alloc.Handle, error)
	Destroy(id alloc.Handle)
	Connect(id alloc.Handle, addr []byte, port uint16, ipv6 bool) error
	Write(id alloc.Handle, b []byte) error
	Close(id alloc.Handle) error
}

// Channel delivers framed packets to the client holding a unit. Enqueue
// must not block.
type Channel interface {
	Enqueue(unit uint32, b []byte) error
}

// ConnectLimiter gates CONNECT requests per unit.
type ConnectLimiter interface {
	AllowConnect(unit uint32) bool
}

// Hooks observe per-unit state changes. Any of them may be nil. They run
// without locks held.
type Hooks struct {
	Connecting func(unit uint32, target netip.AddrPort)
	Connected  func(unit uint32)
	HungUp     func(unit uint32, code uint32)
}

type control struct {
	sync.Mutex
	id   alloc.Handle
	unit uint32
	conn alloc.Handle
	buf  []byte
}

type Options struct {
	Connections Connections
	Channel     Channel
	Scheduler   sched.Pusher
	Tag         *alloc.Tag
	Limiter     ConnectLimiter
	Hooks       Hooks
}

type Registry struct {
	entries *registry.Registry[*control]
	conns   Connections
	out     Channel
	sched   sched.Pusher
	tag     *alloc.Tag
	limiter ConnectLimiter
	hooks   Hooks
}

func NewRegistry(o Options) *Registry {
	return &Registry{
		entries: registry.New[*control](),
		conns:   o.Connections,
		out:     o.Channel,
		sched:   o.Scheduler,
		tag:     o.Tag,
		limiter: o.Limiter,
		hooks:   o.Hooks,
	}
}

// Create registers a control for unit together with its connection.
func (r *Registry) Create(unit uint32) (alloc.Handle, error) {
	id := r.entries.Reserve()
	connID, err := r.conns.Create(r, alloc.Pack(id))
	if err != nil {
		return 0, err
	}
	r.entries.Insert(id, &control{id: id, unit: unit, conn: connID})
	obs.ActiveChannels.Inc()
	obs.Debug("control.created", obs.Fields{"id": id, "unit": unit, "conn": connID})
	return id, nil
}

// Destroy removes id, then destroys its connection and drops any buffered
// bytes. Unknown ids are ignored.
func (r *Registry) Destroy(id alloc.Handle) {
	c, ok := r.entries.Remove(id)
	if !ok {
		return
	}
	c.Lock()
	connID, unit := c.conn, c.unit
	r.tag.Free(c.buf)
	c.buf = nil
	c.Unlock()

	r.conns.Destroy(connID)
	obs.ActiveChannels.Dec()
	obs.Debug("control.destroyed", obs.Fields{"id": id, "unit": unit})
}

// Open creates the control for a newly opened channel.
func (r *Registry) Open(unit uint32) (alloc.Handle, error) { return r.Create(unit) }

// CloseNotify tears down the control of a closed channel.
func (r *Registry) CloseNotify(id alloc.Handle) { r.Destroy(id) }

// DestroyAll destroys every live control.
func (r *Registry) DestroyAll() {
	for _, id := range r.entries.Handles() {
		r.Destroy(id)
	}
}

// AppendData adds client bytes to the receive buffer of id.
func (r *Registry) AppendData(id alloc.Handle, b []byte) error {
	c, ok := r.entries.Lock(id)
	if !ok {
		return ErrNotFound
	}
	defer c.Unlock()
	if len(b) == 0 {
		return nil
	}
	buf, err := r.tag.Concat(c.buf, b)
	if err != nil {
		return err
	}
	c.buf = buf
	return nil
}

// Receive appends b and schedules a dispatch pass for id.
func (r *Registry) Receive(id alloc.Handle, b []byte) error {
	if err := r.AppendData(id, b); err != nil {
		return err
	}
	return r.sched.Push(r.dispatch, alloc.Pack(id))
}

// ReadPacket extracts the next complete packet buffered for id. ErrNoData
// means more bytes are needed. The payload belongs to the caller.
func (r *Registry) ReadPacket(id alloc.Handle) (proto.Packet, error) {
	p, _, err := r.readPacket(id)
	return p, err
}

type owner struct {
	unit uint32
	conn alloc.Handle
}

func (r *Registry) readPacket(id alloc.Handle) (proto.Packet, owner, error) {
	c, ok := r.entries.Lock(id)
	if !ok {
		return proto.Packet{}, owner{}, ErrNotFound
	}
	defer c.Unlock()
	who := owner{unit: c.unit, conn: c.conn}

	p, n, err := proto.Decode(c.buf)
	if err != nil {
		return proto.Packet{}, who, ErrNoData
	}
	// c.buf stays untouched if the remainder cannot be copied.
	var rest []byte
	if len(c.buf) > n {
		rest, err = r.tag.Clone(c.buf[n:])
		if err != nil {
			return proto.Packet{}, who, err
		}
	}
	r.tag.Free(c.buf)
	c.buf = rest
	return p, who, nil
}

// Buffered reports the bytes held for id that do not yet form a packet.
func (r *Registry) Buffered(id alloc.Handle) int {
	c, ok := r.entries.Lock(id)
	if !ok {
		return 0
	}
	defer c.Unlock()
	return len(c.buf)
}

// Unit returns the unit number of id.
func (r *Registry) Unit(id alloc.Handle) (uint32, bool) {
	c, ok := r.entries.Lock(id)
	if !ok {
		return 0, false
	}
	defer c.Unlock()
	return c.unit, true
}

func (r *Registry) Len() int { return r.entries.Len() }

// dispatch runs on the scheduler after bytes are appended.
func (r *Registry) dispatch(arg uintptr) {
	id := alloc.Unpack(arg)
	for {
		p, who, err := r.readPacket(id)
		if err != nil {
			if !errors.Is(err, ErrNoData) && !errors.Is(err, ErrNotFound) {
				obs.Error("control.read.failed", obs.Fields{"id": id, "error": err.Error()})
			}
			return
		}
		obs.PacketsReceivedTotal.WithLabelValues(p.Type.String()).Inc()
		r.handle(who, p)
	}
}

func (r *Registry) handle(who owner, p proto.Packet) {
	switch p.Type {
	case proto.TypeConnect:
		req, err := proto.ParseConnect(p.Payload)
		if err != nil {
			obs.Debug("control.connect.malformed", obs.Fields{"unit": who.unit, "len": len(p.Payload)})
			return
		}
		r.connect(who, req)
	case proto.TypeSend:
		if len(p.Payload) == 0 {
			return
		}
		err := r.conns.Write(who.conn, p.Payload)
		switch {
		case err == nil, errors.Is(err, conn.ErrNotFound):
		case errors.Is(err, conn.ErrNotConnected):
			obs.Debug("control.send.not_connected", obs.Fields{"unit": who.unit, "len": len(p.Payload)})
		default:
			obs.Error("control.send.failed", obs.Fields{"unit": who.unit, "error": err.Error()})
		}
	case proto.TypeClose:
		_ = r.conns.Close(who.conn)
		obs.Debug("control.close", obs.Fields{"unit": who.unit})
	default:
		obs.Debug("control.packet.ignored", obs.Fields{"unit": who.unit, "type": p.Type.String()})
	}
}

func (r *Registry) connect(who owner, req proto.ConnectRequest) {
	target := req.AddrPort()
	if r.limiter != nil && !r.limiter.AllowConnect(who.unit) {
		obs.Info("control.connect.rate_limited", obs.Fields{"unit": who.unit, "target": target.String()})
		obs.ErrorsTotal.WithLabelValues("connect_rate_limited").Inc()
		r.hangup(who.unit, uint32(syscall.EAGAIN))
		return
	}
	if r.hooks.Connecting != nil {
		r.hooks.Connecting(who.unit, target)
	}
	obs.Debug("control.connect", obs.Fields{"unit": who.unit, "target": target.String()})

	err := r.conns.Connect(who.conn, req.Addr, req.Port, req.IPv6)
	switch {
	case err == nil, errors.Is(err, conn.ErrNotFound):
	case errors.Is(err, conn.ErrAlreadyConnected):
		obs.Debug("control.connect.already_connected", obs.Fields{"unit": who.unit})
	default:
		obs.Info("control.connect.failed", obs.Fields{"unit": who.unit, "target": target.String(), "error": err.Error()})
		obs.ConnectionsFailedTotal.Inc()
		r.hangup(who.unit, conn.Code(err))
	}
}

// send frames a packet and hands it to the channel. Delivery is best effort.
func (r *Registry) send(unit uint32, t proto.Type, payload []byte) error {
	b, err := proto.Encode(t, payload)
	if err != nil {
		return err
	}
	if err := r.out.Enqueue(unit, b); err != nil {
		obs.Error("control.enqueue.dropped", obs.Fields{"unit": unit, "type": t.String(), "error": err.Error()})
		obs.NotificationsDropped.Inc()
		return err
	}
	obs.PacketsSentTotal.WithLabelValues(t.String()).Inc()
	return nil
}

func (r *Registry) hangup(unit uint32, code uint32) {
	var payload []byte
	if code != 0 {
		payload = proto.CodePayload(code)
	}
	_ = r.send(unit, proto.TypeHungup, payload)
	if r.hooks.HungUp != nil {
		r.hooks.HungUp(unit, code)
	}
}

func (r *Registry) unitOf(userData uintptr) (uint32, bool) {
	return r.Unit(alloc.Unpack(userData))
}

// Opened implements conn.EventSink.
func (r *Registry) Opened(userData uintptr) {
	unit, ok := r.unitOf(userData)
	if !ok {
		return
	}
	_ = r.send(unit, proto.TypeConnected, nil)
	if r.hooks.Connected != nil {
		r.hooks.Connected(unit)
	}
}

// Closed implements conn.EventSink.
func (r *Registry) Closed(userData uintptr) {
	unit, ok := r.unitOf(userData)
	if !ok {
		return
	}
	_ = r.send(unit, proto.TypeHungup, nil)
	if r.hooks.HungUp != nil {
		r.hooks.HungUp(unit, 0)
	}
}

// Failed implements conn.EventSink. The code is always sent, even when
// zero.
func (r *Registry) Failed(userData uintptr, code uint32) {
	unit, ok := r.unitOf(userData)
	if !ok {
		return
	}
	_ = r.send(unit, proto.TypeHungup, proto.CodePayload(code))
	if r.hooks.HungUp != nil {
		r.hooks.HungUp(unit, code)
	}
}

// NewData implements conn.EventSink. buf is split into DATA packets; the
// first enqueue failure drops the rest.
func (r *Registry) NewData(userData uintptr, buf []byte) {
	defer r.tag.Free(buf)
	unit, ok := r.unitOf(userData)
	if !ok {
		return
	}
	for _, chunk := range proto.Chunks(buf) {
		if err := r.send(unit, proto.TypeData, chunk); err != nil {
			return
		}
	}
}
