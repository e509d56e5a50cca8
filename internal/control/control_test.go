package control

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/connexions/internal/alloc"
	"github.com/matst80/connexions/internal/conn"
	"github.com/matst80/connexions/internal/proto"
	"github.com/matst80/connexions/internal/sched"
)

type connectCall struct {
	id   alloc.Handle
	addr []byte
	port uint16
	ipv6 bool
}

type fakeConns struct {
	next       alloc.Handle
	sinks      map[alloc.Handle]conn.EventSink
	userData   map[alloc.Handle]uintptr
	destroyed  []alloc.Handle
	connects   []connectCall
	connectErr error
	writes     [][]byte
	writeErr   error
	closes     []alloc.Handle
}

func newFakeConns() *fakeConns {
	return &fakeConns{sinks: map[alloc.Handle]conn.EventSink{}, userData: map[alloc.Handle]uintptr{}}
}

func (f *fakeConns) Create(sink conn.EventSink, ud uintptr) (alloc.Handle, error) {
	f.next++
	f.sinks[f.next] = sink
	f.userData[f.next] = ud
	return f.next, nil
}

func (f *fakeConns) Destroy(id alloc.Handle) { f.destroyed = append(f.destroyed, id) }

func (f *fakeConns) Connect(id alloc.Handle, addr []byte, port uint16, ipv6 bool) error {
	f.connects = append(f.connects, connectCall{id, append([]byte(nil), addr...), port, ipv6})
	return f.connectErr
}

func (f *fakeConns) Write(id alloc.Handle, b []byte) error {
	f.writes = append(f.writes, append([]byte(nil), b...))
	return f.writeErr
}

func (f *fakeConns) Close(id alloc.Handle) error {
	f.closes = append(f.closes, id)
	return nil
}

type fakeChannel struct {
	mu      sync.Mutex
	packets map[uint32][][]byte
	failAt  int // fail the n-th enqueue (1-based), 0 never
	count   int
}

func (c *fakeChannel) Enqueue(unit uint32, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.failAt > 0 && c.count >= c.failAt {
		return errors.New("queue full")
	}
	if c.packets == nil {
		c.packets = map[uint32][][]byte{}
	}
	c.packets[unit] = append(c.packets[unit], b)
	return nil
}

func (c *fakeChannel) of(unit uint32) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets[unit]
}

type fakeSched struct{ jobs []func() }

func (s *fakeSched) Push(fn sched.Func, arg uintptr) error {
	s.jobs = append(s.jobs, func() { fn(arg) })
	return nil
}

func (s *fakeSched) run() {
	for len(s.jobs) > 0 {
		j := s.jobs[0]
		s.jobs = s.jobs[1:]
		j()
	}
}

type denyAll struct{}

func (denyAll) AllowConnect(uint32) bool { return false }

type harness struct {
	tag   *alloc.Tag
	conns *fakeConns
	out   *fakeChannel
	sched *fakeSched
	reg   *Registry
}

func newHarness(mod func(*Options)) *harness {
	h := &harness{tag: alloc.NewTag("test", 0), conns: newFakeConns(), out: &fakeChannel{}, sched: &fakeSched{}}
	o := Options{Connections: h.conns, Channel: h.out, Scheduler: h.sched, Tag: h.tag}
	if mod != nil {
		mod(&o)
	}
	h.reg = NewRegistry(o)
	return h
}

func packet(t *testing.T, typ proto.Type, payload []byte) []byte {
	t.Helper()
	b, err := proto.Encode(typ, payload)
	require.NoError(t, err)
	return b
}

func TestCreateLinksConnection(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(7)
	require.NoError(t, err)

	unit, ok := h.reg.Unit(id)
	require.True(t, ok)
	assert.Equal(t, uint32(7), unit)
	assert.Equal(t, alloc.Pack(id), h.conns.userData[1])
	assert.Same(t, h.reg, h.conns.sinks[1])

	h.reg.Destroy(id)
	assert.Equal(t, []alloc.Handle{1}, h.conns.destroyed)
	_, ok = h.reg.Unit(id)
	assert.False(t, ok)
	h.reg.Destroy(id)
	assert.Len(t, h.conns.destroyed, 1)
}

func TestReassemblyAcrossAppends(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(1)
	require.NoError(t, err)

	raw := packet(t, proto.TypeSend, []byte("GET / HTTP/1.0\r\n\r\n"))
	for i, b := range raw {
		_, err := h.reg.ReadPacket(id)
		require.ErrorIs(t, err, ErrNoData, "byte %d", i)
		require.NoError(t, h.reg.AppendData(id, []byte{b}))
	}
	p, err := h.reg.ReadPacket(id)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeSend, p.Type)
	assert.Equal(t, raw[proto.HeaderLen:], p.Payload)
	assert.Zero(t, h.reg.Buffered(id))
	assert.Zero(t, h.tag.Outstanding())

	_, err = h.reg.ReadPacket(id)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestReassemblyConcatenated(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(1)
	require.NoError(t, err)

	first := packet(t, proto.TypeSend, []byte("one"))
	second := packet(t, proto.TypeClose, nil)
	partial := packet(t, proto.TypeSend, []byte("three"))[:4]
	require.NoError(t, h.reg.AppendData(id, bytes.Join([][]byte{first, second, partial}, nil)))

	p, err := h.reg.ReadPacket(id)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeSend, p.Type)
	assert.Equal(t, "one", string(p.Payload))

	p, err = h.reg.ReadPacket(id)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeClose, p.Type)
	assert.Empty(t, p.Payload)

	_, err = h.reg.ReadPacket(id)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, 4, h.reg.Buffered(id))
	assert.Equal(t, int64(4), h.tag.Outstanding())
}

func TestReadPacketKeepsBufferWhenCopyFails(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(1)
	require.NoError(t, err)

	raw := bytes.Join([][]byte{
		packet(t, proto.TypeSend, []byte("ping")),
		packet(t, proto.TypeSend, []byte("pong")),
	}, nil)
	require.NoError(t, h.reg.AppendData(id, raw))
	before := h.tag.Outstanding()

	h.tag.Close()
	_, err = h.reg.ReadPacket(id)
	require.ErrorIs(t, err, alloc.ErrTagClosed)
	assert.Equal(t, len(raw), h.reg.Buffered(id))
	assert.Equal(t, before, h.tag.Outstanding())
}

func TestUnknownControl(t *testing.T) {
	h := newHarness(nil)
	assert.ErrorIs(t, h.reg.AppendData(5, []byte{1}), ErrNotFound)
	_, err := h.reg.ReadPacket(5)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.reg.Receive(5, []byte{1}), ErrNotFound)
}

func TestAppendRespectsBudget(t *testing.T) {
	h := newHarness(func(o *Options) { o.Tag = alloc.NewTag("small", 8) })
	id, err := h.reg.Create(1)
	require.NoError(t, err)
	require.NoError(t, h.reg.AppendData(id, make([]byte, 8)))
	assert.ErrorIs(t, h.reg.AppendData(id, []byte{1}), alloc.ErrOutOfMemory)
	assert.Equal(t, 8, h.reg.Buffered(id))
}

func TestDispatchDrivesConnection(t *testing.T) {
	var connecting []netip.AddrPort
	h := newHarness(func(o *Options) {
		o.Hooks.Connecting = func(_ uint32, target netip.AddrPort) { connecting = append(connecting, target) }
	})
	id, err := h.reg.Create(7)
	require.NoError(t, err)

	target := netip.MustParseAddrPort("93.184.216.34:80")
	stream := bytes.Join([][]byte{
		packet(t, proto.TypeConnect, proto.ConnectPayload(target)),
		packet(t, proto.TypeSend, nil),
		packet(t, proto.TypeSend, []byte("GET / HTTP/1.0\r\n\r\n")),
		packet(t, proto.Type(0x7f), []byte("future")),
		packet(t, proto.TypeConnect, []byte{1, 2, 3, 4, 5}),
		packet(t, proto.TypeClose, []byte("ignored")),
	}, nil)
	// Split the stream so dispatch sees partial packets in between.
	require.NoError(t, h.reg.Receive(id, stream[:5]))
	h.sched.run()
	require.NoError(t, h.reg.Receive(id, stream[5:]))
	h.sched.run()

	require.Len(t, h.conns.connects, 1)
	assert.Equal(t, connectCall{id: 1, addr: []byte{93, 184, 216, 34}, port: 80}, h.conns.connects[0])
	assert.Equal(t, []netip.AddrPort{target}, connecting)
	assert.Equal(t, [][]byte{[]byte("GET / HTTP/1.0\r\n\r\n")}, h.conns.writes)
	assert.Equal(t, []alloc.Handle{1}, h.conns.closes)
	assert.Zero(t, h.reg.Buffered(id))
}

func TestDispatchIPv6Connect(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(2)
	require.NoError(t, err)

	target := netip.MustParseAddrPort("[2001:db8::1]:443")
	require.NoError(t, h.reg.Receive(id, packet(t, proto.TypeConnect, proto.ConnectPayload(target))))
	h.sched.run()

	require.Len(t, h.conns.connects, 1)
	assert.True(t, h.conns.connects[0].ipv6)
	assert.Equal(t, uint16(443), h.conns.connects[0].port)
	assert.Len(t, h.conns.connects[0].addr, 16)
}

func TestConnectFailureHangsUp(t *testing.T) {
	var hung []uint32
	h := newHarness(func(o *Options) {
		o.Hooks.HungUp = func(_ uint32, code uint32) { hung = append(hung, code) }
	})
	h.conns.connectErr = fmt.Errorf("conn: connect: %w", syscall.ENETUNREACH)
	id, err := h.reg.Create(3)
	require.NoError(t, err)

	require.NoError(t, h.reg.Receive(id, packet(t, proto.TypeConnect, proto.ConnectPayload(netip.MustParseAddrPort("10.0.0.1:22")))))
	h.sched.run()

	want := packet(t, proto.TypeHungup, proto.CodePayload(uint32(syscall.ENETUNREACH)))
	assert.Equal(t, [][]byte{want}, h.out.of(3))
	assert.Equal(t, []uint32{uint32(syscall.ENETUNREACH)}, hung)
}

func TestAlreadyConnectedIsIgnored(t *testing.T) {
	h := newHarness(nil)
	h.conns.connectErr = conn.ErrAlreadyConnected
	id, err := h.reg.Create(3)
	require.NoError(t, err)

	require.NoError(t, h.reg.Receive(id, packet(t, proto.TypeConnect, proto.ConnectPayload(netip.MustParseAddrPort("10.0.0.1:22")))))
	h.sched.run()
	assert.Empty(t, h.out.of(3))
}

func TestConnectRateLimited(t *testing.T) {
	h := newHarness(func(o *Options) { o.Limiter = denyAll{} })
	id, err := h.reg.Create(4)
	require.NoError(t, err)

	require.NoError(t, h.reg.Receive(id, packet(t, proto.TypeConnect, proto.ConnectPayload(netip.MustParseAddrPort("10.0.0.1:22")))))
	h.sched.run()

	assert.Empty(t, h.conns.connects)
	want := packet(t, proto.TypeHungup, proto.CodePayload(uint32(syscall.EAGAIN)))
	assert.Equal(t, [][]byte{want}, h.out.of(4))
}

func TestConnectionEventsAreFramed(t *testing.T) {
	var connected []uint32
	h := newHarness(func(o *Options) {
		o.Hooks.Connected = func(unit uint32) { connected = append(connected, unit) }
	})
	id, err := h.reg.Create(9)
	require.NoError(t, err)
	ud := alloc.Pack(id)

	h.reg.Opened(ud)
	h.reg.Closed(ud)
	h.reg.Failed(ud, 111)

	assert.Equal(t, [][]byte{
		{0x02, 0x00, 0x00},
		{0x08, 0x00, 0x00},
		{0x08, 0x00, 0x04, 0x00, 0x00, 0x00, 0x6f},
	}, h.out.of(9))
	assert.Equal(t, []uint32{9}, connected)
}

func TestNewDataIsChunked(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(5)
	require.NoError(t, err)

	data, err := h.tag.Alloc(150000)
	require.NoError(t, err)
	for i := range data {
		data[i] = byte(i % 251)
	}
	want := append([]byte(nil), data...)

	h.reg.NewData(alloc.Pack(id), data)

	got := h.out.of(5)
	require.Len(t, got, 3)
	var joined []byte
	for i, size := range []int{65535, 65535, 18930} {
		p, n, err := proto.Decode(got[i])
		require.NoError(t, err)
		assert.Equal(t, len(got[i]), n)
		assert.Equal(t, proto.TypeData, p.Type)
		assert.Len(t, p.Payload, size)
		joined = append(joined, p.Payload...)
	}
	assert.Equal(t, want, joined)
	assert.Zero(t, h.tag.Outstanding())
}

func TestNewDataStopsOnEnqueueFailure(t *testing.T) {
	h := newHarness(nil)
	h.out.failAt = 2
	id, err := h.reg.Create(5)
	require.NoError(t, err)

	data, err := h.tag.Alloc(3 * proto.MaxPayload)
	require.NoError(t, err)
	h.reg.NewData(alloc.Pack(id), data)

	assert.Len(t, h.out.of(5), 1)
	assert.Equal(t, 2, h.out.count, "no enqueue after the first failure")
	assert.Zero(t, h.tag.Outstanding())
}

func TestEventsAfterDestroyAreDropped(t *testing.T) {
	h := newHarness(nil)
	id, err := h.reg.Create(6)
	require.NoError(t, err)
	h.reg.Destroy(id)

	data, err := h.tag.Alloc(10)
	require.NoError(t, err)
	h.reg.NewData(alloc.Pack(id), data)
	h.reg.Opened(alloc.Pack(id))

	assert.Empty(t, h.out.of(6))
	assert.Zero(t, h.tag.Outstanding())
}

func TestDestroyAll(t *testing.T) {
	h := newHarness(nil)
	for unit := uint32(1); unit <= 3; unit++ {
		id, err := h.reg.Create(unit)
		require.NoError(t, err)
		require.NoError(t, h.reg.AppendData(id, []byte{1, 0}))
	}
	h.reg.DestroyAll()
	assert.Zero(t, h.reg.Len())
	assert.Len(t, h.conns.destroyed, 3)
	assert.Zero(t, h.tag.Outstanding())
}
