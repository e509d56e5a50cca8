package channel

import (
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/connexions/internal/alloc"
)

type fakeHandler struct {
	mu       sync.Mutex
	next     alloc.Handle
	units    map[alloc.Handle]uint32
	received map[alloc.Handle][]byte
	closed   []alloc.Handle
	opened   chan uint32
	got      chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		units:    map[alloc.Handle]uint32{},
		received: map[alloc.Handle][]byte{},
		opened:   make(chan uint32, 16),
		got:      make(chan struct{}, 64),
	}
}

func (f *fakeHandler) Open(unit uint32) (alloc.Handle, error) {
	f.mu.Lock()
	f.next++
	id := f.next
	f.units[id] = unit
	f.mu.Unlock()
	f.opened <- unit
	return id, nil
}

func (f *fakeHandler) Receive(id alloc.Handle, b []byte) error {
	f.mu.Lock()
	f.received[id] = append(f.received[id], b...)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func (f *fakeHandler) CloseNotify(id alloc.Handle) {
	f.mu.Lock()
	f.closed = append(f.closed, id)
	f.mu.Unlock()
}

func (f *fakeHandler) bytes(id alloc.Handle) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.received[id]...)
}

func (f *fakeHandler) closedIDs() []alloc.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alloc.Handle(nil), f.closed...)
}

func waitUnit(t *testing.T, ch <-chan uint32) uint32 {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("channel never opened")
	}
	return 0
}

func TestStreamChannelRoundTrip(t *testing.T) {
	handler := newFakeHandler()
	var opened, closed []Info
	var mu sync.Mutex
	hub := NewHub(Options{
		Handler: handler,
		OnOpen:  func(i Info) { mu.Lock(); opened = append(opened, i); mu.Unlock() },
		OnClose: func(i Info) { mu.Lock(); closed = append(closed, i); mu.Unlock() },
	})

	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- hub.ServeConn(server, "unix") }()
	unit := waitUnit(t, handler.opened)
	assert.Equal(t, uint32(1), unit)

	_, err := client.Write([]byte{0x05, 0x00, 0x02, 'h', 'i'})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(handler.bytes(1)) == 5 }, 5*time.Second, time.Millisecond)

	require.NoError(t, hub.Enqueue(unit, []byte{0x02, 0x00, 0x00}))
	buf := make([]byte, 3)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00}, buf)

	infos := hub.Units()
	require.Len(t, infos, 1)
	assert.Equal(t, alloc.Handle(1), infos[0].Control)
	assert.Equal(t, "unix", infos[0].Transport)

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ServeConn did not return")
	}
	assert.Equal(t, []alloc.Handle{1}, handler.closedIDs())
	assert.Zero(t, hub.Len())
	assert.ErrorIs(t, hub.Enqueue(unit, []byte{1}), ErrUnknownUnit)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, opened, 1)
	assert.Len(t, closed, 1)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	handler := newFakeHandler()
	hub := NewHub(Options{Handler: handler, QueueDepth: 1})

	server, client := net.Pipe()
	defer client.Close()
	go hub.ServeConn(server, "tcp")
	unit := waitUnit(t, handler.opened)

	// Nobody reads the client side, so the writer blocks on the first
	// packet and the queue fills.
	var full bool
	for i := 0; i < 3 && !full; i++ {
		full = hub.Enqueue(unit, []byte{0x06, 0x00, 0x01, byte(i)}) == ErrQueueFull
		if !full {
			time.Sleep(10 * time.Millisecond)
		}
	}
	assert.True(t, full)
}

func TestEnqueueUnknownUnit(t *testing.T) {
	hub := NewHub(Options{Handler: newFakeHandler()})
	assert.ErrorIs(t, hub.Enqueue(42, []byte{1}), ErrUnknownUnit)
}

type denyPeers struct{}

func (denyPeers) AllowChannel(string) bool { return false }

func TestChannelRateLimit(t *testing.T) {
	handler := newFakeHandler()
	hub := NewHub(Options{Handler: handler, Limiter: denyPeers{}})
	server, client := net.Pipe()
	defer client.Close()
	assert.ErrorIs(t, hub.ServeConn(server, "tcp"), ErrRateLimited)
	assert.Zero(t, hub.Len())
}

func TestCloseEndsChannels(t *testing.T) {
	handler := newFakeHandler()
	hub := NewHub(Options{Handler: handler})

	server, client := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() { _ = hub.ServeConn(server, "tcp"); close(done) }()
	waitUnit(t, handler.opened)

	hub.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("channel still open after Close")
	}
	assert.Len(t, handler.closedIDs(), 1)

	s2, c2 := net.Pipe()
	defer c2.Close()
	assert.ErrorIs(t, hub.ServeConn(s2, "tcp"), ErrClosed)
}

func TestCloseWaitsForCloseNotify(t *testing.T) {
	for i := 0; i < 50; i++ {
		handler := newFakeHandler()
		hub := NewHub(Options{Handler: handler})

		server, client := net.Pipe()
		go func() { _ = hub.ServeConn(server, "tcp") }()
		waitUnit(t, handler.opened)

		hub.Close()
		require.Len(t, handler.closedIDs(), 1, "round %d", i)
		assert.Zero(t, hub.Len())
		client.Close()
	}
}

type gatedHandler struct {
	*fakeHandler
	entered chan struct{}
	release chan struct{}
}

func (g *gatedHandler) Open(unit uint32) (alloc.Handle, error) {
	close(g.entered)
	<-g.release
	return g.fakeHandler.Open(unit)
}

func TestCloseWaitsForOpeningChannel(t *testing.T) {
	handler := &gatedHandler{fakeHandler: newFakeHandler(), entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(Options{Handler: handler})

	server, client := net.Pipe()
	defer client.Close()
	go func() { _ = hub.ServeConn(server, "tcp") }()
	<-handler.entered

	closed := make(chan struct{})
	go func() { hub.Close(); close(closed) }()
	select {
	case <-closed:
		t.Fatal("Close returned while a channel was still opening")
	case <-time.After(50 * time.Millisecond):
	}

	close(handler.release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned")
	}
	assert.Len(t, handler.closedIDs(), 1)
}

func TestWebsocketChannel(t *testing.T) {
	handler := newFakeHandler()
	hub := NewHub(Options{Handler: handler})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	conn := NewWSConn(ws)
	defer conn.Close()

	unit := waitUnit(t, handler.opened)
	assert.Equal(t, "127.0.0.1", hub.Units()[0].Peer)

	_, err = conn.Write([]byte{0x03, 0x00})
	require.NoError(t, err)
	_, err = conn.Write([]byte{0x00})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(handler.bytes(1)) == 3 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x03, 0x00, 0x00}, handler.bytes(1))

	require.NoError(t, hub.Enqueue(unit, []byte{0x08, 0x00}))
	require.NoError(t, hub.Enqueue(unit, []byte{0x00}))
	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x00, 0x00}, buf)
}
