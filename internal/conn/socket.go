package conn

import (
	"errors"
	"syscall"

	"github.com/matst80/connexions/internal/alloc"
	"github.com/matst80/connexions/internal/netpoll"
)

var (
	ErrNotFound         = errors.New("conn: connection not found")
	ErrAlreadyConnected = errors.New("conn: already connected")
	ErrNotConnected     = errors.New("conn: not connected")
	ErrInvalidAddress   = errors.New("conn: invalid address")

	// Socket-layer conditions. Neither escapes the registry.
	ErrWouldBlock = errors.New("conn: operation would block")
	ErrInProgress = errors.New("conn: connect in progress")
)

// Socket is a non-blocking outbound TCP socket.
type Socket interface {
	Fd() int
	// Connect starts connecting. It returns nil when the connection is
	// already established and ErrInProgress when completion will be
	// reported through readiness.
	Connect(addr []byte, port uint16) error
	// Connected reports whether the handshake has completed. (false, nil)
	// means still pending; a non-nil error is the reason it failed.
	Connected() (bool, error)
	// Send returns ErrWouldBlock when nothing could be written.
	Send(b []byte) (int, error)
	// Recv returns (0, nil) when the peer has shut down and ErrWouldBlock
	// when no data is available.
	Recv(b []byte) (int, error)
	Close() error
}

type SocketFactory interface {
	NewSocket(ipv6 bool) (Socket, error)
}

// Poller is the readiness source sockets are registered with.
type Poller interface {
	Register(fd int, udata uintptr, cb netpoll.Callback) error
	Unregister(fd int) error
}

// EventSink receives connection events. Methods are never called with a
// registry lock held, so they may call back into any registry.
type EventSink interface {
	Opened(userData uintptr)
	Closed(userData uintptr)
	Failed(userData uintptr, code uint32)
	// NewData hands over buf, which was allocated from the registry's tag.
	// The sink must free it exactly once.
	NewData(userData uintptr, buf []byte)
}

// Code extracts the errno carried by err for HUNGUP payloads, or 0.
func Code(err error) uint32 {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return uint32(errno)
	case errors.Is(err, alloc.ErrOutOfMemory):
		return uint32(syscall.ENOMEM)
	case errors.Is(err, ErrInvalidAddress):
		return uint32(syscall.EINVAL)
	}
	return 0
}
