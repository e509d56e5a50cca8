//go:build linux

package conn

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// UnixSockets creates non-blocking TCP sockets directly on the kernel API.
type UnixSockets struct{}

func (UnixSockets) NewSocket(ipv6 bool) (Socket, error) {
	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("conn: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return &unixSocket{fd: fd, ipv6: ipv6}, nil
}

type unixSocket struct {
	fd   int
	ipv6 bool
}

func (s *unixSocket) Fd() int { return s.fd }

func (s *unixSocket) Connect(addr []byte, port uint16) error {
	var sa unix.Sockaddr
	switch {
	case !s.ipv6 && len(addr) == 4:
		a := &unix.SockaddrInet4{Port: int(port)}
		copy(a.Addr[:], addr)
		sa = a
	case s.ipv6 && len(addr) == 16:
		a := &unix.SockaddrInet6{Port: int(port)}
		copy(a.Addr[:], addr)
		sa = a
	default:
		return ErrInvalidAddress
	}
	err := unix.Connect(s.fd, sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return ErrInProgress
	}
	return fmt.Errorf("conn: connect: %w", err)
}

func (s *unixSocket) Connected() (bool, error) {
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, fmt.Errorf("conn: getsockopt: %w", err)
	}
	if soerr != 0 {
		return false, fmt.Errorf("conn: connect: %w", unix.Errno(soerr))
	}
	if _, err := unix.Getpeername(s.fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return false, nil
		}
		return false, fmt.Errorf("conn: getpeername: %w", err)
	}
	return true, nil
}

func (s *unixSocket) Send(b []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, b, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("conn: send: %w", err)
	}
}

func (s *unixSocket) Recv(b []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("conn: recv: %w", err)
	}
}

func (s *unixSocket) Close() error {
	return unix.Close(s.fd)
}
