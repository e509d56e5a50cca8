package client

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Stream is a net.Conn over a connected Client.
type Stream struct {
	c       *Client
	mu      sync.Mutex
	pending []byte
	err     error
}

// Stream returns c as a net.Conn. Call it after Connect succeeds.
func (c *Client) Stream() *Stream {
	return &Stream{c: c}
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.pending, s.err = s.c.Read()
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	if err := s.c.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends CLOSE and closes the channel.
func (s *Stream) Close() error {
	return errors.Join(s.c.Disconnect(), s.c.Close())
}

func (s *Stream) LocalAddr() net.Addr  { return s.c.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.c.conn.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error      { return s.c.conn.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.c.conn.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.c.conn.SetWriteDeadline(t) }

var _ net.Conn = (*Stream)(nil)
