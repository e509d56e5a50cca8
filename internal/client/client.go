// Package client speaks the control-channel protocol from an ordinary
// process: one Client is one channel, driving one outbound connection at a
// time.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/matst80/connexions/internal/channel"
	"github.com/matst80/connexions/internal/obs"
	"github.com/matst80/connexions/internal/proto"
)

var (
	ErrConnectFailed    = errors.New("client: connect failed")
	ErrUnexpectedPacket = errors.New("client: unexpected packet")
)

// HangupError is a HUNGUP or ERROR packet carrying a cause code.
type HangupError struct {
	Code uint32
}

func (e *HangupError) Error() string {
	return fmt.Sprintf("client: hung up: %v", syscall.Errno(e.Code))
}

func (e *HangupError) Unwrap() error { return syscall.Errno(e.Code) }

type Client struct {
	conn net.Conn
	rmu  sync.Mutex
	r    *bufio.Reader
	wmu  sync.Mutex
}

// New wraps an already open channel.
func New(c net.Conn) *Client {
	return &Client{conn: c, r: bufio.NewReaderSize(c, proto.HeaderLen+proto.MaxPayload)}
}

// Dial opens a channel. network is "unix", "tcp" or "ws"; for "ws" addr is
// a ws:// or wss:// URL.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	if network == "ws" {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		return New(channel.NewWSConn(ws)), nil
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(c), nil
}

// DialRetry is Dial with exponential backoff. maxAttempts <= 0 retries
// until ctx is done.
func DialRetry(ctx context.Context, network, addr string, maxAttempts int, maxDelay time.Duration) (*Client, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: maxDelay, Jitter: true}
	for {
		c, err := Dial(ctx, network, addr)
		if err == nil {
			return c, nil
		}
		attempt := int(b.Attempt()) + 1
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, err
		}
		d := b.Duration()
		obs.Info("client.dial.retry", obs.Fields{"addr": addr, "attempt": attempt, "delay": d.String(), "err": err.Error()})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// Connect asks the server to open target and waits for exactly one reply.
func (c *Client) Connect(target netip.AddrPort) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: invalid target", ErrConnectFailed)
	}
	if err := c.write(proto.TypeConnect, proto.ConnectPayload(target)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	c.rmu.Lock()
	p, err := proto.ReadPacket(c.r)
	c.rmu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	switch p.Type {
	case proto.TypeConnected:
		return nil
	case proto.TypeHungup, proto.TypeError:
		code, _ := proto.ParseCode(p.Payload)
		if code == 0 {
			code = uint32(syscall.ECONNREFUSED)
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, &HangupError{Code: code})
	}
	return fmt.Errorf("%w: %w: %v", ErrConnectFailed, ErrUnexpectedPacket, p.Type)
}

// Send writes b as one or more SEND packets.
func (c *Client) Send(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, chunk := range proto.Chunks(b) {
		if err := proto.WritePacket(c.conn, proto.TypeSend, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Read waits for one packet. It returns DATA payloads, io.EOF for a clean
// hang-up and a *HangupError when the server reports a cause.
func (c *Client) Read() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	p, err := proto.ReadPacket(c.r)
	if err != nil {
		return nil, err
	}
	switch p.Type {
	case proto.TypeData:
		return p.Payload, nil
	case proto.TypeHungup, proto.TypeError:
		if code, ok := proto.ParseCode(p.Payload); ok {
			return nil, &HangupError{Code: code}
		}
		if len(p.Payload) == 0 {
			return nil, io.EOF
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnexpectedPacket, p.Type)
}

// Disconnect closes the outbound connection and keeps the channel.
func (c *Client) Disconnect() error {
	return c.write(proto.TypeClose, nil)
}

// Close closes the channel.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(t proto.Type, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WritePacket(c.conn, t, payload)
}
