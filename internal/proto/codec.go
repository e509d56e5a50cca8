// Package proto implements the control-channel wire format: a 1-byte type,
// a 2-byte big-endian payload length and the payload itself.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

const (
	HeaderLen  = 3
	MaxPayload = 0xffff
)

var (
	ErrIncomplete      = errors.New("proto: incomplete packet")
	ErrMalformed       = errors.New("proto: malformed packet")
	ErrPayloadTooLarge = errors.New("proto: payload exceeds 65535 bytes")
)

// Append frames payload onto dst.
func Append(dst []byte, t Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, ErrPayloadTooLarge
	}
	dst = append(dst, byte(t), 0, 0)
	binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(len(payload)))
	return append(dst, payload...), nil
}

// Encode returns a freshly allocated framed packet.
func Encode(t Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	return Append(make([]byte, 0, HeaderLen+len(payload)), t, payload)
}

// Decode extracts the first packet in buf. It returns the packet, with its
// payload aliasing buf, and the number of bytes consumed. ErrIncomplete
// means more bytes are needed.
func Decode(buf []byte) (Packet, int, error) {
	length, ok := PeekLength(buf)
	if !ok || len(buf) < HeaderLen+length {
		return Packet{}, 0, ErrIncomplete
	}
	n := HeaderLen + length
	return Packet{Type: Type(buf[0]), Payload: buf[HeaderLen:n]}, n, nil
}

// PeekLength reads the declared payload length from a header prefix.
func PeekLength(buf []byte) (int, bool) {
	if len(buf) < HeaderLen {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(buf[1:3])), true
}

// ReadPacket reads exactly one packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	length := int(binary.BigEndian.Uint16(hdr[1:]))
	p := Packet{Type: Type(hdr[0])}
	if length > 0 {
		p.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Packet{}, err
		}
	}
	return p, nil
}

// WritePacket frames and writes one packet with a single Write call.
func WritePacket(w io.Writer, t Type, payload []byte) error {
	b, err := Encode(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Chunks splits b into consecutive slices of at most MaxPayload bytes.
func Chunks(b []byte) [][]byte {
	if len(b) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+MaxPayload-1)/MaxPayload)
	for len(b) > MaxPayload {
		out = append(out, b[:MaxPayload])
		b = b[MaxPayload:]
	}
	return append(out, b)
}

// ConnectRequest is the decoded payload of a CONNECT packet.
type ConnectRequest struct {
	Port uint16
	Addr []byte // 4 or 16 raw address bytes
	IPv6 bool
}

// AddrPort returns the request as a netip.AddrPort.
func (c ConnectRequest) AddrPort() netip.AddrPort {
	addr, _ := netip.AddrFromSlice(c.Addr)
	return netip.AddrPortFrom(addr, c.Port)
}

// ParseConnect decodes a CONNECT payload: 2 port bytes followed by a 4-byte
// IPv4 or 16-byte IPv6 address, both in network byte order.
func ParseConnect(payload []byte) (ConnectRequest, error) {
	var req ConnectRequest
	switch len(payload) {
	case 2 + 4:
	case 2 + 16:
		req.IPv6 = true
	default:
		return req, fmt.Errorf("%w: connect payload of %d bytes", ErrMalformed, len(payload))
	}
	req.Port = binary.BigEndian.Uint16(payload[:2])
	req.Addr = payload[2:]
	return req, nil
}

// ConnectPayload encodes ap as a CONNECT payload. IPv4-mapped IPv6 addresses
// are sent as IPv4.
func ConnectPayload(ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	out := make([]byte, 2, 18)
	binary.BigEndian.PutUint16(out, ap.Port())
	if addr.Is4() {
		a := addr.As4()
		return append(out, a[:]...)
	}
	a := addr.As16()
	return append(out, a[:]...)
}

// CodePayload encodes an error code for HUNGUP and ERROR packets.
func CodePayload(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

// ParseCode reads a 4-byte big-endian error code.
func ParseCode(payload []byte) (uint32, bool) {
	if len(payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload), true
}
