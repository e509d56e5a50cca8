package proto

// Type is the first byte of every packet.
type Type uint8

// Client -> server.
const (
	TypeConnect Type = 0x1
	TypeClose   Type = 0x3
	TypeSend    Type = 0x5
)

// Server -> client.
const (
	TypeConnected Type = 0x2
	TypeError     Type = 0x4
	TypeData      Type = 0x6
	TypeHungup    Type = 0x8
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeConnected:
		return "connected"
	case TypeClose:
		return "close"
	case TypeError:
		return "error"
	case TypeSend:
		return "send"
	case TypeData:
		return "data"
	case TypeHungup:
		return "hungup"
	}
	return "unknown"
}

// Packet is one framed message in either direction.
type Packet struct {
	Type    Type
	Payload []byte
}
