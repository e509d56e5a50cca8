package alloc

// Handle is a process-unique identifier for a registry entry. Zero is never
// issued.
type Handle uint32

// Pack converts h into an opaque context value.
func Pack(h Handle) uintptr { return uintptr(h) }

// Unpack is the inverse of Pack.
func Unpack(ctx uintptr) Handle { return Handle(uint32(ctx)) }
