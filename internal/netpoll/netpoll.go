// Package netpoll delivers socket readiness notifications from a single
// poll goroutine.
//
// Callbacks run on the poll goroutine and must return quickly; the
// connection registry only pushes a deferred job from them.
package netpoll

import "errors"

// Events is a readiness bit set.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	HangUp
	Error
)

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	s := ""
	for _, b := range []struct {
		bit  Events
		name string
	}{{Readable, "r"}, {Writable, "w"}, {HangUp, "hup"}, {Error, "err"}} {
		if e&b.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += b.name
		}
	}
	return s
}

// Callback receives the descriptor, the events seen and the context value
// given at registration.
type Callback func(fd int, ev Events, udata uintptr)

var (
	ErrClosed      = errors.New("netpoll: poller closed")
	ErrUnsupported = errors.New("netpoll: not supported on this platform")
)

type registration struct {
	udata uintptr
	cb    Callback
}
