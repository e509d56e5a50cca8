//go:build !linux

package conn

import "errors"

// UnixSockets is only implemented on linux.
type UnixSockets struct{}

func (UnixSockets) NewSocket(bool) (Socket, error) { return nil, errors.ErrUnsupported }
