//go:build !linux

package netpoll

// Poller is unavailable off linux; New always fails.
type Poller struct{}

func New() (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) Register(fd int, udata uintptr, cb Callback) error { return ErrUnsupported }
func (p *Poller) Unregister(fd int) error { return ErrUnsupported }
func (p *Poller) Close() error { return nil }
