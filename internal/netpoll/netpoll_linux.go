//go:build linux

package netpoll

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/matst80/connexions/internal/obs"
)

const (
	maxEvents   = 128
	waitTimeout = 100 // ms, bounds how long Close waits for the loop
)

// Poller is an edge-triggered epoll reactor.
type Poller struct {
	epfd   int
	regs   sync.Map // int -> registration
	closed atomic.Bool
	done   chan struct{}
}

// New creates the epoll instance and starts the poll goroutine.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll create: %w", err)
	}
	p := &Poller{epfd: epfd, done: make(chan struct{})}
	go p.loop()
	return p, nil
}

// Register starts watching fd for input, output and peer hang-up.
func (p *Poller) Register(fd int, udata uintptr, cb Callback) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.regs.Store(fd, registration{udata: udata, cb: cb})
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.regs.Delete(fd)
		return fmt.Errorf("netpoll: epoll ctl add: %w", err)
	}
	return nil
}

// Unregister stops watching fd. Call it before closing the descriptor.
func (p *Poller) Unregister(fd int) error {
	p.regs.Delete(fd)
	if p.closed.Load() {
		return nil
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("netpoll: epoll ctl del: %w", err)
	}
	return nil
}

// Close stops the poll goroutine and releases the epoll descriptor. No
// callback runs after Close returns.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	<-p.done
	return unix.Close(p.epfd)
}

func (p *Poller) loop() {
	defer close(p.done)
	var events [maxEvents]unix.EpollEvent
	for !p.closed.Load() {
		n, err := unix.EpollWait(p.epfd, events[:], waitTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			obs.Error("netpoll.wait.failed", obs.Fields{"error": err.Error()})
			return
		}
		for i := 0; i < n; i++ {
			p.dispatch(events[i])
		}
	}
}

func (p *Poller) dispatch(raw unix.EpollEvent) {
	v, ok := p.regs.Load(int(raw.Fd))
	if !ok {
		return
	}
	reg := v.(registration)

	var ev Events
	if raw.Events&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if raw.Events&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= HangUp
	}
	if raw.Events&unix.EPOLLERR != 0 {
		ev |= Error
	}

	defer func() {
		if r := recover(); r != nil {
			obs.Error("netpoll.callback.panic", obs.Fields{"fd": raw.Fd, "panic": fmt.Sprint(r)})
		}
	}()
	reg.cb(int(raw.Fd), ev, reg.udata)
}
