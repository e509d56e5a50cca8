// Package sched runs deferred jobs on a single background worker, in the
// order they were pushed.
//
// Readiness callbacks and channel receive paths push work here instead of
// doing it inline; everything that touches sockets, buffers or client
// notifications runs on the worker goroutine.
package sched

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/matst80/connexions/internal/obs"
)

var ErrStopped = errors.New("sched: scheduler stopped")

const (
	statusRunning = iota
	statusStopping
	statusStopped
)

// Func is a deferred job. The argument is an opaque context, normally a
// packed alloc.Handle.
type Func func(arg uintptr)

type job struct {
	fn  Func
	arg uintptr
}

// Pusher is the part of a Scheduler that producers need.
type Pusher interface {
	Push(fn Func, arg uintptr) error
}

type Scheduler struct {
	mu     sync.Mutex
	jobs   *queue.Queue
	status int
	notify chan struct{}

	// PollInterval is how long Shutdown sleeps between checks for the
	// worker having exited.
	PollInterval time.Duration
}

// New starts a scheduler with its worker goroutine.
func New() *Scheduler {
	s := &Scheduler{
		jobs:         queue.New(),
		notify:       make(chan struct{}, 1),
		PollInterval: time.Millisecond,
	}
	go s.run()
	return s
}

// Push appends a job. It fails only once shutdown has begun.
func (s *Scheduler) Push(fn Func, arg uintptr) error {
	s.mu.Lock()
	if s.status != statusRunning {
		s.mu.Unlock()
		return ErrStopped
	}
	s.jobs.Add(job{fn: fn, arg: arg})
	depth := s.jobs.Length()
	s.mu.Unlock()
	obs.SchedulerQueueDepth.Set(float64(depth))

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Length()
}

// Shutdown asks the worker to stop and waits until it has. A job already
// running completes; queued jobs are discarded. Must not be called from a
// job.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.status == statusRunning {
		s.status = statusStopping
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	for {
		s.mu.Lock()
		stopped := s.status == statusStopped
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(s.PollInterval)
	}
}

func (s *Scheduler) run() {
	for {
		s.mu.Lock()
		if s.status != statusRunning {
			dropped := s.jobs.Length()
			s.jobs = queue.New()
			s.status = statusStopped
			s.mu.Unlock()
			obs.SchedulerQueueDepth.Set(0)
			if dropped > 0 {
				obs.Debug("sched.shutdown.dropped", obs.Fields{"jobs": dropped})
			}
			return
		}
		if s.jobs.Length() == 0 {
			s.mu.Unlock()
			<-s.notify
			continue
		}
		j := s.jobs.Remove().(job)
		depth := s.jobs.Length()
		s.mu.Unlock()
		obs.SchedulerQueueDepth.Set(float64(depth))
		s.execute(j)
	}
}

func (s *Scheduler) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("sched.job.panic", obs.Fields{"panic": fmt.Sprint(r), "arg": j.arg})
			obs.ErrorsTotal.WithLabelValues("job_panic").Inc()
		}
	}()
	obs.SchedulerJobsTotal.Inc()
	j.fn(j.arg)
}
