package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type serverState struct {
	instance string

	mu       sync.Mutex
	units    map[uint32]*unitRecord
	closing  bool
	ready    bool
	connects int64
	failures int64
}

func newServerState(instance string) *serverState {
	return &serverState{instance: instance, units: make(map[uint32]*unitRecord)}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) registerUnit(rec unitRecord) error {
	rec.Instance = s.instance
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.units[rec.Unit]; exists {
		return fmt.Errorf("unit already registered: %d", rec.Unit)
	}
	s.units[rec.Unit] = &rec
	return nil
}

func (s *serverState) updateUnit(unit uint32, fn func(*unitRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.units[unit]; ok {
		fn(rec)
		rec.LastSeen = time.Now()
	}
}

func (s *serverState) removeUnit(unit uint32) {
	s.mu.Lock()
	delete(s.units, unit)
	s.mu.Unlock()
}

func (s *serverState) listUnits(context.Context) ([]unitRecord, error) {
	s.mu.Lock()
	out := make([]unitRecord, 0, len(s.units))
	for _, rec := range s.units {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}

func (s *serverState) localUnits() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.units))
	for u := range s.units {
		out = append(out, u)
	}
	return out
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) recordConnect() { s.mu.Lock(); s.connects++; s.mu.Unlock() }
func (s *serverState) recordFailure() { s.mu.Lock(); s.failures++; s.mu.Unlock() }

func (s *serverState) getStats() (int, int, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected := 0
	for _, rec := range s.units {
		if rec.State == stateConnected {
			connected++
		}
	}
	return len(s.units), connected, s.connects, s.failures
}

func (s *serverState) startMaintenance(context.Context) {}

func (s *serverState) close() error { return nil }
