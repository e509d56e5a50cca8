package main

import "context"

// StateStore is the unit directory. Updates come from channel and control
// hooks and must not block for long: the control hooks run on the
// scheduler.
type StateStore interface {
	registerUnit(rec unitRecord) error
	updateUnit(unit uint32, fn func(*unitRecord))
	removeUnit(unit uint32)
	listUnits(ctx context.Context) ([]unitRecord, error)
	localUnits() []uint32
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	getStats() (units int, connected int, connects int64, failures int64)
	recordConnect()
	recordFailure()
	startMaintenance(ctx context.Context)
	close() error
}
