// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/zongbox/vpmu/pmu"

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zongbox/vpmu/counterfile"
	"github.com/zongbox/vpmu/events"
)

// Flag adjusts a lifecycle transition.
type Flag uint32

const (
	// FlagStart makes Attach start the event immediately.
	FlagStart Flag = 1 << iota
	// FlagReload makes Start expect an up-to-date count to rebase from.
	FlagReload
	// FlagUpdate makes Stop fold the final hardware delta into the
	// count before the counter is torn down.
	FlagUpdate
)

// Event states. A running event has no state bits set.
const (
	// stateStopped marks an event whose counter is not advancing the
	// count.
	stateStopped uint32 = 1 << iota
	// stateUpToDate marks a count that already includes every delta the
	// hardware produced.
	stateUpToDate
)

// Event is one virtualized counter. Count and the accessors are safe
// for concurrent use, and Read may run concurrently with other Reads
// of the same event. Lifecycle transitions of one event must be
// serialized by the caller; transitions of different events need no
// coordination.
type Event struct {
	pmu   *PMU
	attr  events.Attr
	code  counterfile.Code
	class counterfile.Class
	mask  uint64

	// core and slot hold the binding; slot is SlotNone while detached.
	core atomic.Int32
	slot atomic.Int32

	state atomic.Uint32

	// prevRaw is the raw hardware value already folded into count.
	prevRaw atomic.Uint64
	count   atomic.Uint64

	closed atomic.Bool
}

// Attr returns the request the event was initialized from.
func (e *Event) Attr() events.Attr {
	return e.attr
}

// Code returns the platform event code the request mapped to.
func (e *Event) Code() counterfile.Code {
	return e.code
}

// Class returns the counter class serving the event.
func (e *Event) Class() counterfile.Class {
	return e.class
}

// Core returns the core the event is attached to, or -1.
func (e *Event) Core() int {
	return int(e.core.Load())
}

// Slot returns the physical counter slot, or counterfile.SlotNone.
func (e *Event) Slot() counterfile.Slot {
	return counterfile.Slot(e.slot.Load())
}

// Running reports whether the event count is advancing.
func (e *Event) Running() bool {
	return e.state.Load() == 0
}

// Count returns the accumulated count. It never moves backwards.
func (e *Event) Count() uint64 {
	return e.count.Load()
}

// Attach binds the event to a counter slot on the given core. The
// event comes out stopped and up to date unless FlagStart is set, in
// which case it is started with FlagReload; a start failure leaves the
// event attached but stopped.
func (e *Event) Attach(core int, flags Flag) error {
	if e.closed.Load() {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Attaching closed event %s", e.attr)
		return ErrInvalidState
	}
	if counterfile.Slot(e.slot.Load()) != counterfile.SlotNone {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Attaching event %s twice", e.attr)
		return ErrInvalidState
	}
	if core < 0 || core >= len(e.pmu.cores) {
		return fmt.Errorf("core %d out of range [0, %d)", core, len(e.pmu.cores))
	}
	cs := &e.pmu.cores[core]
	if n := cs.nEvents.Add(1); int(n) > e.pmu.desc.TotalCounters() {
		cs.nEvents.Add(-1)
		e.pmu.stats.attachNoSpace.Add(1)
		return ErrNoSpace
	}
	slot, err := cs.allocate(e.pmu.desc, e.code, e.class)
	if err != nil {
		cs.nEvents.Add(-1)
		if err == ErrNoSpace {
			e.pmu.stats.attachNoSpace.Add(1)
		}
		return err
	}
	e.core.Store(int32(core))
	e.slot.Store(int32(slot))
	cs.bound[slot].Store(e)
	e.state.Store(stateStopped | stateUpToDate)
	if flags&FlagStart != 0 {
		return e.Start(FlagReload)
	}
	return nil
}

// Start makes the count advance from the counter's current raw value.
// The baseline read means no cycles spent while stopped ever leak into
// the count. Starting a running event is rejected without touching it.
func (e *Event) Start(flags Flag) error {
	core := int(e.core.Load())
	slot := counterfile.Slot(e.slot.Load())
	if slot == counterfile.SlotNone {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Starting detached event %s", e.attr)
		return ErrInvalidState
	}
	st := e.state.Load()
	if st&stateStopped == 0 {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Starting already running event %s", e.attr)
		return ErrInvalidState
	}
	if flags&FlagReload != 0 && st&stateUpToDate == 0 {
		// Deltas folded before the last stop are kept, the window in
		// between is lost. Callers wanting it should stop with
		// FlagUpdate.
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Rebasing event %s over a stale count", e.attr)
	}
	if e.class == counterfile.ClassEvent {
		if err := e.pmu.regs.WriteEventSelector(core, slot, uint64(e.code)); err != nil {
			return fmt.Errorf("programming slot %d on core %d: %v", slot, core, err)
		}
	}
	raw, err := e.pmu.regs.ReadCounter(core, slot)
	if err != nil {
		if e.class == counterfile.ClassEvent {
			_ = e.pmu.regs.WriteEventSelector(core, slot, 0)
		}
		return fmt.Errorf("reading baseline of slot %d on core %d: %v", slot, core, err)
	}
	e.prevRaw.Store(raw)
	e.state.Store(0)
	return nil
}

// Stop freezes the count. With FlagUpdate the final hardware delta is
// folded in first, before the counter is torn down, and the count
// becomes up to date. The event always ends up stopped; a failed final
// read is reported but does not abort the stop.
func (e *Event) Stop(flags Flag) error {
	slot := counterfile.Slot(e.slot.Load())
	if slot == counterfile.SlotNone {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Stopping detached event %s", e.attr)
		return ErrInvalidState
	}
	if e.state.Load()&stateStopped != 0 {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Stopping already stopped event %s", e.attr)
		return ErrInvalidState
	}
	var readErr error
	newState := stateStopped
	if flags&FlagUpdate != 0 {
		if readErr = e.Read(); readErr == nil {
			newState |= stateUpToDate
		}
	}
	if e.class == counterfile.ClassEvent {
		core := int(e.core.Load())
		if err := e.pmu.regs.WriteEventSelector(core, slot, 0); err != nil {
			log.Warnf("Disabling slot %d on core %d: %v", slot, core, err)
		}
	}
	e.state.Store(newState)
	return readErr
}

// Read folds the delta since the last fold into the count, masked to
// the counter width so wraparounds in between are transparent.
// Concurrent readers hand over via compare-and-swap on the raw
// baseline: every hardware increment is folded exactly once.
func (e *Event) Read() error {
	core := int(e.core.Load())
	slot := counterfile.Slot(e.slot.Load())
	if slot == counterfile.SlotNone {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Reading detached event %s", e.attr)
		return ErrInvalidState
	}
	if e.state.Load() == stateStopped|stateUpToDate {
		// Nothing new can have accumulated.
		return nil
	}
	for {
		prev := e.prevRaw.Load()
		raw, err := e.pmu.regs.ReadCounter(core, slot)
		if err != nil {
			return fmt.Errorf("reading slot %d on core %d: %v", slot, core, err)
		}
		if e.prevRaw.CompareAndSwap(prev, raw) {
			e.count.Add((raw - prev) & e.mask)
			return nil
		}
		// Another reader folded this window first.
		e.pmu.stats.readRetries.Add(1)
	}
}

// Detach releases the event's counter slot. The slot is reclaimed even
// when the event is still running, which is a contract violation: the
// counter is disabled, the violation is logged and counted, and the
// detach proceeds.
func (e *Event) Detach() error {
	core := int(e.core.Load())
	slot := counterfile.Slot(e.slot.Load())
	if slot == counterfile.SlotNone {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Detaching unbound event %s", e.attr)
		return ErrInvalidState
	}
	if e.state.Load()&stateStopped == 0 {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Detaching running event %s", e.attr)
		if e.class == counterfile.ClassEvent {
			_ = e.pmu.regs.WriteEventSelector(core, slot, 0)
		}
	}
	cs := &e.pmu.cores[core]
	e.slot.Store(int32(counterfile.SlotNone))
	e.core.Store(-1)
	cs.bound[slot].CompareAndSwap(e, nil)
	cs.releaseSlot(e.pmu.desc, slot, e.class)
	cs.nEvents.Add(-1)
	e.state.Store(stateStopped | stateUpToDate)
	return nil
}

// Close releases the event's reference on the shared hardware. A still
// attached event is detached first. The event is dead afterwards;
// closing twice is rejected.
func (e *Event) Close() error {
	if e.closed.Swap(true) {
		e.pmu.stats.stateViolations.Add(1)
		log.Warnf("Closing event %s twice", e.attr)
		return ErrInvalidState
	}
	if counterfile.Slot(e.slot.Load()) != counterfile.SlotNone {
		log.Warnf("Closing still attached event %s", e.attr)
		_ = e.Detach()
	}
	e.pmu.release()
	return nil
}
