// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package pmu virtualizes the performance counters of a multicore
// platform. It maps counting-event requests to platform event codes,
// allocates physical counter slots per core, and folds raw hardware
// deltas into wraparound-safe 64-bit counts.
package pmu // import "github.com/zongbox/vpmu/pmu"

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/zongbox/vpmu/counterfile"
	"github.com/zongbox/vpmu/counterhw"
	"github.com/zongbox/vpmu/events"
)

var (
	// ErrNoSpace is returned when a core has no counter left for an
	// event.
	ErrNoSpace = errors.New("no counter available")
	// ErrNoSuchClass is returned when a fixed-class allocation names a
	// code without a fixed counter.
	ErrNoSuchClass = errors.New("no fixed counter for event code")
	// ErrBusy is returned when the shared hardware cannot be reserved
	// because another subsystem holds it.
	ErrBusy = errors.New("hardware reservation failed")
	// ErrInvalidState is returned for lifecycle calls that violate the
	// event state machine. Such calls never disturb counter or
	// allocator state.
	ErrInvalidState = errors.New("invalid event state")
)

// PMU is the per-platform counter subsystem. All methods are safe for
// concurrent use; per-event lifecycle calls additionally follow the
// serialization contract described on Event.
type PMU struct {
	desc *counterfile.Description
	regs counterhw.Registers
	line counterhw.Line

	cores []coreSet

	// active counts live events and so references on the shared
	// hardware. The 0 boundary crossings are serialized by reserveMu.
	active    atomic.Int64
	reserveMu sync.Mutex

	stats stats
}

// Option adjusts the construction of a PMU.
type Option func(*PMU)

// WithCores sets how many cores the subsystem manages. The default is
// runtime.NumCPU().
func WithCores(n int) Option {
	return func(p *PMU) {
		if n > 0 {
			p.cores = make([]coreSet, n)
		}
	}
}

// WithLine installs the shared overflow interrupt line. The first live
// event requests it and the last one releases it; platforms without an
// interrupt capable counter file run with no line at all.
func WithLine(line counterhw.Line) Option {
	return func(p *PMU) {
		p.line = line
	}
}

// New builds the counter subsystem for one platform. The description
// is validated once here; construction does not touch the hardware.
func New(desc *counterfile.Description, regs counterhw.Registers, opts ...Option) (*PMU, error) {
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid platform description: %v", err)
	}
	p := &PMU{
		desc:  desc,
		regs:  regs,
		cores: make([]coreSet, runtime.NumCPU()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Description returns the platform description the subsystem runs on.
func (p *PMU) Description() *counterfile.Description {
	return p.desc
}

// NumCores returns the number of cores the subsystem manages.
func (p *PMU) NumCores() int {
	return len(p.cores)
}

// ActiveEvents returns the number of live events.
func (p *PMU) ActiveEvents() int64 {
	return p.active.Load()
}

// NewEvent maps a request and prepares an unattached event for it. The
// first live event reserves the shared hardware; a mapping failure
// returns that reservation before surfacing the error, so failed
// initializations leave no trace.
func (p *PMU) NewEvent(attr events.Attr) (*Event, error) {
	if err := p.retain(); err != nil {
		p.stats.initFailures.Add(1)
		return nil, err
	}
	code, err := p.desc.MapEvent(attr)
	if err != nil {
		p.release()
		p.stats.initFailures.Add(1)
		return nil, err
	}
	class := p.desc.ClassOf(code)
	e := &Event{
		pmu:   p,
		attr:  attr,
		code:  code,
		class: class,
		mask:  p.desc.MaskOf(class),
	}
	e.core.Store(-1)
	e.slot.Store(int32(counterfile.SlotNone))
	e.state.Store(stateStopped | stateUpToDate)
	p.stats.eventInits.Add(1)
	log.Debugf("Initialized event %s as %s counter code %#x", attr, class, code)
	return e, nil
}

// retain takes one reference on the shared hardware, requesting the
// interrupt line when the count leaves zero.
func (p *PMU) retain() error {
	// Fast path: piggyback on an existing reservation.
	for {
		n := p.active.Load()
		if n == 0 {
			break
		}
		if p.active.CompareAndSwap(n, n+1) {
			return nil
		}
		// Raced against another reference change, retry.
	}
	p.reserveMu.Lock()
	defer p.reserveMu.Unlock()
	if p.active.Load() == 0 && p.line != nil {
		if err := p.line.Request(p.handleOverflow); err != nil {
			p.stats.reservationBusy.Add(1)
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		p.stats.reservationRequests.Add(1)
	}
	p.active.Add(1)
	return nil
}

// release drops one reference, releasing the interrupt line when the
// last one goes away.
func (p *PMU) release() {
	for {
		n := p.active.Load()
		if n <= 1 {
			break
		}
		if p.active.CompareAndSwap(n, n-1) {
			return
		}
	}
	p.reserveMu.Lock()
	defer p.reserveMu.Unlock()
	if p.active.Add(-1) == 0 && p.line != nil {
		p.line.Release()
		p.stats.reservationReleases.Add(1)
	}
}

// handleOverflow services an overflow interrupt by folding the current
// hardware values of every bound event on the core into their counts.
// It reports whether any event was bound there.
func (p *PMU) handleOverflow(core int) bool {
	if core < 0 || core >= len(p.cores) {
		return false
	}
	handled := false
	cs := &p.cores[core]
	for i := range cs.bound {
		e := cs.bound[i].Load()
		if e == nil {
			continue
		}
		handled = true
		if err := e.Read(); err != nil {
			log.Debugf("Overflow read of %s on core %d: %v", e.attr, core, err)
		}
	}
	if handled {
		p.stats.overflowInterrupts.Add(1)
	}
	return handled
}
