// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package counterhw // import "github.com/zongbox/vpmu/counterhw"

import (
	"fmt"
	"sync"

	"github.com/elastic/go-perf"

	"github.com/zongbox/vpmu/counterfile"
)

// PerfRegisters adapts the kernel perf subsystem to the Registers
// interface. Each readable (core, slot) pair is backed by a counting
// perf event pinned to that core: the fixed slots open the matching
// symbolic counter lazily on first read, and programming an event
// selector opens a raw event with the selector value. Disabling a
// selector freezes the event rather than closing it, so the slot keeps
// reading its last value the way a real counter register would.
// Reprogramming replaces the event, and the fresh zero-based register
// is absorbed by the baseline read on start.
type PerfRegisters struct {
	desc *counterfile.Description

	mu   sync.Mutex
	open map[coreSlot]*perf.Event
}

type coreSlot struct {
	core int
	slot counterfile.Slot
}

var _ Registers = (*PerfRegisters)(nil)

// NewPerfRegisters builds the perf-backed counter file. The
// description must already be validated; its fixed counters must be
// the baseline cycle and instruction counters, since those are the
// only slots with a kernel equivalent.
func NewPerfRegisters(desc *counterfile.Description) (*PerfRegisters, error) {
	for code := range desc.Fixed {
		if code != counterfile.CodeCycles && code != counterfile.CodeInstructions {
			return nil, fmt.Errorf("fixed counter code %#x has no perf equivalent", code)
		}
	}
	return &PerfRegisters{
		desc: desc,
		open: make(map[coreSlot]*perf.Event),
	}, nil
}

// Close tears down every perf event the backend has opened.
func (p *PerfRegisters) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, ev := range p.open {
		if err := ev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.open, key)
	}
	return firstErr
}

func (p *PerfRegisters) slotClass(slot counterfile.Slot) (counterfile.Class, error) {
	for _, s := range p.desc.Fixed {
		if s == slot {
			return counterfile.ClassFixed, nil
		}
	}
	if slot >= p.desc.FirstEventSlot &&
		slot < p.desc.FirstEventSlot+counterfile.Slot(p.desc.NumEventCounters) {
		return counterfile.ClassEvent, nil
	}
	return 0, fmt.Errorf("%w: slot %d", ErrBadSlot, slot)
}

// openEvent opens and enables a counting event pinned to core.
func (p *PerfRegisters) openEvent(core int, attr *perf.Attr) (*perf.Event, error) {
	attr.Options.Disabled = true
	ev, err := perf.Open(attr, perf.AllThreads, core, nil)
	if err != nil {
		return nil, fmt.Errorf("opening perf event on core %d: %v", core, err)
	}
	if err := ev.Enable(); err != nil {
		_ = ev.Close()
		return nil, err
	}
	return ev, nil
}

// fixedEvent returns the perf event backing a fixed slot, opening it
// on first use.
func (p *PerfRegisters) fixedEvent(core int, slot counterfile.Slot) (*perf.Event, error) {
	key := coreSlot{core: core, slot: slot}
	if ev, ok := p.open[key]; ok {
		return ev, nil
	}
	attr := new(perf.Attr)
	var counter perf.HardwareCounter
	if s, ok := p.desc.Fixed[counterfile.CodeCycles]; ok && s == slot {
		counter = perf.CPUCycles
	} else if s, ok := p.desc.Fixed[counterfile.CodeInstructions]; ok && s == slot {
		counter = perf.Instructions
	} else {
		return nil, fmt.Errorf("%w: slot %d", ErrBadSlot, slot)
	}
	if err := counter.Configure(attr); err != nil {
		return nil, err
	}
	ev, err := p.openEvent(core, attr)
	if err != nil {
		return nil, err
	}
	p.open[key] = ev
	return ev, nil
}

func (p *PerfRegisters) ReadCounter(core int, slot counterfile.Slot) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	class, err := p.slotClass(slot)
	if err != nil {
		return 0, err
	}
	var ev *perf.Event
	if class == counterfile.ClassFixed {
		if ev, err = p.fixedEvent(core, slot); err != nil {
			return 0, err
		}
	} else {
		// A slot that never had a selector programmed reads as zero.
		var ok bool
		if ev, ok = p.open[coreSlot{core: core, slot: slot}]; !ok {
			return 0, nil
		}
	}
	count, err := ev.ReadCount()
	if err != nil {
		return 0, err
	}
	return count.Value & p.desc.MaskOf(class), nil
}

func (p *PerfRegisters) WriteEventSelector(core int, slot counterfile.Slot, code uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	class, err := p.slotClass(slot)
	if err != nil {
		return err
	}
	if class != counterfile.ClassEvent {
		return fmt.Errorf("%w: slot %d", ErrSelectorUnsupported, slot)
	}
	key := coreSlot{core: core, slot: slot}
	if code == 0 {
		if ev, ok := p.open[key]; ok {
			_ = ev.Disable()
		}
		return nil
	}
	if ev, ok := p.open[key]; ok {
		_ = ev.Close()
		delete(p.open, key)
	}
	attr := &perf.Attr{
		Type:   perf.RawEvent,
		Config: code,
	}
	ev, err := p.openEvent(core, attr)
	if err != nil {
		return fmt.Errorf("%w: %#x: %v", ErrBadEventCode, code, err)
	}
	p.open[key] = ev
	return nil
}

func (p *PerfRegisters) WriteCounter(core int, slot counterfile.Slot, _ uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.slotClass(slot); err != nil {
		return err
	}
	return fmt.Errorf("%w: slot %d", ErrWriteUnsupported, slot)
}
