// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package counterhw // import "github.com/zongbox/vpmu/counterhw"

import (
	"fmt"
	"sync"

	"github.com/zongbox/vpmu/counterfile"
)

// Simulated is an in-memory counter file. It models the baseline
// hardware closely enough to drive the full subsystem: counter reads
// are masked to the per-class width so wraparound behaves like the
// real registers, event counters advance only while a selector is
// programmed, and counter writes are rejected.
type Simulated struct {
	desc *counterfile.Description
	line *SimulatedLine

	// masks holds the per-slot read mask; 0 marks a slot that does not
	// exist on this platform.
	masks       [counterfile.MaxSlots]uint64
	hasSelector [counterfile.MaxSlots]bool

	mu        sync.Mutex
	cores     []simCore
	validator func(code uint64) bool
}

type simCore struct {
	counters  [counterfile.MaxSlots]uint64
	selectors [counterfile.MaxSlots]uint64
}

var _ Registers = (*Simulated)(nil)

// NewSimulated builds a simulated counter file with the given number
// of cores. The description must already be validated.
func NewSimulated(desc *counterfile.Description, cores int) *Simulated {
	s := &Simulated{
		desc:  desc,
		line:  &SimulatedLine{},
		cores: make([]simCore, cores),
	}
	for _, slot := range desc.Fixed {
		s.masks[slot] = desc.MaskOf(counterfile.ClassFixed)
	}
	for i := 0; i < desc.NumEventCounters; i++ {
		slot := desc.FirstEventSlot + counterfile.Slot(i)
		s.masks[slot] = desc.MaskOf(counterfile.ClassEvent)
		s.hasSelector[slot] = true
	}
	return s
}

// Line returns the overflow interrupt line of the simulated hardware.
func (s *Simulated) Line() *SimulatedLine {
	return s.line
}

// SetValidator installs a hardware-side check for selector values.
// Programming a nonzero code the validator rejects fails the write,
// like real hardware refusing an unimplemented event.
func (s *Simulated) SetValidator(f func(code uint64) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validator = f
}

func (s *Simulated) check(core int, slot counterfile.Slot) error {
	if core < 0 || core >= len(s.cores) {
		return fmt.Errorf("%w: core %d", ErrBadCore, core)
	}
	if slot < 0 || slot >= counterfile.MaxSlots || s.masks[slot] == 0 {
		return fmt.Errorf("%w: slot %d", ErrBadSlot, slot)
	}
	return nil
}

func (s *Simulated) ReadCounter(core int, slot counterfile.Slot) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(core, slot); err != nil {
		return 0, err
	}
	return s.cores[core].counters[slot] & s.masks[slot], nil
}

func (s *Simulated) WriteEventSelector(core int, slot counterfile.Slot, code uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(core, slot); err != nil {
		return err
	}
	if !s.hasSelector[slot] {
		return fmt.Errorf("%w: slot %d", ErrSelectorUnsupported, slot)
	}
	if code != 0 && s.validator != nil && !s.validator(code) {
		return fmt.Errorf("%w: %#x", ErrBadEventCode, code)
	}
	s.cores[core].selectors[slot] = code
	return nil
}

func (s *Simulated) WriteCounter(core int, slot counterfile.Slot, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(core, slot); err != nil {
		return err
	}
	return fmt.Errorf("%w: slot %d", ErrWriteUnsupported, slot)
}

// Selector returns the currently programmed selector of a slot.
func (s *Simulated) Selector(core int, slot counterfile.Slot) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cores[core].selectors[slot]
}

// Add advances a single raw counter register, regardless of selector
// state. Tests use it to script exact hardware readings; the slot must
// exist on the platform.
func (s *Simulated) Add(core int, slot counterfile.Slot, delta uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cores[core].counters[slot] += delta
}

// Advance models delta units of hardware progress on one core: fixed
// counters free-run, event counters move only while their selector is
// programmed.
func (s *Simulated) Advance(core int, delta uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if core < 0 || core >= len(s.cores) {
		return
	}
	c := &s.cores[core]
	for _, slot := range s.desc.Fixed {
		c.counters[slot] += delta
	}
	for i := 0; i < s.desc.NumEventCounters; i++ {
		slot := s.desc.FirstEventSlot + counterfile.Slot(i)
		if c.selectors[slot] != 0 {
			c.counters[slot] += delta
		}
	}
}

// SimulatedLine is the overflow interrupt line of a Simulated counter
// file. It keeps request/release tallies so tests can verify the
// reservation protocol.
type SimulatedLine struct {
	mu       sync.Mutex
	handler  Handler
	requests int
	releases int
}

var _ Line = (*SimulatedLine)(nil)

func (l *SimulatedLine) Request(h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		return ErrLineBusy
	}
	l.handler = h
	l.requests++
	return nil
}

func (l *SimulatedLine) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = nil
	l.releases++
}

// Trip delivers an overflow interrupt on core. It reports whether a
// handler was installed and claimed the interrupt.
func (l *SimulatedLine) Trip(core int) bool {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return false
	}
	return h(core)
}

// Counts returns how many times the line was requested and released.
func (l *SimulatedLine) Counts() (requests, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests, l.releases
}
