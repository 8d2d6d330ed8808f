// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package counterfile describes platform counter files: how many
// counters a platform carries, how wide they count, and how symbolic
// event requests resolve to the event codes the hardware understands.
package counterfile // import "github.com/zongbox/vpmu/counterfile"

import (
	"errors"
	"fmt"

	"github.com/zongbox/vpmu/events"
)

// Code is a platform event code as programmed into an event selector.
type Code uint64

// CodeUnsupported marks map entries the platform cannot count.
const CodeUnsupported = ^Code(0)

// Slot is a physical counter index.
type Slot int

// SlotNone marks an event not bound to any counter.
const SlotNone = Slot(-1)

// Class separates the two counter kinds of a platform.
type Class uint8

const (
	// ClassFixed counters are hardwired to one event each.
	ClassFixed Class = iota
	// ClassEvent counters count whatever their selector is programmed
	// with.
	ClassEvent
)

// String returns the lower-case name of the counter class.
func (c Class) String() string {
	if c == ClassFixed {
		return "fixed"
	}
	return "event"
}

const (
	// MaxEventCounters bounds the programmable counters a platform may
	// declare.
	MaxEventCounters = 29
	// MaxSlots bounds the physical slot namespace so that per-core
	// occupancy fits into a single 64-bit word.
	MaxSlots = 64
)

// Event codes and slots of the baseline fixed counters. Slot 1 holds
// the architectural timer and is never allocated.
const (
	CodeCycles       = Code(0)
	CodeInstructions = Code(2)

	SlotCycles       = Slot(0)
	SlotInstructions = Slot(2)
)

// Description declares the counter file of one platform.
//
// A description is read-only once validated; all methods may be called
// concurrently after that point.
type Description struct {
	// Name is the platform compatible string, e.g. "riscv,base-pmu".
	Name string

	// NumEventCounters is the number of programmable event counters.
	NumEventCounters int

	// FirstEventSlot is the physical slot of the first event counter.
	// The remaining event counters follow contiguously.
	FirstEventSlot Slot

	// BaseCounterWidth and EventCounterWidth give the significant bits
	// of the two counter classes, in [1, 64].
	BaseCounterWidth  uint
	EventCounterWidth uint

	// Fixed maps the event code of each fixed-function counter to its
	// physical slot.
	Fixed map[Code]Slot

	// HardwareMap resolves symbolic hardware events to event codes.
	HardwareMap [events.MaxHardware]Code

	// CacheMap resolves cache event tuples to event codes.
	CacheMap [events.MaxTier][events.MaxOp][events.MaxResult]Code
}

// Default returns the description of the baseline platform: the two
// fixed counters (cycles at slot 0, instructions at slot 2), no
// programmable event counters, and full 64-bit widths. Cache events
// are entirely unsupported.
func Default() *Description {
	d := &Description{
		Name:              "riscv,base-pmu",
		NumEventCounters:  0,
		FirstEventSlot:    3,
		BaseCounterWidth:  64,
		EventCounterWidth: 64,
		Fixed: map[Code]Slot{
			CodeCycles:       SlotCycles,
			CodeInstructions: SlotInstructions,
		},
	}
	for i := range d.HardwareMap {
		d.HardwareMap[i] = CodeUnsupported
	}
	d.HardwareMap[events.HwCPUCycles] = CodeCycles
	d.HardwareMap[events.HwInstructions] = CodeInstructions
	for tier := range d.CacheMap {
		for op := range d.CacheMap[tier] {
			for result := range d.CacheMap[tier][op] {
				d.CacheMap[tier][op][result] = CodeUnsupported
			}
		}
	}
	return d
}

// Validate checks the structural invariants of the description. A
// description must validate once after load; every other method
// assumes it holds.
func (d *Description) Validate() error {
	if d.BaseCounterWidth < 1 || d.BaseCounterWidth > 64 {
		return fmt.Errorf("base counter width %d out of range [1, 64]", d.BaseCounterWidth)
	}
	if d.EventCounterWidth < 1 || d.EventCounterWidth > 64 {
		return fmt.Errorf("event counter width %d out of range [1, 64]", d.EventCounterWidth)
	}
	if d.NumEventCounters < 0 || d.NumEventCounters > MaxEventCounters {
		return fmt.Errorf("%d event counters out of range [0, %d]",
			d.NumEventCounters, MaxEventCounters)
	}
	if d.FirstEventSlot < 0 {
		return fmt.Errorf("first event slot %d is negative", d.FirstEventSlot)
	}
	if int(d.FirstEventSlot)+d.NumEventCounters > MaxSlots {
		return fmt.Errorf("event slots %d..%d exceed the %d slot namespace",
			d.FirstEventSlot, int(d.FirstEventSlot)+d.NumEventCounters-1, MaxSlots)
	}
	claimed := make(map[Slot]Code, len(d.Fixed))
	for code, slot := range d.Fixed {
		if code == CodeUnsupported {
			return errors.New("the unsupported sentinel cannot name a fixed counter")
		}
		if slot < 0 || slot >= MaxSlots {
			return fmt.Errorf("fixed counter slot %d out of range", slot)
		}
		if other, dup := claimed[slot]; dup {
			return fmt.Errorf("fixed counter slot %d claimed by codes %#x and %#x",
				slot, other, code)
		}
		claimed[slot] = code
		if d.NumEventCounters > 0 && slot >= d.FirstEventSlot &&
			slot < d.FirstEventSlot+Slot(d.NumEventCounters) {
			return fmt.Errorf("fixed counter slot %d overlaps the event counter range", slot)
		}
	}
	return nil
}

var (
	// ErrUnsupported is returned for requests the platform cannot
	// count.
	ErrUnsupported = errors.New("event not supported by this platform")
	// ErrInvalidRange is returned when a request component lies outside
	// its mapping table, as opposed to mapping to no counter.
	ErrInvalidRange = errors.New("event component out of range")
)

// MapEvent resolves a request to the event code the platform counts it
// under. Raw codes pass through unmodified; the hardware rejects
// unknown ones when the selector is programmed.
func (d *Description) MapEvent(attr events.Attr) (Code, error) {
	switch attr.Type {
	case events.TypeHardware:
		if attr.Config >= events.MaxHardware {
			return CodeUnsupported, fmt.Errorf("%w: hardware event %d", ErrInvalidRange, attr.Config)
		}
		code := d.HardwareMap[attr.Config]
		if code == CodeUnsupported {
			return CodeUnsupported, fmt.Errorf("%w: %s", ErrUnsupported, attr)
		}
		return code, nil
	case events.TypeHWCache:
		tier, op, result := attr.CacheTuple()
		if tier >= events.MaxTier || op >= events.MaxOp || result >= events.MaxResult {
			return CodeUnsupported, fmt.Errorf("%w: cache tuple %d/%d/%d",
				ErrInvalidRange, tier, op, result)
		}
		code := d.CacheMap[tier][op][result]
		if code == CodeUnsupported {
			return CodeUnsupported, fmt.Errorf("%w: %s", ErrUnsupported, attr)
		}
		return code, nil
	case events.TypeRaw:
		return Code(attr.Config), nil
	}
	return CodeUnsupported, fmt.Errorf("%w: request type %d", ErrUnsupported, attr.Type)
}

// FixedSlot returns the physical slot of the fixed counter hardwired
// to code, if there is one.
func (d *Description) FixedSlot(code Code) (Slot, bool) {
	slot, ok := d.Fixed[code]
	return slot, ok
}

// ClassOf classifies an event code: codes with a fixed counter are
// ClassFixed, every other code programs an event counter.
func (d *Description) ClassOf(code Code) Class {
	if _, ok := d.Fixed[code]; ok {
		return ClassFixed
	}
	return ClassEvent
}

// WidthOf returns the significant bit count of a counter class.
func (d *Description) WidthOf(class Class) uint {
	if class == ClassFixed {
		return d.BaseCounterWidth
	}
	return d.EventCounterWidth
}

// MaskOf returns the bitmask covering the significant bits of a
// counter class.
func (d *Description) MaskOf(class Class) uint64 {
	width := d.WidthOf(class)
	if width >= 64 {
		return ^uint64(0)
	}
	return 1<<width - 1
}

// TotalCounters is the number of physical counters, fixed and event
// alike. It caps how many events can attach to one core at a time.
func (d *Description) TotalCounters() int {
	return len(d.Fixed) + d.NumEventCounters
}
