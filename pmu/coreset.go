// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/zongbox/vpmu/pmu"

import (
	"math/bits"
	"sync/atomic"

	"github.com/zongbox/vpmu/counterfile"
)

// coreSet tracks the counter slots of one core. Allocation is a plain
// bitmask: bit i of used claims slot firstEventSlot+i, so concurrent
// attachers race through CAS instead of a lock.
type coreSet struct {
	// nEvents counts events attached on this core, fixed and
	// event-class alike. It caps attachment at the physical counter
	// total before any slot is probed.
	nEvents atomic.Int32

	// used holds the claimed event-counter slots, lowest bit first.
	used atomic.Uint64

	// bound maps physical slots to the events that own them, for
	// overflow service.
	bound [counterfile.MaxSlots]atomic.Pointer[Event]
}

// allocate claims a slot for an event of the given class. Fixed-class
// codes get their dedicated slot; event-class codes get the lowest
// free programmable slot.
func (cs *coreSet) allocate(desc *counterfile.Description, code counterfile.Code,
	class counterfile.Class) (counterfile.Slot, error) {
	if class == counterfile.ClassFixed {
		slot, ok := desc.FixedSlot(code)
		if !ok {
			return counterfile.SlotNone, ErrNoSuchClass
		}
		// Fixed slots are dedicated per code and free-running, so two
		// events for the same code share the slot without conflict.
		return slot, nil
	}
	avail := uint64(1)<<desc.NumEventCounters - 1
	for {
		used := cs.used.Load()
		free := avail &^ used
		if free == 0 {
			return counterfile.SlotNone, ErrNoSpace
		}
		bit := bits.TrailingZeros64(free)
		if cs.used.CompareAndSwap(used, used|uint64(1)<<bit) {
			return desc.FirstEventSlot + counterfile.Slot(bit), nil
		}
		// Lost the race for this bit, pick again from the new mask.
	}
}

// releaseSlot returns an event-class slot to the free pool. Fixed
// slots are not tracked in the mask and need no release.
func (cs *coreSet) releaseSlot(desc *counterfile.Description, slot counterfile.Slot,
	class counterfile.Class) {
	if class != counterfile.ClassEvent {
		return
	}
	bit := uint(slot - desc.FirstEventSlot)
	cs.used.And(^(uint64(1) << bit))
}
