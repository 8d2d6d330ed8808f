// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package counterhw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zongbox/vpmu/counterfile"
)

// testDescription is the baseline platform widened by four 8-bit event
// counters.
func testDescription(t *testing.T) *counterfile.Description {
	t.Helper()
	d := counterfile.Default()
	d.NumEventCounters = 4
	d.EventCounterWidth = 8
	require.NoError(t, d.Validate())
	return d
}

func TestSimulatedRead(t *testing.T) {
	d := testDescription(t)
	sim := NewSimulated(d, 2)

	v, err := sim.ReadCounter(0, counterfile.SlotCycles)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)

	sim.Add(0, counterfile.SlotCycles, 1234)
	v, err = sim.ReadCounter(0, counterfile.SlotCycles)
	require.NoError(t, err)
	require.Equal(t, uint64(1234), v)

	// The other core's registers are independent.
	v, err = sim.ReadCounter(1, counterfile.SlotCycles)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)

	// Event counters read back masked to their 8-bit width.
	slot := d.FirstEventSlot
	sim.Add(0, slot, 0x1ff)
	v, err = sim.ReadCounter(0, slot)
	require.NoError(t, err)
	require.Equal(t, uint64(0xff), v)
}

func TestSimulatedBadCoordinates(t *testing.T) {
	sim := NewSimulated(testDescription(t), 1)

	_, err := sim.ReadCounter(1, counterfile.SlotCycles)
	require.ErrorIs(t, err, ErrBadCore)

	_, err = sim.ReadCounter(-1, counterfile.SlotCycles)
	require.ErrorIs(t, err, ErrBadCore)

	// Slot 1 is the architectural timer, not a counter.
	_, err = sim.ReadCounter(0, counterfile.Slot(1))
	require.ErrorIs(t, err, ErrBadSlot)

	_, err = sim.ReadCounter(0, counterfile.Slot(counterfile.MaxSlots))
	require.ErrorIs(t, err, ErrBadSlot)

	_, err = sim.ReadCounter(0, counterfile.SlotNone)
	require.ErrorIs(t, err, ErrBadSlot)

	// Slots beyond the declared event counters do not exist either.
	_, err = sim.ReadCounter(0, counterfile.Slot(20))
	require.ErrorIs(t, err, ErrBadSlot)
}

func TestSimulatedSelectors(t *testing.T) {
	d := testDescription(t)
	sim := NewSimulated(d, 1)
	slot := d.FirstEventSlot

	require.NoError(t, sim.WriteEventSelector(0, slot, 0x11))
	require.Equal(t, uint64(0x11), sim.Selector(0, slot))

	require.NoError(t, sim.WriteEventSelector(0, slot, 0))
	require.Equal(t, uint64(0), sim.Selector(0, slot))

	err := sim.WriteEventSelector(0, counterfile.SlotCycles, 0x11)
	require.ErrorIs(t, err, ErrSelectorUnsupported)
}

func TestSimulatedValidator(t *testing.T) {
	d := testDescription(t)
	sim := NewSimulated(d, 1)
	sim.SetValidator(func(code uint64) bool { return code == 0x11 })
	slot := d.FirstEventSlot

	require.NoError(t, sim.WriteEventSelector(0, slot, 0x11))

	err := sim.WriteEventSelector(0, slot, 0x99)
	require.ErrorIs(t, err, ErrBadEventCode)
	// The rejected write must not clobber the previous selector.
	require.Equal(t, uint64(0x11), sim.Selector(0, slot))

	// Disabling is always accepted.
	require.NoError(t, sim.WriteEventSelector(0, slot, 0))
}

func TestSimulatedWriteCounter(t *testing.T) {
	d := testDescription(t)
	sim := NewSimulated(d, 1)

	err := sim.WriteCounter(0, counterfile.SlotCycles, 7)
	require.ErrorIs(t, err, ErrWriteUnsupported)

	err = sim.WriteCounter(0, d.FirstEventSlot, 7)
	require.ErrorIs(t, err, ErrWriteUnsupported)

	err = sim.WriteCounter(0, counterfile.Slot(1), 7)
	require.ErrorIs(t, err, ErrBadSlot)
}

func TestSimulatedAdvance(t *testing.T) {
	d := testDescription(t)
	sim := NewSimulated(d, 1)
	programmed := d.FirstEventSlot
	idle := d.FirstEventSlot + 1

	require.NoError(t, sim.WriteEventSelector(0, programmed, 0x11))
	sim.Advance(0, 5)

	v, err := sim.ReadCounter(0, counterfile.SlotCycles)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	v, err = sim.ReadCounter(0, counterfile.SlotInstructions)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	v, err = sim.ReadCounter(0, programmed)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	// Counters without a selector stay frozen.
	v, err = sim.ReadCounter(0, idle)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)

	// Once disabled, the register freezes at its last value.
	require.NoError(t, sim.WriteEventSelector(0, programmed, 0))
	sim.Advance(0, 3)
	v, err = sim.ReadCounter(0, programmed)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)
}

func TestSimulatedLine(t *testing.T) {
	sim := NewSimulated(testDescription(t), 2)
	line := sim.Line()

	// No handler installed yet.
	require.False(t, line.Trip(0))

	var gotCore int
	handler := func(core int) bool {
		gotCore = core
		return true
	}
	require.NoError(t, line.Request(handler))
	require.ErrorIs(t, line.Request(handler), ErrLineBusy)

	require.True(t, line.Trip(1))
	require.Equal(t, 1, gotCore)

	line.Release()
	require.False(t, line.Trip(0))
	require.NoError(t, line.Request(handler))
	line.Release()

	requests, releases := line.Counts()
	require.Equal(t, 2, requests)
	require.Equal(t, 2, releases)
}
