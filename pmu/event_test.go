// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package pmu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zongbox/vpmu/counterfile"
	"github.com/zongbox/vpmu/counterhw"
	"github.com/zongbox/vpmu/events"
)

func TestEventReadDeltas(t *testing.T) {
	p, hw, _ := testSetup(t)
	ev, err := p.NewEvent(events.Hardware(events.HwCacheMisses))
	require.NoError(t, err)
	require.Equal(t, counterfile.ClassEvent, ev.Class())
	require.EqualValues(t, 0x11, ev.Code())

	require.NoError(t, ev.Attach(0, 0))
	slot := ev.Slot()
	require.Equal(t, counterfile.Slot(3), slot)

	// Stale residue from an earlier tenant of the slot must not leak
	// into the count: the start baseline swallows it.
	hw.Add(0, slot, 250)
	require.NoError(t, ev.Start(FlagReload))
	require.EqualValues(t, 0, ev.Count())
	require.EqualValues(t, 0x11, hw.Selector(0, slot))

	// 250+11 wraps to 5 on the 8 bit counter; the masked delta still
	// comes out as 11.
	hw.Add(0, slot, 11)
	require.NoError(t, ev.Read())
	require.EqualValues(t, 11, ev.Count())

	hw.Add(0, slot, 5)
	require.NoError(t, ev.Read())
	require.EqualValues(t, 16, ev.Count())

	require.NoError(t, ev.Stop(FlagUpdate))
	require.EqualValues(t, 16, ev.Count())
	require.EqualValues(t, 0, hw.Selector(0, slot))
	require.NoError(t, ev.Detach())
	require.NoError(t, ev.Close())
}

func TestEventRestartAccumulation(t *testing.T) {
	p, hw, _ := testSetup(t)
	ev, err := p.NewEvent(events.Raw(0x42))
	require.NoError(t, err)
	require.NoError(t, ev.Attach(1, FlagStart))
	slot := ev.Slot()

	hw.Add(1, slot, 100)
	require.NoError(t, ev.Stop(FlagUpdate))
	require.EqualValues(t, 100, ev.Count())

	// The window while stopped is not counted.
	hw.Add(1, slot, 50)
	require.NoError(t, ev.Start(FlagReload))
	hw.Add(1, slot, 25)
	require.NoError(t, ev.Read())
	require.EqualValues(t, 125, ev.Count())
	require.NoError(t, ev.Close())
}

func TestEventStaleReload(t *testing.T) {
	p, hw, _ := testSetup(t)
	ev, err := p.NewEvent(events.Raw(0x42))
	require.NoError(t, err)
	require.NoError(t, ev.Attach(0, FlagStart))
	slot := ev.Slot()

	// A stop without FlagUpdate leaves the count stale; reloading over
	// it is tolerated but loses the unfolded window.
	hw.Add(0, slot, 40)
	require.NoError(t, ev.Stop(0))
	require.EqualValues(t, 0, ev.Count())

	before := p.Stats().StateViolations
	require.NoError(t, ev.Start(FlagReload))
	require.Equal(t, before+1, p.Stats().StateViolations)

	hw.Add(0, slot, 7)
	require.NoError(t, ev.Read())
	require.EqualValues(t, 7, ev.Count())
	require.NoError(t, ev.Close())
}

func TestEventLifecycleViolations(t *testing.T) {
	tests := map[string]struct {
		prep func(t *testing.T, ev *Event)
		op   func(ev *Event) error
	}{
		"attach twice": {
			prep: func(t *testing.T, ev *Event) { require.NoError(t, ev.Attach(0, 0)) },
			op:   func(ev *Event) error { return ev.Attach(1, 0) },
		},
		"attach closed": {
			prep: func(t *testing.T, ev *Event) { require.NoError(t, ev.Close()) },
			op:   func(ev *Event) error { return ev.Attach(0, 0) },
		},
		"start detached": {
			op: func(ev *Event) error { return ev.Start(0) },
		},
		"start running": {
			prep: func(t *testing.T, ev *Event) { require.NoError(t, ev.Attach(0, FlagStart)) },
			op:   func(ev *Event) error { return ev.Start(0) },
		},
		"stop detached": {
			op: func(ev *Event) error { return ev.Stop(0) },
		},
		"stop stopped": {
			prep: func(t *testing.T, ev *Event) { require.NoError(t, ev.Attach(0, 0)) },
			op:   func(ev *Event) error { return ev.Stop(FlagUpdate) },
		},
		"read detached": {
			op: func(ev *Event) error { return ev.Read() },
		},
		"detach unbound": {
			op: func(ev *Event) error { return ev.Detach() },
		},
		"close twice": {
			prep: func(t *testing.T, ev *Event) { require.NoError(t, ev.Close()) },
			op:   func(ev *Event) error { return ev.Close() },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, _, _ := testSetup(t)
			ev, err := p.NewEvent(events.Raw(0x42))
			require.NoError(t, err)
			if tc.prep != nil {
				tc.prep(t, ev)
			}
			require.ErrorIs(t, tc.op(ev), ErrInvalidState)
			require.GreaterOrEqual(t, p.Stats().StateViolations, uint64(1))
		})
	}
}

func TestEventRejectedCallsLeaveStateIntact(t *testing.T) {
	p, hw, _ := testSetup(t)
	ev, err := p.NewEvent(events.Raw(7))
	require.NoError(t, err)
	require.NoError(t, ev.Attach(2, FlagStart))
	slot := ev.Slot()

	// A rejected start must not disturb the running counter.
	require.ErrorIs(t, ev.Start(0), ErrInvalidState)
	require.True(t, ev.Running())
	hw.Add(2, slot, 30)
	require.NoError(t, ev.Read())
	require.EqualValues(t, 30, ev.Count())

	// A rejected stop must not fold anything or touch the selector.
	require.NoError(t, ev.Stop(FlagUpdate))
	hw.Add(2, slot, 9)
	require.ErrorIs(t, ev.Stop(FlagUpdate), ErrInvalidState)
	require.EqualValues(t, 30, ev.Count())
	require.False(t, ev.Running())
	require.NoError(t, ev.Close())
}

func TestEventDetachWhileRunning(t *testing.T) {
	p, hw, _ := testSetup(t)
	ev, err := p.NewEvent(events.Raw(0x42))
	require.NoError(t, err)
	require.NoError(t, ev.Attach(0, FlagStart))
	slot := ev.Slot()

	// Detaching a running event is a contract violation, but the slot
	// comes back and the abandoned counter is disabled.
	before := p.Stats().StateViolations
	require.NoError(t, ev.Detach())
	require.Equal(t, counterfile.SlotNone, ev.Slot())
	require.Equal(t, -1, ev.Core())
	require.EqualValues(t, 0, hw.Selector(0, slot))
	require.Equal(t, before+1, p.Stats().StateViolations)

	ev2, err := p.NewEvent(events.Raw(0x43))
	require.NoError(t, err)
	require.NoError(t, ev2.Attach(0, 0))
	require.Equal(t, slot, ev2.Slot())
	require.NoError(t, ev2.Close())
	require.NoError(t, ev.Close())
}

func TestEventCloseDetaches(t *testing.T) {
	p, _, line := testSetup(t)
	ev, err := p.NewEvent(events.Raw(0x42))
	require.NoError(t, err)
	require.NoError(t, ev.Attach(3, FlagStart))
	require.NoError(t, ev.Stop(FlagUpdate))

	require.NoError(t, ev.Close())
	require.Equal(t, counterfile.SlotNone, ev.Slot())
	require.EqualValues(t, 0, p.ActiveEvents())
	_, releases := line.Counts()
	require.Equal(t, 1, releases)
}

func TestFixedCounters(t *testing.T) {
	p, hw, _ := testSetup(t)
	cyc, err := p.NewEvent(events.Hardware(events.HwCPUCycles))
	require.NoError(t, err)
	require.Equal(t, counterfile.ClassFixed, cyc.Class())
	require.NoError(t, cyc.Attach(0, FlagStart))
	require.Equal(t, counterfile.SlotCycles, cyc.Slot())

	ins, err := p.NewEvent(events.Hardware(events.HwInstructions))
	require.NoError(t, err)
	require.NoError(t, ins.Attach(0, FlagStart))
	require.Equal(t, counterfile.SlotInstructions, ins.Slot())

	hw.Advance(0, 500)
	require.NoError(t, cyc.Read())
	require.NoError(t, ins.Read())
	require.EqualValues(t, 500, cyc.Count())
	require.EqualValues(t, 500, ins.Count())

	// Fixed counters free-run, so a second cycles event shares the
	// slot and counts from its own baseline.
	cyc2, err := p.NewEvent(events.Hardware(events.HwCPUCycles))
	require.NoError(t, err)
	require.NoError(t, cyc2.Attach(0, FlagStart))
	require.Equal(t, counterfile.SlotCycles, cyc2.Slot())

	hw.Advance(0, 10)
	require.NoError(t, cyc.Read())
	require.NoError(t, cyc2.Read())
	require.EqualValues(t, 510, cyc.Count())
	require.EqualValues(t, 10, cyc2.Count())

	for _, ev := range []*Event{cyc, cyc2, ins} {
		require.NoError(t, ev.Close())
	}
}

func TestConcurrentReaders(t *testing.T) {
	desc := testDescription()
	desc.EventCounterWidth = 32
	hw := counterhw.NewSimulated(desc, 1)
	p, err := New(desc, hw, WithCores(1), WithLine(hw.Line()))
	require.NoError(t, err)

	ev, err := p.NewEvent(events.Raw(0x42))
	require.NoError(t, err)
	require.NoError(t, ev.Attach(0, FlagStart))
	slot := ev.Slot()

	// One writer advances the counter while several readers fold
	// concurrently. Every increment must be folded exactly once.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			hw.Add(0, slot, 3)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				if err := ev.Read(); err != nil {
					t.Errorf("read: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, ev.Read())
	require.EqualValues(t, 15000, ev.Count())
	require.NoError(t, ev.Close())
}
