// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zongbox/vpmu/counterfile"
	"github.com/zongbox/vpmu/counterhw"
	"github.com/zongbox/vpmu/events"
	"github.com/zongbox/vpmu/pmu"
)

const testCores = 4

type captureConsumer struct {
	mu      sync.Mutex
	batches [][]Sample
}

func (c *captureConsumer) ConsumeSamples(samples []Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]Sample, len(samples))
	copy(batch, samples)
	c.batches = append(c.batches, batch)
}

func (c *captureConsumer) take() [][]Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

type chanConsumer struct {
	ch chan []Sample
}

func (c chanConsumer) ConsumeSamples(samples []Sample) {
	batch := make([]Sample, len(samples))
	copy(batch, samples)
	c.ch <- batch
}

func testSetup(t *testing.T) (*pmu.PMU, *counterhw.Simulated) {
	t.Helper()
	desc := counterfile.Default()
	desc.Name = "riscv,test-pmu"
	desc.NumEventCounters = 4
	desc.EventCounterWidth = 32
	desc.HardwareMap[events.HwCacheMisses] = 0x11
	hw := counterhw.NewSimulated(desc, testCores)
	p, err := pmu.New(desc, hw, pmu.WithCores(testCores))
	require.NoError(t, err)
	return p, hw
}

func startedEvent(t *testing.T, p *pmu.PMU, attr events.Attr, core int) *pmu.Event {
	t.Helper()
	ev, err := p.NewEvent(attr)
	require.NoError(t, err)
	require.NoError(t, ev.Attach(core, pmu.FlagStart))
	return ev
}

func TestSweepPublishesSamples(t *testing.T) {
	p, hw := testSetup(t)
	cycles := startedEvent(t, p, events.Hardware(events.HwCPUCycles), 0)
	misses := startedEvent(t, p, events.Hardware(events.HwCacheMisses), 1)
	defer cycles.Close()
	defer misses.Close()

	consumer := &captureConsumer{}
	pl := New(consumer)
	pl.Track(cycles)
	pl.Track(misses)
	require.Equal(t, 2, pl.Tracked())

	hw.Advance(0, 500)
	hw.Add(1, misses.Slot(), 42)
	pl.SweepNow()

	batches := consumer.take()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)

	byName := make(map[string]Sample, 2)
	for _, s := range batches[0] {
		byName[s.Name] = s
	}
	require.Equal(t, uint64(500), byName["cpu-cycles"].Count)
	require.Equal(t, 0, byName["cpu-cycles"].Core)
	require.Equal(t, uint64(42), byName["cache-misses"].Count)
	require.Equal(t, 1, byName["cache-misses"].Core)
	require.Equal(t, misses.Slot(), byName["cache-misses"].Slot)
	require.Equal(t, counterfile.Code(0x11), byName["cache-misses"].Code)

	// Counts accumulate across sweeps.
	hw.Add(1, misses.Slot(), 8)
	pl.SweepNow()
	batches = consumer.take()
	require.Len(t, batches, 2)
	byName = make(map[string]Sample, 2)
	for _, s := range batches[1] {
		byName[s.Name] = s
	}
	require.Equal(t, uint64(50), byName["cache-misses"].Count)
}

func TestSweepSkipsDetached(t *testing.T) {
	p, hw := testSetup(t)
	misses := startedEvent(t, p, events.Hardware(events.HwCacheMisses), 0)
	defer misses.Close()

	idle, err := p.NewEvent(events.Hardware(events.HwCPUCycles))
	require.NoError(t, err)
	defer idle.Close()

	consumer := &captureConsumer{}
	pl := New(consumer)
	pl.Track(misses)
	pl.Track(idle)

	hw.Add(0, misses.Slot(), 7)
	pl.SweepNow()

	batches := consumer.take()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, "cache-misses", batches[0][0].Name)
	require.Equal(t, 2, pl.Tracked())
}

func TestSweepWithoutSamplesPublishesNothing(t *testing.T) {
	p, _ := testSetup(t)
	idle, err := p.NewEvent(events.Hardware(events.HwCPUCycles))
	require.NoError(t, err)
	defer idle.Close()

	consumer := &captureConsumer{}
	pl := New(consumer)
	pl.Track(idle)
	pl.SweepNow()
	require.Empty(t, consumer.take())
}

func TestUntrack(t *testing.T) {
	p, hw := testSetup(t)
	cycles := startedEvent(t, p, events.Hardware(events.HwCPUCycles), 0)
	misses := startedEvent(t, p, events.Hardware(events.HwCacheMisses), 0)
	defer cycles.Close()
	defer misses.Close()

	consumer := &captureConsumer{}
	pl := New(consumer)
	pl.Track(cycles)
	pl.Track(misses)
	pl.Untrack(cycles)
	require.Equal(t, 1, pl.Tracked())

	hw.Add(0, misses.Slot(), 3)
	pl.SweepNow()
	batches := consumer.take()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, "cache-misses", batches[0][0].Name)

	// Untracking an unknown event is a no-op.
	pl.Untrack(cycles)
	require.Equal(t, 1, pl.Tracked())
}

func TestStartTriggerNow(t *testing.T) {
	p, hw := testSetup(t)
	misses := startedEvent(t, p, events.Hardware(events.HwCacheMisses), 2)
	defer misses.Close()

	consumer := chanConsumer{ch: make(chan []Sample, 4)}
	pl := New(consumer, WithInterval(time.Hour))
	pl.Track(misses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := pl.Start(ctx)
	defer stop()

	hw.Add(2, misses.Slot(), 21)
	pl.TriggerNow()

	select {
	case batch := <-consumer.ch:
		require.Len(t, batch, 1)
		require.Equal(t, uint64(21), batch[0].Count)
		require.Equal(t, 2, batch[0].Core)
	case <-time.After(5 * time.Second):
		t.Fatal("no sweep after manual trigger")
	}
}
