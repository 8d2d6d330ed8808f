// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package poller periodically folds the counts of a tracked set of
// counting events and publishes the observations.
package poller // import "github.com/zongbox/vpmu/poller"

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zongbox/vpmu/counterfile"
	"github.com/zongbox/vpmu/metrics"
	"github.com/zongbox/vpmu/periodiccaller"
	"github.com/zongbox/vpmu/pmu"
	"github.com/zongbox/vpmu/util"
)

// Sample is one counter observation taken during a sweep.
type Sample struct {
	// Timestamp is the sweep time in Unix seconds.
	Timestamp uint32 `json:"timestamp"`
	// Name is the human-readable event name.
	Name string `json:"name"`
	// Core and Slot locate the counter the observation came from.
	Core int              `json:"core"`
	Slot counterfile.Slot `json:"slot"`
	// Code is the platform event code programmed for the sample.
	Code counterfile.Code `json:"code"`
	// Count is the accumulated count at sweep time.
	Count uint64 `json:"count"`
}

// Consumer receives the samples of every sweep.
type Consumer interface {
	ConsumeSamples(samples []Sample)
}

const defaultInterval = 1 * time.Second

// Poller sweeps tracked events on a fixed interval. Tracking and
// sweeping are safe for concurrent use.
type Poller struct {
	consumer Consumer
	interval time.Duration

	mu      sync.RWMutex
	tracked []*pmu.Event

	trigger chan bool

	// maxSweepMicros holds the longest sweep since the last report.
	maxSweepMicros atomic.Uint32
}

// Option adjusts the construction of a Poller.
type Option func(*Poller)

// WithInterval overrides the default 1s sweep interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// New builds a poller that publishes every sweep to consumer.
func New(consumer Consumer, opts ...Option) *Poller {
	p := &Poller{
		consumer: consumer,
		interval: defaultInterval,
		trigger:  make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Track adds an event to the sweep set. Events may be added while the
// poller is running.
func (p *Poller) Track(ev *pmu.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked = append(p.tracked, ev)
}

// Untrack removes an event from the sweep set.
func (p *Poller) Untrack(ev *pmu.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, tracked := range p.tracked {
		if tracked == ev {
			p.tracked = append(p.tracked[:i], p.tracked[i+1:]...)
			return
		}
	}
}

// Tracked returns the number of events in the sweep set.
func (p *Poller) Tracked() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tracked)
}

// TriggerNow schedules an immediate sweep without waiting for the
// interval tick. A sweep already pending is enough.
func (p *Poller) TriggerNow() {
	select {
	case p.trigger <- true:
	default:
	}
}

// Start sweeps until ctx is canceled. The returned function stops the
// poller.
func (p *Poller) Start(ctx context.Context) func() {
	return periodiccaller.StartWithManualTrigger(ctx, p.interval, p.trigger,
		func(bool) { p.sweep() })
}

// SweepNow folds and publishes on the caller's goroutine. Meant for a
// final flush once the periodic loop has stopped.
func (p *Poller) SweepNow() {
	p.sweep()
}

// sweep folds every tracked event and publishes the batch.
func (p *Poller) sweep() {
	start := time.Now()
	now := uint32(start.Unix())

	p.mu.RLock()
	events := make([]*pmu.Event, len(p.tracked))
	copy(events, p.tracked)
	p.mu.RUnlock()

	samples := make([]Sample, 0, len(events))
	readErrors := 0
	for _, ev := range events {
		if ev.Slot() == counterfile.SlotNone {
			// Tracked but currently detached, nothing to observe.
			continue
		}
		if err := ev.Read(); err != nil {
			readErrors++
			log.Debugf("Folding %s on core %d: %v", ev.Attr(), ev.Core(), err)
			continue
		}
		samples = append(samples, Sample{
			Timestamp: now,
			Name:      ev.Attr().String(),
			Core:      ev.Core(),
			Slot:      ev.Slot(),
			Code:      ev.Code(),
			Count:     ev.Count(),
		})
	}
	if p.consumer != nil && len(samples) > 0 {
		p.consumer.ConsumeSamples(samples)
	}

	util.AtomicUpdateMaxUint32(&p.maxSweepMicros,
		uint32(time.Since(start).Microseconds()))
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDPollSweeps, Value: 1},
		{ID: metrics.IDPollReadErrors, Value: metrics.MetricValue(readErrors)},
		{ID: metrics.IDPollMaxSweepMicros,
			Value: metrics.MetricValue(p.maxSweepMicros.Swap(0))},
	})
}
