// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package pmumetrics reports the operational metrics of the counter
subsystem.

The package is assumed and designed to run only once in the agent
(singleton). Starting it twice would report the same movements twice.

The subsystem keeps its counters as plain atomics; this package polls a
snapshot per interval, converts the movement since the previous
snapshot into a metrics batch and hands it to the metrics package.

Example code from the agent to start reporting with a 1s interval:

	defer pmumetrics.Start(mainCtx, subsystem, 1*time.Second)()
*/
package pmumetrics // import "github.com/zongbox/vpmu/metrics/pmumetrics"

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zongbox/vpmu/metrics"
	"github.com/zongbox/vpmu/periodiccaller"
	"github.com/zongbox/vpmu/pmu"
)

var (
	// subsystem is the PMU instance being observed.
	subsystem *pmu.PMU

	// prev is the snapshot deltas are computed against.
	prev pmu.Stats

	// onceStart helps to make this package a thread-safe singleton
	onceStart sync.Once

	// onceStop helps to make this package a thread-safe singleton
	onceStop sync.Once
)

// collect converts the movement between two snapshots into a metrics
// batch. Counters report the movement, gauges the current value.
func collect(prev, cur pmu.Stats) []metrics.Metric {
	return []metrics.Metric{
		{ID: metrics.IDEventInits,
			Value: metrics.MetricValue(cur.EventInits - prev.EventInits)},
		{ID: metrics.IDEventInitFailures,
			Value: metrics.MetricValue(cur.InitFailures - prev.InitFailures)},
		{ID: metrics.IDReservationRequests,
			Value: metrics.MetricValue(cur.ReservationRequests - prev.ReservationRequests)},
		{ID: metrics.IDReservationReleases,
			Value: metrics.MetricValue(cur.ReservationReleases - prev.ReservationReleases)},
		{ID: metrics.IDReservationBusy,
			Value: metrics.MetricValue(cur.ReservationBusy - prev.ReservationBusy)},
		{ID: metrics.IDAttachNoSpace,
			Value: metrics.MetricValue(cur.AttachNoSpace - prev.AttachNoSpace)},
		{ID: metrics.IDReadRetries,
			Value: metrics.MetricValue(cur.ReadRetries - prev.ReadRetries)},
		{ID: metrics.IDStateViolations,
			Value: metrics.MetricValue(cur.StateViolations - prev.StateViolations)},
		{ID: metrics.IDOverflowInterrupts,
			Value: metrics.MetricValue(cur.OverflowInterrupts - prev.OverflowInterrupts)},
		{ID: metrics.IDActiveEvents,
			Value: metrics.MetricValue(cur.ActiveEvents)},
	}
}

// report polls the subsystem and reports the movement to the metrics package.
func report() {
	st := subsystem.Stats()
	metrics.AddSlice(collect(prev, st))
	prev = st
}

// Start starts the counter subsystem metric retrieval and reporting.
func Start(ctx context.Context, p *pmu.PMU, interval time.Duration) func() {
	var stopPeriodic func()

	onceStart.Do(func() { // <-- atomic, does not allow repeating
		if p == nil {
			log.Errorf("Failed to start PMU metrics: no subsystem given")
			return
		}
		subsystem = p

		// Baseline the counters so activity from before Start is not
		// reported as a first-interval spike.
		prev = p.Stats()

		if interval != 0 {
			log.Infof("Start PMU metrics")
			stopPeriodic = periodiccaller.Start(ctx, interval, report)
		}
	})

	// return a one-time close function to avoid leaks
	return func() {
		onceStop.Do(func() { // <-- atomic, does not allow repeating
			if stopPeriodic != nil {
				stopPeriodic()
			}
		})
	}
}
