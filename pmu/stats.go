// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/zongbox/vpmu/pmu"

import "sync/atomic"

// stats holds the subsystem's own operational counters. They are
// polled by the metrics machinery rather than pushed, so hot paths pay
// one atomic add at most.
type stats struct {
	eventInits          atomic.Uint64
	initFailures        atomic.Uint64
	reservationRequests atomic.Uint64
	reservationReleases atomic.Uint64
	reservationBusy     atomic.Uint64
	attachNoSpace       atomic.Uint64
	readRetries         atomic.Uint64
	stateViolations     atomic.Uint64
	overflowInterrupts  atomic.Uint64
}

// Stats is a snapshot of the subsystem's operational counters.
type Stats struct {
	// EventInits counts successful event initializations.
	EventInits uint64
	// InitFailures counts event requests that failed to map or to
	// reserve the hardware.
	InitFailures uint64
	// ReservationRequests counts interrupt line acquisitions.
	ReservationRequests uint64
	// ReservationReleases counts interrupt line releases.
	ReservationReleases uint64
	// ReservationBusy counts acquisitions refused by the line holder.
	ReservationBusy uint64
	// AttachNoSpace counts attachments refused for lack of a counter.
	AttachNoSpace uint64
	// ReadRetries counts folds that lost the baseline race and ran
	// again.
	ReadRetries uint64
	// StateViolations counts rejected or tolerated lifecycle calls
	// that broke the event state contract.
	StateViolations uint64
	// OverflowInterrupts counts serviced overflow interrupts.
	OverflowInterrupts uint64
	// ActiveEvents is the number of live events right now.
	ActiveEvents int64
}

// Stats returns a snapshot of the operational counters.
func (p *PMU) Stats() Stats {
	return Stats{
		EventInits:          p.stats.eventInits.Load(),
		InitFailures:        p.stats.initFailures.Load(),
		ReservationRequests: p.stats.reservationRequests.Load(),
		ReservationReleases: p.stats.reservationReleases.Load(),
		ReservationBusy:     p.stats.reservationBusy.Load(),
		AttachNoSpace:       p.stats.attachNoSpace.Load(),
		ReadRetries:         p.stats.readRetries.Load(),
		StateViolations:     p.stats.stateViolations.Load(),
		OverflowInterrupts:  p.stats.overflowInterrupts.Load(),
		ActiveEvents:        p.active.Load(),
	}
}
