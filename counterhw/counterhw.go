// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package counterhw gives raw access to the counter file of a
// platform: reading counter registers, programming event selectors and
// holding the shared overflow interrupt line. The package carries an
// in-memory simulation of the baseline hardware and, on Linux, a
// backend over the kernel perf subsystem.
package counterhw // import "github.com/zongbox/vpmu/counterhw"

import (
	"errors"

	"github.com/zongbox/vpmu/counterfile"
)

var (
	// ErrBadCore is returned for cores outside the platform.
	ErrBadCore = errors.New("no such core")
	// ErrBadSlot is returned for slots outside the counter file.
	ErrBadSlot = errors.New("no such counter slot")
	// ErrWriteUnsupported is returned by hardware whose counter
	// registers cannot be written.
	ErrWriteUnsupported = errors.New("counter registers are read-only")
	// ErrSelectorUnsupported is returned when programming an event
	// selector on a counter that has none.
	ErrSelectorUnsupported = errors.New("counter has no event selector")
	// ErrBadEventCode is returned when the hardware rejects a selector
	// value it does not implement.
	ErrBadEventCode = errors.New("event code rejected by hardware")
	// ErrLineBusy is returned when requesting an interrupt line that
	// already has a holder.
	ErrLineBusy = errors.New("interrupt line busy")
)

// Registers is the raw counter file access of one platform.
//
// Implementations must tolerate concurrent calls; the accumulation
// engine reads counters from several goroutines at once.
type Registers interface {
	// ReadCounter returns the current raw value of a counter, already
	// masked to the platform counter width.
	ReadCounter(core int, slot counterfile.Slot) (uint64, error)

	// WriteEventSelector programs what an event counter counts. Code 0
	// disables the counter. Fixed counters have no selector.
	WriteEventSelector(core int, slot counterfile.Slot, code uint64) error

	// WriteCounter sets a counter register. Hardware without writable
	// counters fails with ErrWriteUnsupported.
	WriteCounter(core int, slot counterfile.Slot, value uint64) error
}

// Handler services a counter overflow interrupt on one core and
// reports whether the interrupt belonged to the counter subsystem.
type Handler func(core int) bool

// Line is a shared overflow interrupt line. A line accepts a single
// holder at a time; the holder installs one handler for all cores.
type Line interface {
	// Request installs the handler. Requesting a held line fails with
	// ErrLineBusy.
	Request(h Handler) error

	// Release uninstalls the handler and frees the line.
	Release()
}
