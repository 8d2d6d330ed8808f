// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package events models hardware counting-event requests and their
// perf-style names.
package events // import "github.com/zongbox/vpmu/events"

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Type identifies the kind of a counting-event request.
type Type uint32

const (
	// TypeHardware requests a symbolic hardware event (cycles,
	// instructions, ...) that the platform maps to an event code.
	TypeHardware Type = iota
	// TypeHWCache requests a hardware cache event described by a
	// (tier, op, result) tuple packed into Config.
	TypeHWCache
	// TypeRaw requests a platform event code verbatim.
	TypeRaw
)

// String returns the lower-case name of the request type.
func (t Type) String() string {
	switch t {
	case TypeHardware:
		return "hardware"
	case TypeHWCache:
		return "hw-cache"
	case TypeRaw:
		return "raw"
	}
	return "unknown"
}

// HardwareID enumerates the symbolic hardware events. The numbering is
// part of the platform description format and must not be reordered.
type HardwareID uint32

const (
	HwCPUCycles HardwareID = iota
	HwInstructions
	HwCacheReferences
	HwCacheMisses
	HwBranchInstructions
	HwBranchMisses
	HwBusCycles
)

// MaxHardware is the number of symbolic hardware events.
const MaxHardware = 7

// Cache event tuple dimensions. As with HardwareID, the numeric values
// index platform description tables.
type (
	CacheTier   uint32
	CacheOp     uint32
	CacheResult uint32
)

const (
	TierL1D CacheTier = iota
	TierL1I
	TierLL
	TierDTLB
	TierITLB
	TierBPU
	TierNode
)

const (
	OpRead CacheOp = iota
	OpWrite
	OpPrefetch
)

const (
	ResultAccess CacheResult = iota
	ResultMiss
)

const (
	MaxTier   = 7
	MaxOp     = 3
	MaxResult = 2
)

// Attr describes a single counting-event request.
type Attr struct {
	Type   Type
	Config uint64
}

// Hardware returns the request for a symbolic hardware event.
func Hardware(id HardwareID) Attr {
	return Attr{Type: TypeHardware, Config: uint64(id)}
}

// Cache returns the request for a hardware cache event.
func Cache(tier CacheTier, op CacheOp, result CacheResult) Attr {
	return Attr{Type: TypeHWCache, Config: CacheConfig(tier, op, result)}
}

// Raw returns the request for a platform event code used verbatim.
func Raw(code uint64) Attr {
	return Attr{Type: TypeRaw, Config: code}
}

// CacheConfig packs a cache event tuple into the Config encoding: the
// tier occupies bits 0-7, the op bits 8-15 and the result bits 16-23.
func CacheConfig(tier CacheTier, op CacheOp, result CacheResult) uint64 {
	return uint64(tier)&0xff | (uint64(op)&0xff)<<8 | (uint64(result)&0xff)<<16
}

// CacheTuple unpacks the cache event tuple from Config. The components
// are not range checked here; consumers validate against the Max
// bounds before indexing platform tables.
func (a Attr) CacheTuple() (CacheTier, CacheOp, CacheResult) {
	return CacheTier(a.Config & 0xff),
		CacheOp((a.Config >> 8) & 0xff),
		CacheResult((a.Config >> 16) & 0xff)
}

// ID returns a stable 64-bit identity for the request, suitable as a
// map key or a log/snapshot correlation ID.
// xxh3 is 4x faster than fnv.
func (a Attr) ID() uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a.Type))
	binary.LittleEndian.PutUint64(buf[4:12], a.Config)
	return xxh3.Hash(buf[:])
}
