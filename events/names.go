// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package events // import "github.com/zongbox/vpmu/events"

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/zongbox/vpmu/util"
)

// Canonical names, indexed by HardwareID.
var hardwareNames = [MaxHardware]string{
	"cpu-cycles",
	"instructions",
	"cache-references",
	"cache-misses",
	"branch-instructions",
	"branch-misses",
	"bus-cycles",
}

// Accepted spellings, including the aliases perf accepts.
var hardwareByName = map[string]HardwareID{
	"cpu-cycles":          HwCPUCycles,
	"cycles":              HwCPUCycles,
	"instructions":        HwInstructions,
	"cache-references":    HwCacheReferences,
	"cache-misses":        HwCacheMisses,
	"branch-instructions": HwBranchInstructions,
	"branches":            HwBranchInstructions,
	"branch-misses":       HwBranchMisses,
	"bus-cycles":          HwBusCycles,
}

type cacheName struct {
	name string
	val  uint32
}

// Longer names first so greedy prefix matching picks the most specific
// spelling.
var cacheTierNames = []cacheName{
	{"Instruction-TLB", uint32(TierITLB)},
	{"L1-instruction", uint32(TierL1I)},
	{"L1-dcache", uint32(TierL1D)},
	{"L1-icache", uint32(TierL1I)},
	{"Data-TLB", uint32(TierDTLB)},
	{"branches", uint32(TierBPU)},
	{"L1-data", uint32(TierL1D)},
	{"branch", uint32(TierBPU)},
	{"d-tlb", uint32(TierDTLB)},
	{"i-tlb", uint32(TierITLB)},
	{"dTLB", uint32(TierDTLB)},
	{"iTLB", uint32(TierITLB)},
	{"node", uint32(TierNode)},
	{"l1-d", uint32(TierL1D)},
	{"l1-i", uint32(TierL1I)},
	{"LLC", uint32(TierLL)},
	{"l1d", uint32(TierL1D)},
	{"l1i", uint32(TierL1I)},
	{"bpu", uint32(TierBPU)},
	{"btb", uint32(TierBPU)},
	{"bpc", uint32(TierBPU)},
	{"L2", uint32(TierLL)},
}

var cacheOpNames = []cacheName{
	{"speculative-read", uint32(OpPrefetch)},
	{"speculative-load", uint32(OpPrefetch)},
	{"prefetches", uint32(OpPrefetch)},
	{"prefetch", uint32(OpPrefetch)},
	{"stores", uint32(OpWrite)},
	{"loads", uint32(OpRead)},
	{"store", uint32(OpWrite)},
	{"write", uint32(OpWrite)},
	{"load", uint32(OpRead)},
	{"read", uint32(OpRead)},
}

var cacheResultNames = []cacheName{
	{"Reference", uint32(ResultAccess)},
	{"access", uint32(ResultAccess)},
	{"misses", uint32(ResultMiss)},
	{"miss", uint32(ResultMiss)},
	{"refs", uint32(ResultAccess)},
	{"ops", uint32(ResultAccess)},
}

// Combinations perf considers meaningful per tier, as a bitmap of ops.
var cacheOpsAllowed = [MaxTier]uint8{
	TierL1D:  1<<OpRead | 1<<OpWrite | 1<<OpPrefetch,
	TierL1I:  1<<OpRead | 1<<OpPrefetch,
	TierLL:   1<<OpRead | 1<<OpWrite | 1<<OpPrefetch,
	TierDTLB: 1<<OpRead | 1<<OpWrite | 1<<OpPrefetch,
	TierITLB: 1 << OpRead,
	TierBPU:  1 << OpRead,
	TierNode: 1<<OpRead | 1<<OpWrite | 1<<OpPrefetch,
}

// Canonical spellings for formatting.
var (
	cacheTierCanonical = [MaxTier]string{
		"L1-dcache", "L1-icache", "LLC", "dTLB", "iTLB", "branch", "node",
	}
	cacheOpPlural   = [MaxOp]string{"loads", "stores", "prefetches"}
	cacheOpSingular = [MaxOp]string{"load", "store", "prefetch"}
)

// String renders the request under its canonical perf-style name, e.g.
// "cpu-cycles", "L1-dcache-load-misses" or "r11".
func (a Attr) String() string {
	switch a.Type {
	case TypeHardware:
		if a.Config < MaxHardware {
			return hardwareNames[a.Config]
		}
	case TypeHWCache:
		tier, op, result := a.CacheTuple()
		if tier < MaxTier && op < MaxOp && result < MaxResult {
			if result == ResultMiss {
				return cacheTierCanonical[tier] + "-" + cacheOpSingular[op] + "-misses"
			}
			return cacheTierCanonical[tier] + "-" + cacheOpPlural[op]
		}
	case TypeRaw:
		return "r" + strconv.FormatUint(a.Config, 16)
	}
	return fmt.Sprintf("%s-0x%x", a.Type, a.Config)
}

// parseCacheSize covers every accepted spelling of the symbolic and
// legacy cache events, plus a tail for raw codes.
var parseCacheSize = util.NextPowerOfTwo(uint32(
	len(hardwareByName) + len(cacheTierNames)*MaxOp*MaxResult + 64))

// Xxh3 turned out to be the fastest hash function for strings in the
// FreeLRU benchmarks.
func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

var parseCache, _ = freelru.NewSynced[string, Attr](parseCacheSize, hashString)

// Parse resolves a perf-style event name to a request. It accepts the
// symbolic hardware names and their aliases ("cycles", "branches"),
// legacy cache names such as "L1-dcache-load-misses" with op and
// result fields defaulting to reads that hit, and raw hexadecimal
// codes in the "r11" form. Successful lookups are memoized.
func Parse(name string) (Attr, error) {
	if attr, ok := parseCache.Get(name); ok {
		return attr, nil
	}
	attr, err := parse(name)
	if err != nil {
		return Attr{}, err
	}
	parseCache.Add(name, attr)
	return attr, nil
}

func parse(name string) (Attr, error) {
	// Hardware names shadow the cache grammar: "branch-misses" is the
	// symbolic event, not a BPU cache tuple.
	if id, ok := hardwareByName[name]; ok {
		return Hardware(id), nil
	}
	if attr, ok := parseCacheEvent(name); ok {
		return attr, nil
	}
	if len(name) > 1 && name[0] == 'r' {
		if code, err := strconv.ParseUint(name[1:], 16, 64); err == nil {
			return Raw(code), nil
		}
	}
	return Attr{}, fmt.Errorf("unknown event %q", name)
}

func parseCacheEvent(name string) (Attr, bool) {
	tier, rest, ok := matchCacheName(name, cacheTierNames)
	if !ok {
		return Attr{}, false
	}
	// Up to two further dash-separated fields, op and result in either
	// order, both optional.
	op, result := uint32(OpRead), uint32(ResultAccess)
	var haveOp, haveResult bool
	for rest != "" {
		if !haveOp {
			if v, r, ok := matchCacheName(rest, cacheOpNames); ok {
				op, rest, haveOp = v, r, true
				continue
			}
		}
		if !haveResult {
			if v, r, ok := matchCacheName(rest, cacheResultNames); ok {
				result, rest, haveResult = v, r, true
				continue
			}
		}
		return Attr{}, false
	}
	if cacheOpsAllowed[tier]&(1<<op) == 0 {
		return Attr{}, false
	}
	return Cache(CacheTier(tier), CacheOp(op), CacheResult(result)), true
}

// ParseTier resolves a cache tier name on its own, without the op and
// result fields of the full event grammar.
func ParseTier(s string) (CacheTier, bool) {
	v, rest, ok := matchCacheName(s, cacheTierNames)
	if !ok || rest != "" {
		return 0, false
	}
	return CacheTier(v), true
}

// ParseOp resolves a cache op name on its own.
func ParseOp(s string) (CacheOp, bool) {
	v, rest, ok := matchCacheName(s, cacheOpNames)
	if !ok || rest != "" {
		return 0, false
	}
	return CacheOp(v), true
}

// ParseResult resolves a cache result name on its own.
func ParseResult(s string) (CacheResult, bool) {
	v, rest, ok := matchCacheName(s, cacheResultNames)
	if !ok || rest != "" {
		return 0, false
	}
	return CacheResult(v), true
}

// matchCacheName matches s against the table, either exactly or as a
// dash-terminated prefix, and returns the remainder after the dash.
func matchCacheName(s string, names []cacheName) (uint32, string, bool) {
	for _, n := range names {
		if s == n.name {
			return n.val, "", true
		}
		if strings.HasPrefix(s, n.name) && s[len(n.name)] == '-' {
			return n.val, s[len(n.name)+1:], true
		}
	}
	return 0, "", false
}
