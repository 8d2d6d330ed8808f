// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package counterfile // import "github.com/zongbox/vpmu/counterfile"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zongbox/vpmu/events"
)

// ParseProperties reads a platform description in a line-oriented
// key/value format:
//
//	# wider platform with four event counters
//	compatible = riscv,base-pmu
//	num-event-counters = 4
//	event-counter-width = 48
//	hw.cache-misses = 0x11
//	cache.LLC.read.miss = 0x13
//
// Unlisted properties keep their Default values, so a file only states
// what differs from the baseline. Map overrides accept decimal or 0x
// codes, or the keyword "unsupported". Unknown keys are rejected. The
// returned description is already validated.
func ParseProperties(r io.Reader) (*Description, error) {
	d := Default()
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", lineno)
		}
		if err := d.setProperty(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("line %d: %v", lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads and parses the platform description at path. An empty
// path selects the baseline platform.
func Load(path string) (*Description, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := ParseProperties(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return d, nil
}

func (d *Description) setProperty(key, value string) error {
	switch {
	case key == "compatible":
		d.Name = value
	case key == "num-event-counters":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad counter count %q", value)
		}
		d.NumEventCounters = n
	case key == "first-event-slot":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bad slot %q", value)
		}
		d.FirstEventSlot = Slot(n)
	case key == "base-counter-width":
		w, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("bad width %q", value)
		}
		d.BaseCounterWidth = uint(w)
	case key == "event-counter-width":
		w, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("bad width %q", value)
		}
		d.EventCounterWidth = uint(w)
	case strings.HasPrefix(key, "hw."):
		name := strings.TrimPrefix(key, "hw.")
		attr, err := events.Parse(name)
		if err != nil || attr.Type != events.TypeHardware {
			return fmt.Errorf("unknown hardware event %q", name)
		}
		code, err := parseCode(value)
		if err != nil {
			return err
		}
		d.HardwareMap[attr.Config] = code
	case strings.HasPrefix(key, "cache."):
		parts := strings.Split(strings.TrimPrefix(key, "cache."), ".")
		if len(parts) != 3 {
			return fmt.Errorf("cache key %q must name tier.op.result", key)
		}
		tier, ok := events.ParseTier(parts[0])
		if !ok {
			return fmt.Errorf("unknown cache tier %q", parts[0])
		}
		op, ok := events.ParseOp(parts[1])
		if !ok {
			return fmt.Errorf("unknown cache op %q", parts[1])
		}
		result, ok := events.ParseResult(parts[2])
		if !ok {
			return fmt.Errorf("unknown cache result %q", parts[2])
		}
		code, err := parseCode(value)
		if err != nil {
			return err
		}
		d.CacheMap[tier][op][result] = code
	default:
		return fmt.Errorf("unknown property %q", key)
	}
	return nil
}

func parseCode(s string) (Code, error) {
	if s == "unsupported" {
		return CodeUnsupported, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return CodeUnsupported, fmt.Errorf("bad event code %q", s)
	}
	return Code(v), nil
}
