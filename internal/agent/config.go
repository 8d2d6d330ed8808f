// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package agent // import "github.com/zongbox/vpmu/internal/agent"

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zongbox/vpmu/events"
)

// Config carries the agent's command line configuration.
type Config struct {
	CounterFile     string
	Cores           string
	Duration        time.Duration
	Events          string
	Interval        time.Duration
	MetricsInterval time.Duration
	Output          string
	PprofAddr       string
	Simulate        bool
	VerboseMode     bool
	Version         bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns
// errors if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("invalid sweep interval %v", cfg.Interval)
	}
	if cfg.MetricsInterval < 0 {
		return fmt.Errorf("invalid metrics interval %v", cfg.MetricsInterval)
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("invalid duration %v", cfg.Duration)
	}
	if _, err := cfg.eventAttrs(); err != nil {
		return err
	}
	if cfg.Cores != "" {
		if _, err := parseCoreList(cfg.Cores); err != nil {
			return fmt.Errorf("invalid core list %q: %w", cfg.Cores, err)
		}
	}
	return nil
}

// eventAttrs parses the comma separated event list into attributes.
func (cfg *Config) eventAttrs() ([]events.Attr, error) {
	var attrs []events.Attr
	for _, name := range strings.Split(cfg.Events, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		attr, err := events.Parse(name)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	if len(attrs) == 0 {
		return nil, errors.New("no events to count")
	}
	return attrs, nil
}

// parseCoreList expands a kernel style cpulist such as "0-3,8" into
// the individual core IDs, deduplicated and sorted.
// Reference: https://www.kernel.org/doc/Documentation/admin-guide/cputopology.rst
func parseCoreList(list string) ([]int, error) {
	var cores []int
	seen := make(map[int]bool)
	for _, coreRange := range strings.Split(strings.TrimSpace(list), ",") {
		rangeOp := strings.SplitN(coreRange, "-", 2)
		first, err := strconv.ParseUint(strings.TrimSpace(rangeOp[0]), 10, 32)
		if err != nil {
			return nil, err
		}
		last := first
		if len(rangeOp) == 2 {
			last, err = strconv.ParseUint(strings.TrimSpace(rangeOp[1]), 10, 32)
			if err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("descending range %s", coreRange)
			}
		}
		for n := first; n <= last; n++ {
			if !seen[int(n)] {
				seen[int(n)] = true
				cores = append(cores, int(n))
			}
		}
	}
	sort.Ints(cores)
	return cores, nil
}
