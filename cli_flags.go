// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/zongbox/vpmu/internal/agent"
)

const (
	// Default values for CLI flags
	defaultArgEvents          = "cycles,instructions"
	defaultArgInterval        = 1 * time.Second
	defaultArgMetricsInterval = 10 * time.Second
)

// Help strings for command line arguments
var (
	counterFileHelp = "Path to the platform counter description. " +
		"Uses the built-in baseline platform if unset."
	coresHelp = "Kernel style cpulist of cores to count on (e.g. 0-3,8). " +
		"Defaults to all present cores."
	durationHelp = "Stop counting after this duration. Runs until interrupted if zero."
	eventsHelp   = "Comma-separated list of events to count."
	intervalHelp = "Interval between counter sweeps."
	metricsIntervalHelp = "Interval between internal metric reports. " +
		"Zero disables them."
	outputHelp = "File to stream counter samples to. " +
		"A .zst suffix selects zstd compression."
	pprofHelp    = "Listening address (e.g. localhost:6060) to serve pprof information."
	simulateHelp = "Count against a simulated counter file instead of the real hardware."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

func parseArgs() (*agent.Config, error) {
	var args agent.Config

	fs := flag.NewFlagSet("vpmu", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.Cores, "cores", "", coresHelp)
	fs.StringVar(&args.CounterFile, "counter-file", "", counterFileHelp)

	fs.DurationVar(&args.Duration, "duration", 0, durationHelp)

	fs.StringVar(&args.Events, "events", defaultArgEvents, eventsHelp)

	fs.DurationVar(&args.Interval, "interval", defaultArgInterval, intervalHelp)

	fs.DurationVar(&args.MetricsInterval, "metrics-interval",
		defaultArgMetricsInterval, metricsIntervalHelp)

	fs.StringVar(&args.Output, "output", "", outputHelp)
	fs.StringVar(&args.PprofAddr, "pprof", "", pprofHelp)

	fs.BoolVar(&args.Simulate, "simulate", false, simulateHelp)

	fs.BoolVar(&args.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.Fs = fs

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("VPMU"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the
		// current agent does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
