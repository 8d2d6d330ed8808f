// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics contains the code for buffering and reporting the agent's
own operational metrics.

Providers hand their metrics to Add() or AddSlice(). The package buffers
everything reported within the same second and flushes the batch to the
OTel instruments (and to an optional raw Reporter) as soon as the
timestamp moves on. Metric IDs and their definitions live in
metrics.json; ids.go is generated from it.

Example code to report a metric:

	metrics.Add(metrics.IDPollSweeps, 1)

# Directory Structure

The current directory structure looks like

	metrics
	├── [sub packages]
	├── doc.go          // this file
	├── genids          // generates ids.go from metrics.json
	├── ids.go          // generated metric ID constants
	├── metrics.go      // implement Add() and AddSlice()
	├── metrics.json    // metric definitions
	├── metrics_test.go // tests the metrics package
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition

# Sub packages

Sub packages are the metric providers. Each one owns a source of
measurements and pushes them here once per collection interval, e.g.

	metrics
	└──pmumetrics/
	   ├── pmu.go
	   └── pmu_test.go

polls the counter subsystem's operational stats.
*/
package metrics
