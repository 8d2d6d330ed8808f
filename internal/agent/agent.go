// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent assembles the counting pipeline behind the vpmu
// binary: it virtualizes the platform counters, distributes the
// requested events over the selected cores and sweeps them until
// shutdown.
package agent // import "github.com/zongbox/vpmu/internal/agent"

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tklauser/numcpus"
	"golang.org/x/sync/errgroup"

	"github.com/zongbox/vpmu/counterfile"
	"github.com/zongbox/vpmu/counterhw"
	"github.com/zongbox/vpmu/events"
	"github.com/zongbox/vpmu/metrics/pmumetrics"
	"github.com/zongbox/vpmu/pmu"
	"github.com/zongbox/vpmu/poller"
	"github.com/zongbox/vpmu/snapshot"
	"github.com/zongbox/vpmu/vc"
)

// Agent is an instance that runs, manages and stops the counting
// pipeline. There should only ever be one running.
type Agent struct {
	config  *Config
	session uuid.UUID

	pmu    *pmu.PMU
	perf   *counterhw.PerfRegisters
	poller *poller.Poller
	writer *snapshot.Writer
	events []*pmu.Event
	stops  []func()
}

// New creates a new agent for cfg. The configuration must have passed
// Validate.
func New(cfg *Config) *Agent {
	return &Agent{
		config:  cfg,
		session: uuid.New(),
	}
}

// Session identifies this run in logs and snapshot headers.
func (a *Agent) Session() uuid.UUID {
	return a.session
}

// Start brings up the pipeline: it opens the counter hardware,
// attaches one event per requested name on every selected core and
// begins sweeping. The agent should only be started once.
func (a *Agent) Start(ctx context.Context) error {
	desc, err := a.loadDescription()
	if err != nil {
		return err
	}

	cores, err := a.selectCores()
	if err != nil {
		return err
	}
	// parseCoreList sorts, so the last entry is the highest ID.
	nCores := cores[len(cores)-1] + 1

	var regs counterhw.Registers
	opts := []pmu.Option{pmu.WithCores(nCores)}
	if a.config.Simulate {
		sim := counterhw.NewSimulated(desc, nCores)
		opts = append(opts, pmu.WithLine(sim.Line()))
		regs = sim
	} else {
		perf, perfErr := counterhw.NewPerfRegisters(desc)
		if perfErr != nil {
			return fmt.Errorf("failed to open counter hardware: %w", perfErr)
		}
		a.perf = perf
		regs = perf
	}

	p, err := pmu.New(desc, regs, opts...)
	if err != nil {
		return fmt.Errorf("failed to virtualize %s: %w", desc.Name, err)
	}
	a.pmu = p
	log.Infof("Virtualizing %s: %d event counters of %d bits, session %s",
		desc.Name, desc.NumEventCounters, desc.EventCounterWidth, a.session)

	attrs, err := a.config.eventAttrs()
	if err != nil {
		return err
	}

	if a.config.Output != "" {
		a.writer, err = snapshot.NewWriter(a.config.Output, snapshot.Header{
			Session:  a.session.String(),
			Platform: desc.Name,
			Version:  vc.Version(),
		})
		if err != nil {
			return err
		}
		log.Infof("Writing samples to %s", a.config.Output)
	}

	var consumer poller.Consumer
	if a.writer != nil {
		consumer = a.writer
	}
	a.poller = poller.New(consumer, poller.WithInterval(a.config.Interval))

	if err = a.attachAll(cores, attrs); err != nil {
		return err
	}

	a.stops = append(a.stops, a.poller.Start(ctx))
	if a.config.MetricsInterval > 0 {
		a.stops = append(a.stops, pmumetrics.Start(ctx, p, a.config.MetricsInterval))
	}

	log.Infof("Counting %d events over %d cores", len(a.events), len(cores))
	return nil
}

// Shutdown stops sweeping, folds the final counts and releases the
// counter hardware. Safe to call after a failed Start.
func (a *Agent) Shutdown() {
	log.Info("Stop counting ...")
	for i := len(a.stops) - 1; i >= 0; i-- {
		a.stops[i]()
	}
	a.stops = nil

	for _, ev := range a.events {
		if ev.Running() {
			if err := ev.Stop(pmu.FlagUpdate); err != nil {
				log.Warnf("Failed to fold %s on core %d: %v",
					ev.Attr(), ev.Core(), err)
			}
		}
	}
	if a.poller != nil && len(a.events) > 0 {
		// The periodic loop is gone, flush the final counts.
		a.poller.SweepNow()
	}
	for _, ev := range a.events {
		log.Infof("%-24s core %2d: %d", ev.Attr(), ev.Core(), ev.Count())
		if err := ev.Detach(); err != nil {
			log.Warnf("Failed to detach %s: %v", ev.Attr(), err)
		}
		if err := ev.Close(); err != nil {
			log.Warnf("Failed to close %s: %v", ev.Attr(), err)
		}
	}
	a.events = nil

	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			log.Errorf("Failed to close snapshot: %v", err)
		}
		a.writer = nil
	}
	if a.perf != nil {
		if err := a.perf.Close(); err != nil {
			log.Errorf("Failed to close counter hardware: %v", err)
		}
		a.perf = nil
	}
	if a.pmu != nil {
		log.Debugf("Final counter stats: %+v", a.pmu.Stats())
	}
}

// loadDescription resolves the counter description to virtualize.
func (a *Agent) loadDescription() (*counterfile.Description, error) {
	if a.config.CounterFile == "" {
		desc := counterfile.Default()
		log.Debugf("Using built-in counter description %s", desc.Name)
		return desc, nil
	}
	desc, err := counterfile.Load(a.config.CounterFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load counter file %s: %w",
			a.config.CounterFile, err)
	}
	return desc, nil
}

// selectCores resolves the core list flag, defaulting to every present
// core.
func (a *Agent) selectCores() ([]int, error) {
	if a.config.Cores != "" {
		return parseCoreList(a.config.Cores)
	}
	present, err := numcpus.GetPresent()
	if err != nil {
		return nil, fmt.Errorf("failed to count present cores: %w", err)
	}
	cores := make([]int, present)
	for i := range cores {
		cores[i] = i
	}
	return cores, nil
}

// attachAll binds one event per attribute on every core and hands them
// to the poller. Bring-up runs one goroutine per core; each goroutine
// owns its events exclusively until it returns.
func (a *Agent) attachAll(cores []int, attrs []events.Attr) error {
	perCore := make([][]*pmu.Event, len(cores))
	g := errgroup.Group{}
	for i, core := range cores {
		g.Go(func() error {
			for _, attr := range attrs {
				ev, err := a.pmu.NewEvent(attr)
				if err != nil {
					return fmt.Errorf("core %d: %w", core, err)
				}
				if err = ev.Attach(core, pmu.FlagStart); err != nil {
					_ = ev.Close()
					return fmt.Errorf("failed to attach %s on core %d: %w",
						attr, core, err)
				}
				perCore[i] = append(perCore[i], ev)
			}
			return nil
		})
	}
	err := g.Wait()

	// Keep whatever got attached so Shutdown can release it, even
	// when one of the cores failed.
	for _, evs := range perCore {
		for _, ev := range evs {
			a.events = append(a.events, ev)
			a.poller.Track(ev)
		}
	}
	return err
}
