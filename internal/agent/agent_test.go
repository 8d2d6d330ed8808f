// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/zongbox/vpmu/poller"
	"github.com/zongbox/vpmu/snapshot"
)

func validConfig() *Config {
	return &Config{
		Events:   "cycles,instructions",
		Interval: time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		tweak   func(*Config)
		wantErr string
	}{
		"valid": {
			tweak: func(*Config) {},
		},
		"zero interval": {
			tweak:   func(cfg *Config) { cfg.Interval = 0 },
			wantErr: "sweep interval",
		},
		"negative metrics interval": {
			tweak:   func(cfg *Config) { cfg.MetricsInterval = -time.Second },
			wantErr: "metrics interval",
		},
		"negative duration": {
			tweak:   func(cfg *Config) { cfg.Duration = -time.Minute },
			wantErr: "duration",
		},
		"unknown event": {
			tweak:   func(cfg *Config) { cfg.Events = "cycles,flux-capacitance" },
			wantErr: "flux-capacitance",
		},
		"empty events": {
			tweak:   func(cfg *Config) { cfg.Events = " , " },
			wantErr: "no events",
		},
		"bad core list": {
			tweak:   func(cfg *Config) { cfg.Cores = "0,x" },
			wantErr: "core list",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			tc.tweak(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestParseCoreList(t *testing.T) {
	tests := map[string]struct {
		list    string
		want    []int
		wantErr bool
	}{
		"single":       {list: "2", want: []int{2}},
		"range":        {list: "0-3", want: []int{0, 1, 2, 3}},
		"mixed":        {list: "0,2-4,7", want: []int{0, 2, 3, 4, 7}},
		"duplicates":   {list: "3,1-2,1", want: []int{1, 2, 3}},
		"spaces":       {list: " 0 , 1 ", want: []int{0, 1}},
		"descending":   {list: "5-2", wantErr: true},
		"not a number": {list: "a", wantErr: true},
		"empty":        {list: "", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cores, err := parseCoreList(tc.list)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, cores)
		})
	}
}

func TestEventAttrs(t *testing.T) {
	cfg := &Config{Events: "cycles, instructions,"}
	attrs, err := cfg.eventAttrs()
	require.NoError(t, err)
	require.Len(t, attrs, 2)
}

func writeCounterFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-pmu.properties")
	content := `# four event counters next to the fixed pair
compatible = riscv,test-pmu
num-event-counters = 4
event-counter-width = 48
hw.cache-misses = 0x11
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAgentSimulatedRun(t *testing.T) {
	output := filepath.Join(t.TempDir(), "counts.jsonl.zst")
	cfg := &Config{
		CounterFile: writeCounterFile(t),
		Cores:       "0-1",
		Events:      "cycles,instructions,cache-misses",
		Interval:    10 * time.Millisecond,
		Output:      output,
		Simulate:    true,
	}
	require.NoError(t, cfg.Validate())

	a := New(cfg)
	require.NotEqual(t, uuid.Nil, a.Session())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	require.Equal(t, int64(6), a.pmu.ActiveEvents())
	require.Equal(t, 6, a.poller.Tracked())

	// Let at least one periodic sweep happen before shutting down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	a.Shutdown()

	require.Equal(t, int64(0), a.pmu.ActiveEvents())

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	hdr, samples := readSnapshot(t, raw)
	require.Equal(t, a.Session().String(), hdr.Session)
	require.Equal(t, "riscv,test-pmu", hdr.Platform)
	// The shutdown flush alone contributes one sample per event.
	require.GreaterOrEqual(t, len(samples), 6)

	names := make(map[string]bool)
	for _, s := range samples {
		require.Contains(t, []int{0, 1}, s.Core)
		names[s.Name] = true
	}
	require.Equal(t, map[string]bool{
		"cpu-cycles":   true,
		"instructions": true,
		"cache-misses": true,
	}, names)
}

func TestAgentStartBadCounterFile(t *testing.T) {
	cfg := validConfig()
	cfg.CounterFile = filepath.Join(t.TempDir(), "missing.properties")
	cfg.Simulate = true

	a := New(cfg)
	err := a.Start(context.Background())
	require.Error(t, err)
	a.Shutdown()
}

func readSnapshot(t *testing.T, raw []byte) (snapshot.Header, []poller.Sample) {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer zr.Close()
	dec := json.NewDecoder(zr)

	var hdr snapshot.Header
	require.NoError(t, dec.Decode(&hdr))
	var samples []poller.Sample
	for {
		var s poller.Sample
		decodeErr := dec.Decode(&s)
		if errors.Is(decodeErr, io.EOF) {
			break
		}
		require.NoError(t, decodeErr)
		samples = append(samples, s)
	}
	return hdr, samples
}
