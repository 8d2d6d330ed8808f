// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot persists counter observations as a stream of JSON
// lines. The stream opens with a Header object identifying the session
// and is followed by one object per sample. Paths ending in .zst are
// transparently zstd compressed.
package snapshot // import "github.com/zongbox/vpmu/snapshot"

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/zongbox/vpmu/metrics"
	"github.com/zongbox/vpmu/poller"
)

// compressedSuffix selects zstd compression for the stream.
const compressedSuffix = ".zst"

// Header is the first line of every snapshot stream.
type Header struct {
	// Session identifies the run that produced the stream.
	Session string `json:"session"`
	// Platform names the counter file the samples were taken from.
	Platform string `json:"platform"`
	// Version is the producing binary's version.
	Version string `json:"version"`
	// StartTime is the session start in RFC3339. Filled in by
	// NewWriter when left empty.
	StartTime string `json:"start_time"`
}

// Writer streams sample batches to a file. It implements
// poller.Consumer and is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	zst  *zstd.Encoder
	enc  *json.Encoder
}

// NewWriter creates path, writes the header line and returns a writer
// ready to consume samples.
func NewWriter(path string, hdr Header) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}

	w := &Writer{file: file}
	var sink io.Writer = file
	if strings.HasSuffix(path, compressedSuffix) {
		if w.zst, err = zstd.NewWriter(file); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
		sink = w.zst
	}
	w.enc = json.NewEncoder(sink)

	if hdr.StartTime == "" {
		hdr.StartTime = time.Now().Format(time.RFC3339)
	}
	if err = w.enc.Encode(&hdr); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	return w, nil
}

// ConsumeSamples implements poller.Consumer.
func (w *Writer) ConsumeSamples(samples []poller.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for i := range samples {
		if err := w.enc.Encode(&samples[i]); err != nil {
			log.Errorf("Failed to write sample: %v", err)
			break
		}
		written++
	}
	metrics.Add(metrics.IDSamplesWritten, metrics.MetricValue(written))
}

// Close flushes the stream and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.zst != nil {
		if err := w.zst.Close(); err != nil {
			_ = w.file.Close()
			return fmt.Errorf("failed to flush encoder: %w", err)
		}
	}
	return w.file.Close()
}
