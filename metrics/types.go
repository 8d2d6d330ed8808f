// Copyright The VPMU Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "github.com/zongbox/vpmu/metrics"

// Create ids.go from metrics.json
//go:generate go run genids/main.go metrics.json ids.go

// MetricID is the type for metric IDs.
type MetricID uint16

// MetricValue is the type for metric values.
type MetricValue int64

// Metric is the type for a metric id/value pair.
type Metric struct {
	ID    MetricID
	Value MetricValue
}

// MetricType classifies how a metric value is interpreted.
type MetricType string

const (
	// MetricTypeCounter marks metrics reporting increments over the
	// collection interval. Zero increments are dropped.
	MetricTypeCounter MetricType = "counter"
	// MetricTypeGauge marks metrics reporting a current value.
	MetricTypeGauge MetricType = "gauge"
)

// MetricDefinition is one entry of the embedded metrics.json file.
type MetricDefinition struct {
	Description string     `json:"description"`
	Type        MetricType `json:"type"`
	Name        string     `json:"name"`
	FieldName   string     `json:"field"`
	Unit        string     `json:"unit"`
	ID          MetricID   `json:"id"`
	Obsolete    bool       `json:"obsolete"`
}

// Reporter receives every reported batch in addition to the OTel
// instruments, for sinks that want the raw id/value pairs.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}
