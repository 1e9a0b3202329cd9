package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

// Snapshot is the run summary written to state/metrics.yaml after each
// timepoint.
type Snapshot struct {
	SchemaVersion int                         `yaml:"schema_version"`
	FileType      string                      `yaml:"file_type"`
	RunID         string                      `yaml:"run_id"`
	Timepoint     string                      `yaml:"timepoint"`
	StartedAt     string                      `yaml:"started_at"`
	FinishedAt    string                      `yaml:"finished_at"`
	LastHeartbeat *string                     `yaml:"last_heartbeat"`
	Counters      map[string]int64            `yaml:"counters"`
	Histograms    map[string]HistogramSummary `yaml:"histograms"`
}

type HistogramSummary struct {
	Count uint64  `yaml:"count"`
	Sum   float64 `yaml:"sum"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		SchemaVersion: 1,
		FileType:      yamlutil.FileTypeRunMetrics,
		Counters:      map[string]int64{},
		Histograms:    map[string]HistogramSummary{},
	}
}

// Collect reads every acquisition metric from reader. Series are keyed as
// name{k=v,...}; a bare name key holds the total across series.
func Collect(ctx context.Context, reader *sdkmetric.ManualReader) (Snapshot, error) {
	snap := NewSnapshot()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return snap, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != MeterName {
			continue
		}
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					snap.Counters[m.Name] += dp.Value
					if key := seriesKey(m.Name, dp.Attributes); key != m.Name {
						snap.Counters[key] += dp.Value
					}
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					h := snap.Histograms[m.Name]
					h.Count += dp.Count
					h.Sum += dp.Sum
					snap.Histograms[m.Name] = h
				}
			}
		}
	}
	return snap, nil
}

func WriteSnapshot(path string, s Snapshot) error {
	return yamlutil.AtomicWrite(path, s)
}

func seriesKey(name string, set attribute.Set) string {
	if set.Len() == 0 {
		return name
	}
	return name + "{" + set.Encoded(attribute.DefaultEncoder()) + "}"
}
