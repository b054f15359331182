package usecase

import "github.com/example/passport-check/internal/stream"

// StatsSource exposes streaming counters.
type StatsSource interface {
	Stats() stream.Stats
}

// StreamMetrics extends the raw counters with derived rates.
type StreamMetrics struct {
	stream.Stats
	FailureRate float64 `json:"failure_rate"`
	LockRate    float64 `json:"lock_rate"`
}

// GetStreamMetrics aggregates streaming insights from the registry counters.
func GetStreamMetrics(source StatsSource) *StreamMetrics {
	stats := source.Stats()
	metrics := &StreamMetrics{Stats: stats}

	if stats.ResultsDelivered > 0 {
		metrics.FailureRate = float64(stats.Failures) / float64(stats.ResultsDelivered)
		metrics.LockRate = float64(stats.LockTransitions) / float64(stats.ResultsDelivered)
	}

	return metrics
}
