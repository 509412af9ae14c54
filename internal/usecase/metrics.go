package usecase

import "context"

// MetricsSummary represents aggregated operation insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	Comparisons        int64   `json:"comparisons"`
	MatchRate          float64 `json:"match_rate"`
	AverageSimilarity  float64 `json:"average_similarity"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates operation metrics from persisted audit logs.
func (a *AuditTrail) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := a.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		Comparisons:        aggregation.ComparedCount,
		AverageSimilarity:  aggregation.AverageSimilarity,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if aggregation.ComparedCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.ComparedCount)
	}

	return summary, nil
}
