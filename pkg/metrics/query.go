// Package metrics (query side): optional historical queries against an
// operator-run Prometheus for a session's compression and budget
// history, for a UI or CLI that wants trends beyond the live gauges.
//
// Adapted from the teacher's pkg/metrics/query.go: StoryMetrics keyed by
// story_id becomes CompressionHistory keyed by session_id; the PromQL
// query shapes and api/v1.API usage are otherwise unchanged.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// CompressionHistory summarizes a session's compression activity as
// observed by Prometheus.
type CompressionHistory struct {
	SessionID          string  `json:"session_id"`
	CompletedPasses    int64   `json:"completed_passes"`
	SkippedPasses      int64   `json:"skipped_passes"`
	AverageRatio       float64 `json:"average_compression_ratio"`
	CurrentFractionUsed float64 `json:"current_fraction_used"`
}

// QueryService queries a Prometheus server for historical metrics.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service pointed at prometheusURL (e.g.
// "http://localhost:9090").
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetCompressionHistory aggregates a session's compression counters and
// gauges as of now.
func (q *QueryService) GetCompressionHistory(ctx context.Context, sessionID string) (*CompressionHistory, error) {
	hist := &CompressionHistory{SessionID: sessionID}

	completed, err := q.scalarQuery(ctx, fmt.Sprintf(
		`sum(ctxcore_compression_total{session_id=%q, outcome="completed"})`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("query completed passes: %w", err)
	}
	hist.CompletedPasses = int64(completed)

	skipped, err := q.scalarQuery(ctx, fmt.Sprintf(
		`sum(ctxcore_compression_total{session_id=%q, outcome=~"skipped_.*"})`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("query skipped passes: %w", err)
	}
	hist.SkippedPasses = int64(skipped)

	ratio, err := q.scalarQuery(ctx, fmt.Sprintf(
		`avg(ctxcore_compression_ratio_sum{session_id=%q}) / avg(ctxcore_compression_ratio_count{session_id=%q})`,
		sessionID, sessionID))
	if err == nil {
		hist.AverageRatio = ratio
	}

	fraction, err := q.scalarQuery(ctx, fmt.Sprintf(
		`ctxcore_pool_fraction_used{session_id=%q}`, sessionID))
	if err == nil {
		hist.CurrentFractionUsed = fraction
	}

	return hist, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, nil
	}
	return float64(vector[0].Value), nil
}
