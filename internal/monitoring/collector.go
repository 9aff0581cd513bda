// Package monitoring snapshots the secondary datastore into Prometheus
// gauges and raises webhook alerts when the sync backlog grows.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/metrics"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/store"
)

// Snapshot is one collected view of the datastore.
type Snapshot struct {
	store.Stats
	CollectedAt time.Time `json:"collected_at"`
}

// Collector reads datastore counters and publishes them as gauges.
type Collector struct {
	store   store.Store
	metrics *metrics.Metrics
}

// NewCollector creates a Collector. A nil m uses the process-wide metrics.
func NewCollector(st store.Store, m *metrics.Metrics) *Collector {
	if m == nil {
		m = metrics.Get()
	}
	return &Collector{store: st, metrics: m}
}

// Collect reads the counters across all organizations and updates the gauges.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := c.store.Stats(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	for _, s := range []model.Status{
		model.StatusPendingReview,
		model.StatusImported,
		model.StatusApproved,
		model.StatusRejected,
	} {
		c.metrics.OficiosByStatus.WithLabelValues(string(s)).Set(float64(stats.ByStatus[s]))
	}
	c.metrics.SyncPending.Set(float64(stats.SyncPending))
	c.metrics.OutboxPending.Set(float64(stats.OutboxPending))
	c.metrics.DLQDepth.Set(float64(stats.DLQDepth))

	return &Snapshot{Stats: *stats, CollectedAt: time.Now().UTC()}, nil
}
