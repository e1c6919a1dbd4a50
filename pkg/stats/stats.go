package stats

import (
	"context"
	"time"

	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
	"github.com/core-tools/hsu-users/pkg/store"
)

const RecentSpan = 7 * 24 * time.Hour

// Snapshot is the result of one collection.
type Snapshot struct {
	Total            int64
	Recent           int64
	EmailDomain      string
	EmailDomainRatio float64
	CollectedAt      time.Time
}

// Collector reads the user aggregates and publishes them as gauges.
type Collector struct {
	repo        store.Repository
	metrics     *metrics.Metrics
	emailDomain string
	logger      logging.Logger
	now         func() time.Time
}

func NewCollector(repo store.Repository, m *metrics.Metrics, emailDomain string, logger logging.Logger) *Collector {
	return &Collector{
		repo:        repo,
		metrics:     m,
		emailDomain: emailDomain,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Collect queries the store once. Gauges are only updated when every query
// succeeded.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snapshot, err := c.collect(ctx)
	if c.metrics != nil {
		c.metrics.RecordStatsRun(time.Since(start), err == nil)
	}
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.SetUserCounts(snapshot.Total, snapshot.Recent)
		c.metrics.SetEmailDomainRatio(snapshot.EmailDomain, snapshot.EmailDomainRatio)
	}

	c.logger.Debugf("Stats collected, total: %d, recent: %d, domain: %s, ratio: %.2f",
		snapshot.Total, snapshot.Recent, snapshot.EmailDomain, snapshot.EmailDomainRatio)
	return snapshot, nil
}

func (c *Collector) collect(ctx context.Context) (*Snapshot, error) {
	now := c.now()

	total, err := c.repo.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := c.repo.CountUsersSince(ctx, now.Add(-RecentSpan))
	if err != nil {
		return nil, err
	}
	ratio, err := c.repo.EmailDomainRatio(ctx, c.emailDomain)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Total:            total,
		Recent:           recent,
		EmailDomain:      c.emailDomain,
		EmailDomainRatio: ratio,
		CollectedAt:      now,
	}, nil
}
