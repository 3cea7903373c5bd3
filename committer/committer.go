// Package committer flushes one accumulated BatchPayload to the three sinks
// concurrently, each independently reported. It favors forward progress and
// at-least-once semantics with idempotent upserts over blocking the queue on
// a slow or broken sink.
package committer

import (
	"context"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/siphonlog/siphon/models"
)

// RelationalStore commits the relational rows of a payload in one
// transaction per mini-batch.
type RelationalStore interface {
	InsertLogBatch(ctx context.Context, payload *models.BatchPayload) error
}

// AnalyticsStore bulk-inserts the analytics rows.
type AnalyticsStore interface {
	InsertRequestResponseLogs(ctx context.Context, rows []models.RequestResponseRMT) error
	InsertCacheMetrics(ctx context.Context, rows []models.CacheMetricRow) error
}

// BlobStore uploads per-record documents and assets.
type BlobStore interface {
	StoreRequestResponse(ctx context.Context, rec models.BlobRecord) error
	StoreAssets(ctx context.Context, rec models.BlobRecord) error
}

// Result carries per-sink errors. Errors are surfaced for operational
// alerting, not retried here: acknowledgment has already been promised and
// retry-by-redelivery no longer applies.
type Result struct {
	PG        error
	Blob      error
	Analytics error
}

func (r Result) HasError() bool {
	return r.PG != nil || r.Blob != nil || r.Analytics != nil
}

type Committer struct {
	relational   RelationalStore
	analytics    AnalyticsStore
	blobs        BlobStore
	log          logger.Logger
	statsFactory stats.Stats
}

func New(relational RelationalStore, analytics AnalyticsStore, blobs BlobStore, log logger.Logger, statsFactory stats.Stats) *Committer {
	return &Committer{
		relational:   relational,
		analytics:    analytics,
		blobs:        blobs,
		log:          log.Child("committer"),
		statsFactory: statsFactory,
	}
}

// Commit flushes the payload to all three sinks concurrently and reports
// each sink's outcome independently. It never blocks acknowledgment: the
// caller acks regardless of which sinks errored.
func (c *Committer) Commit(ctx context.Context, payload *models.BatchPayload) Result {
	var (
		res Result
		wg  sync.WaitGroup
	)
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer c.sinkTimer("postgres")()
		res.PG = c.relational.InsertLogBatch(ctx, payload)
	}()

	go func() {
		defer wg.Done()
		defer c.sinkTimer("blob")()
		res.Blob = c.commitBlobs(ctx, payload)
	}()

	go func() {
		defer wg.Done()
		defer c.sinkTimer("analytics")()
		res.Analytics = c.commitAnalytics(ctx, payload)
	}()

	wg.Wait()

	for sink, err := range map[string]error{
		"postgres":  res.PG,
		"blob":      res.Blob,
		"analytics": res.Analytics,
	} {
		if err != nil {
			c.log.Errorf("committing to %s: %v", sink, err)
			c.statsFactory.NewTaggedStat("commit_sink_failures", stats.CountType, stats.Tags{
				"sink": sink,
			}).Increment()
		}
	}
	return res
}

// commitBlobs uploads each record's body document; the primary upload error
// is surfaced per payload while asset failures are swallowed inside the
// store.
func (c *Committer) commitBlobs(ctx context.Context, payload *models.BatchPayload) error {
	var firstErr error
	for _, rec := range payload.BlobRecords {
		if err := c.blobs.StoreRequestResponse(ctx, rec); err != nil {
			c.log.Errorf("storing body for request %s: %v", rec.RequestID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(rec.Assets) > 0 {
			// Asset upload failures never fail the record's primary log.
			if err := c.blobs.StoreAssets(ctx, rec); err != nil {
				c.log.Errorf("storing assets for request %s: %v", rec.RequestID, err)
			}
		}
	}
	return firstErr
}

func (c *Committer) commitAnalytics(ctx context.Context, payload *models.BatchPayload) error {
	if len(payload.AnalyticsRows) > 0 {
		if err := c.analytics.InsertRequestResponseLogs(ctx, payload.AnalyticsRows); err != nil {
			return err
		}
	}
	if len(payload.CacheMetrics) > 0 {
		return c.analytics.InsertCacheMetrics(ctx, payload.CacheMetrics)
	}
	return nil
}

func (c *Committer) sinkTimer(sink string) func() {
	start := time.Now()
	return func() {
		c.statsFactory.NewTaggedStat("commit_sink_duration", stats.TimerType, stats.Tags{
			"sink": sink,
		}).Since(start)
	}
}
