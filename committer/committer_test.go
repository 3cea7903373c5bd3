package committer

import (
	"context"
	"errors"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/models"
)

type fakeRelational struct {
	err    error
	called int
}

func (f *fakeRelational) InsertLogBatch(context.Context, *models.BatchPayload) error {
	f.called++
	return f.err
}

type fakeAnalytics struct {
	insertErr  error
	metricsErr error
	rows       int
	metrics    int
}

func (f *fakeAnalytics) InsertRequestResponseLogs(_ context.Context, rows []models.RequestResponseRMT) error {
	f.rows += len(rows)
	return f.insertErr
}

func (f *fakeAnalytics) InsertCacheMetrics(_ context.Context, rows []models.CacheMetricRow) error {
	f.metrics += len(rows)
	return f.metricsErr
}

type fakeBlobStore struct {
	bodyErr   error
	assetErr  error
	bodies    []string
	assetRecs []string
}

func (f *fakeBlobStore) StoreRequestResponse(_ context.Context, rec models.BlobRecord) error {
	if f.bodyErr != nil {
		return f.bodyErr
	}
	f.bodies = append(f.bodies, rec.RequestID)
	return nil
}

func (f *fakeBlobStore) StoreAssets(_ context.Context, rec models.BlobRecord) error {
	if f.assetErr != nil {
		return f.assetErr
	}
	f.assetRecs = append(f.assetRecs, rec.RequestID)
	return nil
}

func testPayload() *models.BatchPayload {
	payload := models.NewBatchPayload()
	payload.AddRecord(
		models.RequestRow{ID: "req-1", OrganizationID: "org-1"},
		models.ResponseRow{ID: "resp-1", RequestID: "req-1"},
		models.RequestResponseRMT{RequestID: "req-1", OrganizationID: "org-1"},
		models.BlobRecord{RequestID: "req-1", OrganizationID: "org-1", Assets: map[string]string{"a": "data:image/png;base64,aGk="}},
	)
	payload.AddCacheMetric(models.CacheMetricRow{OrganizationID: "org-1", RequestID: "req-1"})
	return payload
}

func TestCommitAllSinksSucceed(t *testing.T) {
	rel := &fakeRelational{}
	an := &fakeAnalytics{}
	blobs := &fakeBlobStore{}
	c := New(rel, an, blobs, logger.NOP, stats.NOP)

	res := c.Commit(context.Background(), testPayload())
	require.False(t, res.HasError())
	require.Equal(t, 1, rel.called)
	require.Equal(t, 1, an.rows)
	require.Equal(t, 1, an.metrics)
	require.Equal(t, []string{"req-1"}, blobs.bodies)
	require.Equal(t, []string{"req-1"}, blobs.assetRecs)
}

func TestCommitReportsSinkErrorsIndependently(t *testing.T) {
	pgErr := errors.New("pg down")
	chErr := errors.New("clickhouse down")

	rel := &fakeRelational{err: pgErr}
	an := &fakeAnalytics{insertErr: chErr}
	blobs := &fakeBlobStore{}
	c := New(rel, an, blobs, logger.NOP, stats.NOP)

	res := c.Commit(context.Background(), testPayload())
	require.True(t, res.HasError())
	require.ErrorIs(t, res.PG, pgErr)
	require.ErrorIs(t, res.Analytics, chErr)
	// One failing sink never blocks the others.
	require.NoError(t, res.Blob)
	require.Equal(t, []string{"req-1"}, blobs.bodies)
}

func TestCommitSurfacesBlobBodyFailure(t *testing.T) {
	blobErr := errors.New("s3 down")
	c := New(&fakeRelational{}, &fakeAnalytics{}, &fakeBlobStore{bodyErr: blobErr}, logger.NOP, stats.NOP)

	res := c.Commit(context.Background(), testPayload())
	require.ErrorIs(t, res.Blob, blobErr)
	require.NoError(t, res.PG)
	require.NoError(t, res.Analytics)
}

func TestCommitSwallowsAssetFailures(t *testing.T) {
	c := New(&fakeRelational{}, &fakeAnalytics{}, &fakeBlobStore{assetErr: errors.New("asset fetch failed")}, logger.NOP, stats.NOP)

	// Asset upload failures never fail the record's primary log.
	res := c.Commit(context.Background(), testPayload())
	require.False(t, res.HasError())
}

func TestCommitEmptyPayload(t *testing.T) {
	rel := &fakeRelational{}
	an := &fakeAnalytics{}
	c := New(rel, an, &fakeBlobStore{}, logger.NOP, stats.NOP)

	res := c.Commit(context.Background(), models.NewBatchPayload())
	require.False(t, res.HasError())
	// The relational sink still runs (it owns the tx), the analytics bulk
	// inserts are skipped for empty row sets.
	require.Equal(t, 1, rel.called)
	require.Zero(t, an.rows)
	require.Zero(t, an.metrics)
}
