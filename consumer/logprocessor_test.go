package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/committer"
	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
	"github.com/siphonlog/siphon/transport"
)

type stubResolver struct {
	badKeys map[string]bool
}

func (r *stubResolver) ResolveKey(_ context.Context, rawKey string) (models.AuthParams, error) {
	if r.badKeys[rawKey] {
		return models.AuthParams{}, errors.New("unknown key")
	}
	return models.AuthParams{OrganizationID: "org-1"}, nil
}

func (r *stubResolver) ResolveProxyKey(ctx context.Context, rawKey string) (models.AuthParams, error) {
	return r.ResolveKey(ctx, rawKey)
}

func (r *stubResolver) Org(context.Context, string) (models.OrgParams, error) {
	return models.OrgParams{ID: "org-1", Tier: "free", PercentLog: pipeline.MaxPercentLog, HasOnboarded: true}, nil
}

type stubBlobs struct{}

func (stubBlobs) FetchRequestResponse(context.Context, string, string) (pipeline.RawLog, error) {
	return pipeline.RawLog{RequestBody: `{"model":"gpt-4o"}`, ResponseBody: `{"ok":true}`}, nil
}

type stubBodies struct{}

func (stubBodies) ParseRequest(_ context.Context, in pipeline.ParseInput) (pipeline.ParsedBody, error) {
	return pipeline.ParsedBody{Body: in.Body, Model: "gpt-4o"}, nil
}

func (stubBodies) ParseResponse(_ context.Context, in pipeline.ParseInput) (pipeline.ParsedBody, error) {
	return pipeline.ParsedBody{Body: in.Body, Model: "gpt-4o"}, nil
}

type stubRateStore struct{}

func (stubRateStore) InsertRateLimitBatch(context.Context, []models.RateLimitRow) error { return nil }

type zeroCost struct{}

func (zeroCost) Cost(string, string, models.Usage) float64 { return 0 }

type fakeCommitter struct {
	mu       sync.Mutex
	payloads []*models.BatchPayload
	result   committer.Result
}

func (f *fakeCommitter) Commit(_ context.Context, payload *models.BatchPayload) committer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.result
}

type fakeProducer struct {
	mu   sync.Mutex
	sent map[string][]transport.ProducedMessage
}

func (f *fakeProducer) SendMessages(_ context.Context, msgs []transport.ProducedMessage, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]transport.ProducedMessage)
	}
	f.sent[topic] = append(f.sent[topic], msgs...)
	return nil
}

func (f *fakeProducer) Close(context.Context) error { return nil }

func (f *fakeProducer) sentTo(topic string) []transport.ProducedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[topic]
}

func stubDeps(resolver pipeline.AuthResolver) pipeline.Deps {
	return pipeline.Deps{
		Auth:         resolver,
		RateLimits:   stubRateStore{},
		Blobs:        stubBlobs{},
		Bodies:       stubBodies{},
		Cost:         zeroCost{},
		Conf:         config.New(),
		Log:          logger.NOP,
		StatsFactory: stats.NOP,
	}
}

func logMessage(t *testing.T, offset int64, id, key string, createdAt time.Time, isStream bool) transport.Message {
	t.Helper()
	record := fmt.Sprintf(`{
		"authorization": "Bearer %s",
		"log": {
			"request": {"id": %q, "provider": "OPENAI", "requestCreatedAt": %q, "isStream": %t},
			"response": {"id": "%s-resp", "status": 200, "responseCreatedAt": %q}
		}
	}`, key, id, createdAt.Format(time.RFC3339), isStream, id, createdAt.Format(time.RFC3339))
	return transport.Message{Offset: offset, Value: envelopeOf(t, record), Timestamp: createdAt}
}

func TestLogProcessorCommitsMiniBatch(t *testing.T) {
	comm := &fakeCommitter{}
	dlq := &fakeProducer{}
	p := NewLogProcessor(stubDeps(&stubResolver{}), comm, config.New(), logger.NOP, stats.NOP,
		WithDLQ(dlq, transport.TopicRequestResponseLogsDLQ))

	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mb := MiniBatch{Partition: 0, FirstOffset: 1, LastOffset: 3, Messages: []transport.Message{
		logMessage(t, 1, "req-1", "sk-good", at, false),
		logMessage(t, 2, "req-2", "sk-good", at, false),
		logMessage(t, 3, "req-3", "sk-good", at, false),
	}}

	require.NoError(t, p.Process(context.Background(), mb))
	require.Len(t, comm.payloads, 1)
	require.Len(t, comm.payloads[0].Requests, 3)
	require.Empty(t, dlq.sentTo(transport.TopicRequestResponseLogsDLQ))
}

func TestLogProcessorDeadLettersUnmappableMiniBatch(t *testing.T) {
	comm := &fakeCommitter{}
	dlq := &fakeProducer{}
	p := NewLogProcessor(stubDeps(&stubResolver{}), comm, config.New(), logger.NOP, stats.NOP,
		WithDLQ(dlq, transport.TopicRequestResponseLogsDLQ))

	at := time.Now().UTC()
	mb := MiniBatch{Messages: []transport.Message{
		logMessage(t, 1, "req-1", "sk-good", at, false),
		{Offset: 2, Value: []byte(`{"value": "{broken"}`)},
	}}

	err := p.Process(context.Background(), mb)
	require.Error(t, err)
	// No partial commit: the committer never sees the mini-batch, and every
	// raw message takes the dead-letter path.
	require.Empty(t, comm.payloads)
	require.Len(t, dlq.sentTo(transport.TopicRequestResponseLogsDLQ), 2)
}

func TestLogProcessorIsolatesFailedRecords(t *testing.T) {
	comm := &fakeCommitter{}
	dlq := &fakeProducer{}
	resolver := &stubResolver{badKeys: map[string]bool{"sk-bad": true}}
	p := NewLogProcessor(stubDeps(resolver), comm, config.New(), logger.NOP, stats.NOP,
		WithDLQ(dlq, transport.TopicRequestResponseLogsDLQ))

	at := time.Now().UTC()
	mb := MiniBatch{Messages: []transport.Message{
		logMessage(t, 1, "req-1", "sk-good", at, false),
		logMessage(t, 2, "req-2", "sk-bad", at, false),
		logMessage(t, 3, "req-3", "sk-good", at, false),
	}}

	require.NoError(t, p.Process(context.Background(), mb))
	require.Len(t, comm.payloads, 1)
	require.Len(t, comm.payloads[0].Requests, 2)
	require.Len(t, dlq.sentTo(transport.TopicRequestResponseLogsDLQ), 1)
}

func TestLogProcessorDeadLettersOnRelationalFailure(t *testing.T) {
	comm := &fakeCommitter{result: committer.Result{PG: errors.New("pg down")}}
	dlq := &fakeProducer{}
	p := NewLogProcessor(stubDeps(&stubResolver{}), comm, config.New(), logger.NOP, stats.NOP,
		WithDLQ(dlq, transport.TopicRequestResponseLogsDLQ))

	at := time.Now().UTC()
	mb := MiniBatch{Messages: []transport.Message{
		logMessage(t, 1, "req-1", "sk-good", at, false),
		logMessage(t, 2, "req-2", "sk-good", at, false),
	}}

	err := p.Process(context.Background(), mb)
	require.Error(t, err)
	require.Len(t, dlq.sentTo(transport.TopicRequestResponseLogsDLQ), 2)
}

func TestLogProcessorStreamOnlyFilter(t *testing.T) {
	comm := &fakeCommitter{}
	p := NewLogProcessor(stubDeps(&stubResolver{}), comm, config.New(), logger.NOP, stats.NOP,
		WithStreamOnly())

	at := time.Now().UTC()
	mb := MiniBatch{Messages: []transport.Message{
		logMessage(t, 1, "req-1", "sk-good", at, true),
		logMessage(t, 2, "req-2", "sk-good", at, false),
	}}

	require.NoError(t, p.Process(context.Background(), mb))
	require.Len(t, comm.payloads, 1)
	require.Len(t, comm.payloads[0].Requests, 1)
	require.Equal(t, "req-1", comm.payloads[0].Requests[0].ID)
}

func TestLogProcessorEndOfWindow(t *testing.T) {
	end := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	comm := &fakeCommitter{}
	p := NewLogProcessor(stubDeps(&stubResolver{}), comm, config.New(), logger.NOP, stats.NOP,
		WithEndTimestamp(end))

	mb := MiniBatch{Messages: []transport.Message{
		logMessage(t, 1, "req-1", "sk-good", end.Add(time.Hour), false),
	}}

	require.ErrorIs(t, p.Process(context.Background(), mb), ErrEndOfWindow)
	require.Empty(t, comm.payloads)
}

func TestScoresProcessorUpdatesStore(t *testing.T) {
	store := &recordingScoreStore{}
	p := NewScoresProcessor(store, logger.NOP)

	record := `{"requestId": "req-1", "organizationId": "org-1", "scores": {"quality": 8}}`
	mb := MiniBatch{Messages: []transport.Message{{Offset: 1, Value: envelopeOf(t, record), Timestamp: time.Now()}}}

	require.NoError(t, p.Process(context.Background(), mb))
	require.Len(t, store.updates, 1)
	require.Equal(t, "req-1", store.updates[0].RequestID)
	require.Equal(t, map[string]int{"quality": 8}, store.updates[0].Scores)
}

func TestScoresProcessorDeadLettersOnStoreFailure(t *testing.T) {
	store := &recordingScoreStore{err: errors.New("clickhouse down")}
	dlq := &fakeProducer{}
	p := NewScoresProcessor(store, logger.NOP, WithScoresDLQ(dlq, transport.TopicScoresDLQ))

	record := `{"requestId": "req-1", "organizationId": "org-1", "scores": {"quality": 8}}`
	mb := MiniBatch{Messages: []transport.Message{{Offset: 1, Value: envelopeOf(t, record)}}}

	require.Error(t, p.Process(context.Background(), mb))
	require.Len(t, dlq.sentTo(transport.TopicScoresDLQ), 1)
}

type recordingScoreStore struct {
	updates []models.ScoreUpdate
	err     error
}

func (s *recordingScoreStore) UpdateScores(_ context.Context, updates []models.ScoreUpdate) error {
	s.updates = append(s.updates, updates...)
	return s.err
}
