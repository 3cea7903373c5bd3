package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"golang.org/x/sync/errgroup"

	"github.com/siphonlog/siphon/committer"
	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
	"github.com/siphonlog/siphon/transport"
)

// Committer is the batch-commit collaborator.
type Committer interface {
	Commit(ctx context.Context, payload *models.BatchPayload) committer.Result
}

// LogProcessorOpt configures optional backfill/replay behavior.
type LogProcessorOpt func(*LogProcessor)

// WithEndTimestamp stops consumption once a record's creation time exceeds
// ts.
func WithEndTimestamp(ts time.Time) LogProcessorOpt {
	return func(p *LogProcessor) { p.endTimestamp = ts }
}

// WithStreamOnly drops non-stream records before processing.
func WithStreamOnly() LogProcessorOpt {
	return func(p *LogProcessor) { p.streamOnly = true }
}

// WithDLQ dead-letters unmappable mini-batches, failed records and failed
// relational commits to the given topic.
func WithDLQ(producer transport.Producer, topic string) LogProcessorOpt {
	return func(p *LogProcessor) {
		p.dlq = producer
		p.dlqTopic = topic
	}
}

// LogProcessor maps one mini-batch of request/response log messages, fans
// the records out through fresh processing chains with bounded parallelism,
// and commits the accumulated payload to the three sinks.
type LogProcessor struct {
	deps      pipeline.Deps
	committer Committer

	dlq          transport.Producer
	dlqTopic     string
	endTimestamp time.Time
	streamOnly   bool

	concurrency  *config.Reloadable[int]
	log          logger.Logger
	statsFactory stats.Stats
}

func NewLogProcessor(deps pipeline.Deps, c Committer, conf *config.Config, log logger.Logger, statsFactory stats.Stats, opts ...LogProcessorOpt) *LogProcessor {
	p := &LogProcessor{
		deps:         deps,
		committer:    c,
		concurrency:  conf.GetReloadableIntVar(32, 1, "Consumer.recordConcurrency"),
		log:          log.Child("logprocessor"),
		statsFactory: statsFactory,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type mappedRecord struct {
	raw    transport.Message
	record models.Message
}

func (p *LogProcessor) Process(ctx context.Context, mb MiniBatch) error {
	mapped, err := MapMessages(mb.Messages)
	if err != nil {
		// Structurally unparseable payloads fail the whole mini-batch: no
		// partial commit. The raw messages go to the dead-letter path and
		// the caller acks, since redelivery cannot fix a malformed payload.
		p.deadLetterRaw(ctx, mb.Messages)
		return fmt.Errorf("mapping mini-batch %s: %w", mb.ID(), err)
	}

	records := make([]mappedRecord, 0, len(mapped))
	for i, rec := range mapped {
		records = append(records, mappedRecord{raw: mb.Messages[i], record: rec})
	}

	records, endReached := p.filter(records)
	if endReached {
		return ErrEndOfWindow
	}
	if len(records) == 0 {
		return nil
	}

	payload := models.NewBatchPayload()
	pl := pipeline.NewLogPipeline(p.deps, payload)

	// Records fan out with bounded concurrency; ordering across records does
	// not matter, only within a record's own chain. Per-record failures are
	// isolated: the record is dead-lettered and the mini-batch continues.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency.Load())
	for _, r := range records {
		r := r
		g.Go(func() error {
			if err := pl.ProcessRecord(gctx, r.record); err != nil {
				p.log.Errorf("processing request %s in mini-batch %s: %v",
					r.record.Log.Request.ID, mb.ID(), err)
				p.statsFactory.NewTaggedStat("record_failures", stats.CountType, stats.Tags{
					"topic": mb.Messages[0].Topic,
				}).Increment()
				p.deadLetterRaw(ctx, []transport.Message{r.raw})
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := pl.FlushRateLimits(ctx); err != nil {
		p.log.Errorf("flushing rate limits for mini-batch %s: %v", mb.ID(), err)
	}

	res := p.committer.Commit(ctx, payload)
	if res.PG != nil {
		// The relational rows are the canonical record; give them a second
		// life through the dead-letter path.
		p.deadLetterRaw(ctx, mb.Messages)
	}

	pl.FlushSideEffects(ctx)

	p.log.Infof("finished mini-batch %s: %d records, %d committed", mb.ID(), len(records), payload.Size())
	if res.HasError() {
		return fmt.Errorf("committing mini-batch %s: pg=%v blob=%v analytics=%v",
			mb.ID(), res.PG, res.Blob, res.Analytics)
	}
	return nil
}

// filter applies the stream-only and end-timestamp backfill filters.
// endReached reports that every remaining record lies beyond the window.
func (p *LogProcessor) filter(records []mappedRecord) (kept []mappedRecord, endReached bool) {
	if p.streamOnly {
		filtered := records[:0]
		for _, r := range records {
			if r.record.Log.Request.IsStream {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if p.endTimestamp.IsZero() {
		return records, false
	}
	if len(records) > 0 && records[0].record.Log.Request.RequestCreatedAt.Time().After(p.endTimestamp) {
		return nil, true
	}
	filtered := records[:0]
	for _, r := range records {
		if !r.record.Log.Request.RequestCreatedAt.Time().After(p.endTimestamp) {
			filtered = append(filtered, r)
		}
	}
	return filtered, false
}

func (p *LogProcessor) deadLetterRaw(ctx context.Context, msgs []transport.Message) {
	if p.dlq == nil || len(msgs) == 0 {
		return
	}
	out := make([]transport.ProducedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = transport.ProducedMessage{Key: m.Key, Value: m.Value}
	}
	if err := p.dlq.SendMessages(ctx, out, p.dlqTopic); err != nil {
		p.log.Errorf("sending %d messages to %s: %v", len(out), p.dlqTopic, err)
	}
}
