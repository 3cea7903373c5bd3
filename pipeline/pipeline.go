// Package pipeline implements the per-record processing chain: a fixed,
// ordered sequence of stages sharing one write-once Context per record.
package pipeline

import (
	"context"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/siphonlog/siphon/models"
)

// Deps bundles the external collaborators every log pipeline needs. All of
// them are constructed at process start and injected; the pipeline owns
// none of their lifecycles.
type Deps struct {
	Auth       AuthResolver
	RateLimits RateLimitStore
	Blobs      BlobFetcher
	Bodies     BodyProcessor
	Cost       CostCalculator
	Webhooks   WebhookStore
	Meter      UsageMeter

	Conf         *config.Config
	Log          logger.Logger
	StatsFactory stats.Stats
}

// LogPipeline processes the records of exactly one mini-batch. A fresh
// pipeline is built per mini-batch so stage buffers and the batch payload
// never leak across acknowledgment boundaries.
type LogPipeline struct {
	chain       *Chain
	payload     *models.BatchPayload
	rateLimit   *RateLimitStage
	sideEffects []ResultsHandler
	log         logger.Logger
}

// NewLogPipeline composes the chain in its fixed order:
// Authentication -> RateLimit -> RequestBody -> ResponseBody -> Prompt ->
// Logging, with best-effort side channels attached after the terminal
// logging stage.
func NewLogPipeline(deps Deps, payload *models.BatchPayload) *LogPipeline {
	rateLimit := NewRateLimitStage(deps.RateLimits, deps.Log)
	prompts := NewPromptStage(deps.Conf, deps.Log)

	chain := NewChain(deps.Log, deps.StatsFactory).
		Append("AuthStage", NewAuthStage(deps.Auth, deps.Log)).
		Append("RateLimitStage", rateLimit).
		Append("RequestBodyStage", NewRequestBodyStage(deps.Blobs, deps.Bodies, deps.Conf, deps.Log)).
		Append("ResponseBodyStage", NewResponseBodyStage(deps.Bodies, deps.Conf, deps.Log)).
		Append("PromptStage", prompts).
		Append("LoggingStage", NewLoggingStage(payload, deps.Cost, prompts, deps.Log))

	p := &LogPipeline{
		chain:     chain,
		payload:   payload,
		rateLimit: rateLimit,
		log:       deps.Log.Child("pipeline"),
	}
	if deps.Webhooks != nil {
		webhooks := NewWebhookStage(deps.Webhooks, deps.Log)
		chain.Append(webhooks.Name(), webhooks)
		p.sideEffects = append(p.sideEffects, webhooks)
	}
	if deps.Meter != nil {
		meter := NewUsageMeterStage(deps.Meter, deps.Log)
		chain.Append(meter.Name(), meter)
		p.sideEffects = append(p.sideEffects, meter)
	}
	return p
}

// ProcessRecord runs one record's chain traversal. A non-nil error means the
// record was dropped; the caller decides whether to dead-letter it.
func (p *LogPipeline) ProcessRecord(ctx context.Context, msg models.Message) error {
	return p.chain.Run(ctx, NewContext(msg))
}

// Payload exposes the accumulated batch payload for the committer.
func (p *LogPipeline) Payload() *models.BatchPayload { return p.payload }

// FlushRateLimits persists the sampled-out audit rows buffered during this
// mini-batch.
func (p *LogPipeline) FlushRateLimits(ctx context.Context) error {
	return p.rateLimit.HandleResults(ctx)
}

// FlushSideEffects runs every side channel's handleResults pass. Failures
// are logged and never propagated into the primary path.
func (p *LogPipeline) FlushSideEffects(ctx context.Context) {
	for _, h := range p.sideEffects {
		if err := h.HandleResults(ctx); err != nil {
			p.log.Errorf("side effect %s: %v", h.Name(), err)
		}
	}
}
