package consumer

import (
	"context"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/transport"
)

// ScoreStore attaches scores to already-logged requests in the relational
// and analytics stores.
type ScoreStore interface {
	UpdateScores(ctx context.Context, updates []models.ScoreUpdate) error
}

// ScoresProcessor handles the scores topic and its dead-letter counterpart.
type ScoresProcessor struct {
	store    ScoreStore
	dlq      transport.Producer
	dlqTopic string
	log      logger.Logger
}

func NewScoresProcessor(store ScoreStore, log logger.Logger, opts ...ScoresProcessorOpt) *ScoresProcessor {
	p := &ScoresProcessor{
		store: store,
		log:   log.Child("scoresprocessor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ScoresProcessorOpt func(*ScoresProcessor)

func WithScoresDLQ(producer transport.Producer, topic string) ScoresProcessorOpt {
	return func(p *ScoresProcessor) {
		p.dlq = producer
		p.dlqTopic = topic
	}
}

func (p *ScoresProcessor) Process(ctx context.Context, mb MiniBatch) error {
	mapped, err := MapScoresMessages(mb.Messages)
	if err != nil {
		p.deadLetterRaw(ctx, mb.Messages)
		return fmt.Errorf("mapping scores mini-batch %s: %w", mb.ID(), err)
	}
	updates := make([]models.ScoreUpdate, 0, len(mapped))
	for _, m := range mapped {
		updates = append(updates, models.ScoreUpdate{
			OrganizationID: m.OrganizationID,
			RequestID:      m.RequestID,
			Scores:         m.Scores,
			CreatedAt:      m.CreatedAt.Time(),
		})
	}
	if err := p.store.UpdateScores(ctx, updates); err != nil {
		p.deadLetterRaw(ctx, mb.Messages)
		return fmt.Errorf("updating scores for mini-batch %s: %w", mb.ID(), err)
	}
	return nil
}

func (p *ScoresProcessor) deadLetterRaw(ctx context.Context, msgs []transport.Message) {
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
