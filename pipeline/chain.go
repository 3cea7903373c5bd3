package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

// Outcome tells the chain whether to keep going after a stage returns.
type Outcome int

const (
	// Continue passes the context to the next stage.
	Continue Outcome = iota
	// Stop is a terminal success: later stages are skipped and the
	// traversal still reports success (e.g. a rate-limited record).
	Stop
)

// Stage is one step of the processing chain. Stages mutate the Context's
// write-once fields and never touch other records' contexts.
type Stage interface {
	Handle(ctx context.Context, c *Context) (Outcome, error)
}

type namedStage struct {
	name  string
	stage Stage
}

// Chain is an explicit ordered list of stages, each carrying an identifier
// tag used for logs and metrics. Composition happens once at construction;
// traversals are independent per record.
type Chain struct {
	stages       []namedStage
	log          logger.Logger
	statsFactory stats.Stats
}

func NewChain(log logger.Logger, statsFactory stats.Stats) *Chain {
	return &Chain{
		log:          log.Child("chain"),
		statsFactory: statsFactory,
	}
}

func (ch *Chain) Append(name string, s Stage) *Chain {
	ch.stages = append(ch.stages, namedStage{name: name, stage: s})
	return ch
}

// Run traverses the chain for one record. A stage error unwinds without
// invoking later stages and is returned tagged with the stage name.
func (ch *Chain) Run(ctx context.Context, c *Context) error {
	for _, e := range ch.stages {
		start := time.Now()
		outcome, err := e.stage.Handle(ctx, c)
		ch.statsFactory.NewTaggedStat("pipeline_stage_duration", stats.TimerType, stats.Tags{
			"stage": e.name,
		}).Since(start)
		if err != nil {
			ch.statsFactory.NewTaggedStat("pipeline_stage_failures", stats.CountType, stats.Tags{
				"stage": e.name,
			}).Increment()
			return fmt.Errorf("stage %s: %w", e.name, err)
		}
		if outcome == Stop {
			ch.log.Debugf("stage %s stopped chain for request %s", e.name, c.Message.Log.Request.ID)
			return nil
		}
	}
	return nil
}
