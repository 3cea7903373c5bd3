// Package consumer runs the long-lived loops that pull bounded batches from
// the transport, slice them into mini-batches, and hand them to a processor.
// One consumer per role: primary, backfill, dlq, scores, scores-dlq.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/siphonlog/siphon/settings"
	"github.com/siphonlog/siphon/transport"
)

// ErrEndOfWindow is returned by a processor when a record beyond the
// configured end timestamp is reached; the consumer stops without
// acknowledging that mini-batch.
var ErrEndOfWindow = errors.New("end of consumption window reached")

// Processor handles one mini-batch. Returning nil or a non-window error
// means the mini-batch is done (successfully or with a tolerated failure)
// and its offsets must be acknowledged.
type Processor interface {
	Process(ctx context.Context, mb MiniBatch) error
}

type connector interface {
	Connect(ctx context.Context) error
}

// Opts configures one consumer role.
type Opts struct {
	Role                 string
	SettingKey           string
	DefaultMiniBatchSize int
	// StartTimestamp seeks the transport once, before the first pull.
	StartTimestamp time.Time
}

type Consumer struct {
	transport    transport.Consumer
	processor    Processor
	settings     settings.Provider
	opts         Opts
	log          logger.Logger
	statsFactory stats.Stats

	maxPull     *config.Reloadable[int]
	pausedSleep *config.Reloadable[time.Duration]
	pullErrWait *config.Reloadable[time.Duration]
}

func New(
	t transport.Consumer,
	processor Processor,
	provider settings.Provider,
	opts Opts,
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
) *Consumer {
	return &Consumer{
		transport:    t,
		processor:    processor,
		settings:     provider,
		opts:         opts,
		log:          log.Child("consumer").Child(opts.Role),
		statsFactory: statsFactory,
		maxPull:      conf.GetReloadableIntVar(3000, 1, "Consumer."+opts.Role+".maxPullSize", "Consumer.maxPullSize"),
		pausedSleep:  conf.GetReloadableDurationVar(10, time.Second, "Consumer."+opts.Role+".pausedSleep", "Consumer.pausedSleep"),
		pullErrWait:  conf.GetReloadableDurationVar(1, time.Second, "Consumer.pullErrorWait"),
	}
}

// Run blocks until ctx is canceled or the processor reports end-of-window.
// It returns the close error, if any, so the caller can exit non-zero on an
// unclean disconnect.
func (c *Consumer) Run(ctx context.Context) error {
	if conn, ok := c.transport.(connector); ok {
		if err := conn.Connect(ctx); err != nil {
			return c.shutdown(err)
		}
	}
	if !c.opts.StartTimestamp.IsZero() {
		if err := c.transport.SeekToTimestamp(ctx, c.opts.StartTimestamp); err != nil {
			return c.shutdown(err)
		}
		c.log.Infof("seeked to timestamp %s", c.opts.StartTimestamp)
	}

	for {
		if ctx.Err() != nil {
			return c.shutdown(nil)
		}
		batch, err := c.transport.Pull(ctx, c.maxPull.Load())
		if err != nil {
			if ctx.Err() != nil {
				return c.shutdown(nil)
			}
			c.log.Errorf("pulling batch: %v", err)
			select {
			case <-ctx.Done():
				return c.shutdown(nil)
			case <-time.After(c.pullErrWait.Load()):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}
		c.log.Infof("received batch with %d messages", len(batch))
		c.statsFactory.NewTaggedStat("consumer_batch_size", stats.HistogramType, stats.Tags{
			"role": c.opts.Role,
		}).Observe(float64(len(batch)))

		if err := c.consumeBatch(ctx, batch); err != nil {
			if errors.Is(err, ErrEndOfWindow) {
				c.log.Infof("reached end timestamp, stopping consumption")
				return c.shutdown(nil)
			}
			return c.shutdown(err)
		}
	}
}

func (c *Consumer) consumeBatch(ctx context.Context, batch []transport.Message) error {
	i := 0
	for i < len(batch) {
		if ctx.Err() != nil {
			return nil
		}
		// The mini-batch size is read fresh before each mini-batch so
		// operators can shrink or grow throughput without a redeploy.
		size := c.miniBatchSize(ctx)
		if size <= 0 {
			// Explicit backpressure valve: no ack, no processing.
			c.log.Warnf("mini-batch size is %d, pausing", size)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.pausedSleep.Load()):
			}
			continue
		}

		mb := sliceMiniBatch(batch, i, size)
		i += len(mb.Messages)
		c.log.Infof("processing mini-batch %s with %d messages (%d/%d of batch)",
			mb.ID(), len(mb.Messages), i, len(batch))

		start := time.Now()
		err := c.processor.Process(ctx, mb)
		c.statsFactory.NewTaggedStat("consumer_mini_batch_duration", stats.TimerType, stats.Tags{
			"role": c.opts.Role,
		}).Since(start)
		if errors.Is(err, ErrEndOfWindow) {
			return err
		}
		if err != nil {
			// Tolerated: the failure was reported/dead-lettered by the
			// processor and redelivery would not change the outcome.
			c.log.Errorf("processing mini-batch %s: %v", mb.ID(), err)
		}

		// Acknowledgment happens only after the commit attempt completes,
		// success or explicitly-tolerated failure, never before. Every
		// message of the mini-batch is passed: offset-committing transports
		// collapse this to the highest offset, receipt-handle transports
		// must delete each message individually.
		if err := c.transport.Ack(ctx, mb.Messages...); err != nil {
			c.log.Errorf("acknowledging mini-batch %s: %v", mb.ID(), err)
		}
	}
	return nil
}

func (c *Consumer) miniBatchSize(ctx context.Context) int {
	s, err := c.settings.Get(ctx, c.opts.SettingKey)
	if err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			c.log.Warnf("reading setting %s: %v", c.opts.SettingKey, err)
		}
		return c.opts.DefaultMiniBatchSize
	}
	return s.MiniBatchSize
}

// shutdown drains in-flight acknowledgment and disconnects before process
// exit. An unclean disconnect is surfaced so the process exits non-zero.
func (c *Consumer) shutdown(runErr error) error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.transport.Close(closeCtx); err != nil {
		c.log.Errorf("closing transport: %v", err)
		if runErr == nil {
			return err
		}
	}
	return runErr
}
