package transport

import (
	"context"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

// DualProducer writes to a primary transport best-effort and returns the
// secondary's result as authoritative. It exists to migrate between
// transports without a flag day: point primary at the old transport,
// secondary at the new one, then drop the primary once traffic is verified.
type DualProducer struct {
	primary   Producer
	secondary Producer
	log       logger.Logger
}

func NewDualProducer(primary, secondary Producer, log logger.Logger) *DualProducer {
	return &DualProducer{
		primary:   primary,
		secondary: secondary,
		log:       log.Child("dual-producer"),
	}
}

func (p *DualProducer) SendMessages(ctx context.Context, msgs []ProducedMessage, topic string) error {
	if err := p.primary.SendMessages(ctx, msgs, topic); err != nil {
		p.log.Warnf("primary send to %s failed: %v", topic, err)
	}
	return p.secondary.SendMessages(ctx, msgs, topic)
}

func (p *DualProducer) Close(ctx context.Context) error {
	errPrimary := p.primary.Close(ctx)
	if errSecondary := p.secondary.Close(ctx); errSecondary != nil {
		return errSecondary
	}
	return errPrimary
}
