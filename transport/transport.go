// Package transport wraps the partitioned-log transport (Kafka) and the
// competing-consumer queue (SQS) behind one consumer/producer interface.
package transport

import (
	"context"
	"time"
)

// Topic names. Consumer groups are named per role so backfill and replay
// consumers can run alongside the live consumer without contending for the
// same offsets.
const (
	TopicRequestResponseLogs            = "request-response-logs-prod"
	TopicRequestResponseLogsDLQ         = "request-response-logs-prod-dlq"
	TopicRequestResponseLogsLowPriority = "request-response-logs-prod-low"
	TopicScores                         = "scores-prod"
	TopicScoresDLQ                      = "scores-prod-dlq"
)

// Message is one pulled transport message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	// ReceiptHandle is set by competing-consumer transports and used to
	// delete the message after processing.
	ReceiptHandle string
}

// Consumer pulls bounded batches and tracks progress by acknowledgment.
// Acking a message is monotonic within a partition: acknowledging offset K
// implies all offsets <= K are done. Unacknowledged messages are redelivered
// by the transport's own retry policy, not by this layer.
type Consumer interface {
	// Pull returns up to max messages, blocking with a short wait when no
	// message is immediately available.
	Pull(ctx context.Context, max int) ([]Message, error)
	// Ack commits progress through the given message.
	Ack(ctx context.Context, msgs ...Message) error
	// SeekToTimestamp positions the consumer at the offset nearest ts per
	// partition. Used once, before the first mini-batch, by backfill
	// consumers.
	SeekToTimestamp(ctx context.Context, ts time.Time) error
	Close(ctx context.Context) error
}

// ProducedMessage is one message to send.
type ProducedMessage struct {
	Key   []byte
	Value []byte
}

// Producer sends messages to a topic or queue.
type Producer interface {
	SendMessages(ctx context.Context, msgs []ProducedMessage, topic string) error
	Close(ctx context.Context) error
}
