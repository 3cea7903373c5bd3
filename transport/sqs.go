package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/samber/lo"
)

// sqsMaxBatch is the hard SQS limit on receive/delete/send batch sizes.
const sqsMaxBatch = 10

// SQSConsumer consumes a competing-consumer queue. There are no offsets:
// acknowledgment is message deletion, batched at most ten per call. Deletion
// failures are logged, not retried; a redelivery is acceptable since all
// downstream effects are idempotent upserts.
type SQSConsumer struct {
	client   sqsiface.SQSAPI
	queueURL string
	waitTime int64
	log      logger.Logger
}

func NewSQSConsumer(sess *session.Session, queueURL string, conf *config.Config, log logger.Logger) *SQSConsumer {
	return &SQSConsumer{
		client:   sqs.New(sess),
		queueURL: queueURL,
		waitTime: conf.GetInt64("SQS.waitTimeSeconds", 10),
		log:      log.Child("sqs-consumer"),
	}
}

func (c *SQSConsumer) Pull(ctx context.Context, max int) ([]Message, error) {
	var msgs []Message
	waitTime := c.waitTime
	for len(msgs) < max {
		count := int64(max - len(msgs))
		if count > sqsMaxBatch {
			count = sqsMaxBatch
		}
		out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: aws.Int64(count),
			WaitTimeSeconds:     aws.Int64(waitTime),
			AttributeNames:      []*string{aws.String(sqs.MessageSystemAttributeNameSentTimestamp)},
		})
		if err != nil {
			if len(msgs) > 0 {
				return msgs, nil
			}
			return nil, fmt.Errorf("receiving messages: %w", err)
		}
		if len(out.Messages) == 0 {
			break
		}
		for _, m := range out.Messages {
			msgs = append(msgs, Message{
				Topic:         c.queueURL,
				Value:         []byte(aws.StringValue(m.Body)),
				Timestamp:     sentTimestamp(m),
				ReceiptHandle: aws.StringValue(m.ReceiptHandle),
			})
		}
		// Only the first receive long-polls; subsequent ones drain.
		waitTime = 0
	}
	return msgs, nil
}

// Ack deletes processed messages in chunks of at most ten.
func (c *SQSConsumer) Ack(ctx context.Context, msgs ...Message) error {
	for _, chunk := range lo.Chunk(msgs, sqsMaxBatch) {
		entries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(chunk))
		for _, m := range chunk {
			if m.ReceiptHandle == "" {
				continue
			}
			entries = append(entries, &sqs.DeleteMessageBatchRequestEntry{
				Id:            aws.String(uuid.New().String()),
				ReceiptHandle: aws.String(m.ReceiptHandle),
			})
		}
		if len(entries) == 0 {
			continue
		}
		out, err := c.client.DeleteMessageBatchWithContext(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.queueURL),
			Entries:  entries,
		})
		if err != nil {
			c.log.Errorf("deleting %d messages: %v", len(entries), err)
			continue
		}
		for _, failed := range out.Failed {
			c.log.Errorf("deleting message: %s (%s)", aws.StringValue(failed.Message), aws.StringValue(failed.Code))
		}
	}
	return nil
}

// SeekToTimestamp is meaningless for a competing-consumer queue.
func (c *SQSConsumer) SeekToTimestamp(ctx context.Context, ts time.Time) error {
	return fmt.Errorf("sqs does not support timestamp seeks")
}

func (c *SQSConsumer) Close(ctx context.Context) error { return nil }

func sentTimestamp(m *sqs.Message) time.Time {
	attr, ok := m.Attributes[sqs.MessageSystemAttributeNameSentTimestamp]
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(aws.StringValue(attr), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SQSProducer sends messages to a queue, batched at most ten per call, with
// bounded retries.
type SQSProducer struct {
	client      sqsiface.SQSAPI
	queueURLs   map[string]string
	sendRetries int
	retryDelay  time.Duration
	log         logger.Logger
}

// NewSQSProducer maps logical topic names to queue URLs so callers can use
// the same SendMessages contract as the Kafka producer.
func NewSQSProducer(sess *session.Session, queueURLs map[string]string, conf *config.Config, log logger.Logger) *SQSProducer {
	return &SQSProducer{
		client:      sqs.New(sess),
		queueURLs:   queueURLs,
		sendRetries: conf.GetInt("SQS.sendRetries", 3),
		retryDelay:  conf.GetDuration("SQS.sendRetryDelay", 200, time.Millisecond),
		log:         log.Child("sqs-producer"),
	}
}

func (p *SQSProducer) SendMessages(ctx context.Context, msgs []ProducedMessage, topic string) error {
	queueURL, ok := p.queueURLs[topic]
	if !ok {
		return fmt.Errorf("no queue mapped for topic %s", topic)
	}
	for _, chunk := range lo.Chunk(msgs, sqsMaxBatch) {
		entries := make([]*sqs.SendMessageBatchRequestEntry, len(chunk))
		for i, m := range chunk {
			entries[i] = &sqs.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(string(m.Value)),
			}
		}
		if err := p.sendBatch(ctx, queueURL, entries); err != nil {
			return err
		}
	}
	return nil
}

func (p *SQSProducer) sendBatch(ctx context.Context, queueURL string, entries []*sqs.SendMessageBatchRequestEntry) error {
	var err error
	for attempt := 0; attempt < p.sendRetries; attempt++ {
		_, err = p.client.SendMessageBatchWithContext(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err == nil {
			return nil
		}
		p.log.Warnf("sending %d messages (attempt %d): %v", len(entries), attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	return fmt.Errorf("sending %d messages: %w", len(entries), err)
}

func (p *SQSProducer) Close(ctx context.Context) error { return nil }
