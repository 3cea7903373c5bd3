package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/segmentio/kafka-go"
)

// KafkaConsumerOption configures a KafkaConsumer.
type KafkaConsumerOption interface {
	apply(*kafkaConsumerConfig)
}

type withKafkaConsumerOption struct{ setup func(*kafkaConsumerConfig) }

func (w withKafkaConsumerOption) apply(c *kafkaConsumerConfig) { w.setup(c) }

// WithGroupID sets the consumer group. Backfill consumers that need
// timestamp seeks must not set a group and instead read one partition
// explicitly via WithPartition.
func WithGroupID(groupID string) KafkaConsumerOption {
	return withKafkaConsumerOption{setup: func(c *kafkaConsumerConfig) {
		c.groupID = groupID
	}}
}

// WithPartition pins an ungrouped consumer to one partition.
func WithPartition(partition int) KafkaConsumerOption {
	return withKafkaConsumerOption{setup: func(c *kafkaConsumerConfig) {
		c.partition = partition
	}}
}

// WithMaxWait sets how long the first fetch of a pull may block.
func WithMaxWait(d time.Duration) KafkaConsumerOption {
	return withKafkaConsumerOption{setup: func(c *kafkaConsumerConfig) {
		c.maxWait = d
	}}
}

type kafkaConsumerConfig struct {
	groupID   string
	partition int
	maxWait   time.Duration
	drainWait time.Duration
}

func (c *kafkaConsumerConfig) defaults() {
	if c.maxWait < 1 {
		c.maxWait = 10 * time.Second
	}
	if c.drainWait < 1 {
		c.drainWait = 100 * time.Millisecond
	}
}

// KafkaConsumer reads a topic through a kafka.Reader. Progress is tracked by
// consumer-group offset commits; unacknowledged messages are redelivered on
// rebalance or restart.
type KafkaConsumer struct {
	reader  *kafka.Reader
	brokers []string
	conf    kafkaConsumerConfig
	log     logger.Logger
}

func NewKafkaConsumer(brokers []string, topic string, log logger.Logger, opts ...KafkaConsumerOption) *KafkaConsumer {
	var conf kafkaConsumerConfig
	for _, opt := range opts {
		opt.apply(&conf)
	}
	conf.defaults()

	readerConfig := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MinBytes:    1 << 10,  // average message is ~1kB
		MaxBytes:    10 << 20,
		MaxWait:     conf.maxWait,
		StartOffset: kafka.FirstOffset,
	}
	if conf.groupID != "" {
		readerConfig.GroupID = conf.groupID
	} else {
		readerConfig.Partition = conf.partition
	}
	return &KafkaConsumer{
		reader:  kafka.NewReader(readerConfig),
		brokers: brokers,
		conf:    conf,
		log:     log.Child("kafka-consumer"),
	}
}

// Connect blocks until a broker answers, retrying with exponential backoff
// (100ms initial, doubling, capped at 30s) indefinitely. A consumer that
// cannot connect must not silently proceed.
func (c *KafkaConsumer) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	op := func() error {
		conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
		if err != nil {
			c.log.Warnf("could not connect to kafka at %s: %v", c.brokers[0], err)
			return err
		}
		return conn.Close()
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}
	c.log.Info("connected to kafka")
	return nil
}

// Pull blocks for the first message up to the reader's max wait, then drains
// whatever else is immediately available, up to max messages.
func (c *KafkaConsumer) Pull(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		return nil, nil
	}
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	msgs := make([]Message, 0, max)
	msgs = append(msgs, fromKafkaMessage(first))

	for len(msgs) < max {
		drainCtx, cancel := context.WithTimeout(ctx, c.conf.drainWait)
		m, err := c.reader.FetchMessage(drainCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if ctx.Err() != nil {
				return msgs, nil
			}
			return msgs, nil
		}
		msgs = append(msgs, fromKafkaMessage(m))
	}
	return msgs, nil
}

// Ack commits the given offsets. Committing an offset marks every earlier
// offset of the same partition as done.
func (c *KafkaConsumer) Ack(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if c.conf.groupID == "" {
		// Ungrouped readers track position locally.
		return nil
	}
	kmsgs := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		kmsgs[i] = kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
	}
	if err := c.reader.CommitMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("committing offsets: %w", err)
	}
	return nil
}

// SeekToTimestamp positions the reader at the offset nearest ts. Only
// ungrouped readers support seeking; group coordination owns the offsets
// otherwise.
func (c *KafkaConsumer) SeekToTimestamp(ctx context.Context, ts time.Time) error {
	if c.conf.groupID != "" {
		return errors.New("cannot seek a group consumer; use an ungrouped per-partition consumer for backfill")
	}
	if err := c.reader.SetOffsetAt(ctx, ts); err != nil {
		return fmt.Errorf("seeking to timestamp %s: %w", ts, err)
	}
	return nil
}

// Close drains in-flight commits and disconnects. It returns sooner if the
// context is canceled; the underlying close keeps running in background
// since the library does not support contexts on Close.
func (c *KafkaConsumer) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.reader.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func fromKafkaMessage(m kafka.Message) Message {
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Time,
	}
}

// KafkaProducer publishes messages through a kafka.Writer. Sends retry a
// bounded number of times with a fixed delay before surfacing failure to the
// caller.
type KafkaProducer struct {
	writer      *kafka.Writer
	sendRetries int
	retryDelay  time.Duration
	log         logger.Logger
}

func NewKafkaProducer(brokers []string, conf *config.Config, log logger.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           time.Second,
			WriteTimeout:           10 * time.Second,
			ReadTimeout:            10 * time.Second,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		sendRetries: conf.GetInt("Kafka.sendRetries", 3),
		retryDelay:  conf.GetDuration("Kafka.sendRetryDelay", 200, time.Millisecond),
		log:         log.Child("kafka-producer"),
	}
}

func (p *KafkaProducer) SendMessages(ctx context.Context, msgs []ProducedMessage, topic string) error {
	if len(msgs) == 0 {
		return nil
	}
	kmsgs := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		kmsgs[i] = kafka.Message{Topic: topic, Key: m.Key, Value: m.Value}
	}

	var err error
	for attempt := 0; attempt < p.sendRetries; attempt++ {
		if err = p.writer.WriteMessages(ctx, kmsgs...); err == nil {
			return nil
		}
		p.log.Warnf("sending %d messages to %s (attempt %d): %v", len(msgs), topic, attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	return fmt.Errorf("sending %d messages to %s: %w", len(msgs), topic, err)
}

func (p *KafkaProducer) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- p.writer.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
