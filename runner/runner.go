// Package runner wires every client and consumer role together and owns the
// process lifecycle: construction, signal-driven drain, exit code.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/siphonlog/siphon/analytics"
	"github.com/siphonlog/siphon/api"
	"github.com/siphonlog/siphon/authstore"
	"github.com/siphonlog/siphon/blobstore"
	"github.com/siphonlog/siphon/bodyparser"
	"github.com/siphonlog/siphon/committer"
	"github.com/siphonlog/siphon/consumer"
	"github.com/siphonlog/siphon/cost"
	"github.com/siphonlog/siphon/logstore"
	"github.com/siphonlog/siphon/models"
	"github.com/siphonlog/siphon/pipeline"
	"github.com/siphonlog/siphon/settings"
	"github.com/siphonlog/siphon/transport"
)

// Run constructs the service and blocks until ctx is canceled or a consumer
// fails. The returned exit code is non-zero on construction failure or an
// unclean shutdown.
func Run(ctx context.Context) int {
	conf := config.New()
	logFactory := logger.NewFactory(conf)
	log := logFactory.NewLogger().Child("siphon")
	statsFactory := stats.NewStats(conf, logFactory, svcMetric.Instance,
		stats.WithServiceName("siphon"),
	)
	if err := statsFactory.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		log.Errorf("starting stats: %v", err)
		return 1
	}
	defer statsFactory.Stop()

	db, err := sql.Open("postgres", conf.GetString("DB.dsn", "postgres://localhost:5432/siphon?sslmode=disable"))
	if err != nil {
		log.Errorf("opening postgres: %v", err)
		return 1
	}
	db.SetMaxOpenConns(conf.GetInt("DB.maxOpenConns", 40))
	defer func() { _ = db.Close() }()

	analyticsClient, err := analytics.New(analytics.Credentials{
		Addr:            conf.GetStringSlice("ClickHouse.addresses", []string{"localhost:9000"}),
		Database:        conf.GetString("ClickHouse.database", "default"),
		Username:        conf.GetString("ClickHouse.user", "default"),
		Password:        conf.GetString("ClickHouse.password", ""),
		GatewayUsername: conf.GetString("ClickHouse.gatewayUser", "gateway"),
		GatewayPassword: conf.GetString("ClickHouse.gatewayPassword", ""),
	}, log)
	if err != nil {
		log.Errorf("opening clickhouse: %v", err)
		return 1
	}
	defer func() { _ = analyticsClient.Close() }()

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(conf.GetString("AWS.region", "us-west-2")),
	})
	if err != nil {
		log.Errorf("opening aws session: %v", err)
		return 1
	}
	blobs := blobstore.New(sess, conf.GetString("S3.bucket", "siphon-request-response-storage"), log)

	logStore := logstore.New(db, log, statsFactory)
	settingsProvider := settings.NewPGProvider(db, log)
	auth := authstore.New(db, conf, log)
	bodies := bodyparser.New(log)
	costs := cost.NewCalculator()

	deps := pipeline.Deps{
		Auth:         auth,
		RateLimits:   logStore,
		Blobs:        blobs,
		Bodies:       bodies,
		Cost:         costs,
		Webhooks:     logStore,
		Meter:        logStore,
		Conf:         conf,
		Log:          log,
		StatsFactory: statsFactory,
	}
	comm := committer.New(logStore, analyticsClient, blobs, log, statsFactory)
	scores := scoreStore{relational: logStore, analytics: analyticsClient}

	producer, err := buildProducer(conf, sess, log)
	if err != nil {
		log.Errorf("building producer: %v", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr: conf.GetString("HTTP.addr", ":8585"),
		Handler: (&api.API{
			AccessKey:    conf.GetString("HTTP.manualAccessKey", ""),
			PipelineDeps: deps,
			Committer:    comm,
			Gateway:      analyticsClient,
			Auth:         auth,
			Logger:       log.Child("api"),
			Stats:        statsFactory,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	for _, role := range conf.GetStringSlice("Consumer.roles", []string{"primary", "dlq", "scores", "scores-dlq"}) {
		role := role
		c, err := buildConsumer(role, conf, sess, deps, comm, scores, producer, settingsProvider, log, statsFactory)
		if err != nil {
			log.Errorf("building consumer role %s: %v", role, err)
			return 1
		}
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("consumer role %s: %w", role, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if closeErr := producer.Close(context.Background()); closeErr != nil {
		log.Errorf("closing producer: %v", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("shutting down: %v", err)
		return 1
	}
	log.Infof("shutdown complete")
	return 0
}

// buildConsumer assembles one consumer role: its transport, processor and
// loop options. Roles map to topics and distinct consumer groups so
// backfill and replay runs never contend with the live consumer's offsets.
func buildConsumer(
	role string,
	conf *config.Config,
	sess *session.Session,
	deps pipeline.Deps,
	comm consumer.Committer,
	scores consumer.ScoreStore,
	producer transport.Producer,
	provider settings.Provider,
	log logger.Logger,
	statsFactory stats.Stats,
) (*consumer.Consumer, error) {
	var (
		topic      string
		settingKey string
		procOpts   []consumer.LogProcessorOpt
		opts       consumer.Opts
	)
	switch role {
	case "primary":
		topic = transport.TopicRequestResponseLogs
		settingKey = settings.KeyLogConsumer
		opts = consumer.Opts{Role: role, SettingKey: settingKey, DefaultMiniBatchSize: 300}
		procOpts = append(procOpts, consumer.WithDLQ(producer, transport.TopicRequestResponseLogsDLQ))
	case "low-priority":
		topic = transport.TopicRequestResponseLogsLowPriority
		settingKey = settings.KeyLogConsumer
		opts = consumer.Opts{Role: role, SettingKey: settingKey, DefaultMiniBatchSize: 300}
		procOpts = append(procOpts, consumer.WithDLQ(producer, transport.TopicRequestResponseLogsDLQ))
	case "dlq":
		topic = transport.TopicRequestResponseLogsDLQ
		settingKey = settings.KeyDLQConsumer
		opts = consumer.Opts{Role: role, SettingKey: settingKey, DefaultMiniBatchSize: 100}
	case "backfill":
		topic = transport.TopicRequestResponseLogs
		settingKey = settings.KeyBackfillConsumer
		start, err := parseTimestamp(conf.GetString("Consumer.backfill.startTimestamp", ""))
		if err != nil {
			return nil, fmt.Errorf("parsing backfill start timestamp: %w", err)
		}
		end, err := parseTimestamp(conf.GetString("Consumer.backfill.endTimestamp", ""))
		if err != nil {
			return nil, fmt.Errorf("parsing backfill end timestamp: %w", err)
		}
		opts = consumer.Opts{
			Role:                 role,
			SettingKey:           settingKey,
			DefaultMiniBatchSize: 300,
			StartTimestamp:       start,
		}
		if !end.IsZero() {
			procOpts = append(procOpts, consumer.WithEndTimestamp(end))
		}
		if conf.GetBool("Consumer.backfill.streamOnly", false) {
			procOpts = append(procOpts, consumer.WithStreamOnly())
		}
	case "scores", "scores-dlq":
		// handled below
	default:
		return nil, fmt.Errorf("unknown consumer role %q", role)
	}

	if role == "scores" || role == "scores-dlq" {
		topic = transport.TopicScores
		settingKey = settings.KeyScoresConsumer
		var scoreOpts []consumer.ScoresProcessorOpt
		if role == "scores" {
			scoreOpts = append(scoreOpts, consumer.WithScoresDLQ(producer, transport.TopicScoresDLQ))
		} else {
			topic = transport.TopicScoresDLQ
			settingKey = settings.KeyScoresDLQConsumer
		}
		t, err := buildTransport(conf, sess, topic, role, log)
		if err != nil {
			return nil, err
		}
		proc := consumer.NewScoresProcessor(scores, log, scoreOpts...)
		return consumer.New(t, proc, provider, consumer.Opts{
			Role: role, SettingKey: settingKey, DefaultMiniBatchSize: 100,
		}, conf, log, statsFactory), nil
	}

	t, err := buildTransport(conf, sess, topic, role, log)
	if err != nil {
		return nil, err
	}
	proc := consumer.NewLogProcessor(deps, comm, conf, log, statsFactory, procOpts...)
	return consumer.New(t, proc, provider, opts, conf, log, statsFactory), nil
}

func buildTransport(conf *config.Config, sess *session.Session, topic, role string, log logger.Logger) (transport.Consumer, error) {
	switch conf.GetString("Transport.type", "kafka") {
	case "kafka":
		brokers := conf.GetStringSlice("Kafka.brokers", []string{"localhost:9092"})
		if role == "backfill" {
			// Timestamp seeks need an ungrouped, partition-pinned reader.
			return transport.NewKafkaConsumer(brokers, topic, log,
				transport.WithPartition(conf.GetInt("Consumer.backfill.partition", 0)),
			), nil
		}
		return transport.NewKafkaConsumer(brokers, topic, log,
			transport.WithGroupID("siphon-"+role),
		), nil
	case "sqs":
		queueURL := conf.GetString("SQS.queueURL."+topic, "")
		if queueURL == "" {
			return nil, fmt.Errorf("no queue url configured for topic %s", topic)
		}
		return transport.NewSQSConsumer(sess, queueURL, conf, log), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", conf.GetString("Transport.type", "kafka"))
	}
}

// buildProducer returns the dead-letter/fallback producer. With both
// transports configured the Kafka producer is primary best-effort and SQS is
// authoritative.
func buildProducer(conf *config.Config, sess *session.Session, log logger.Logger) (transport.Producer, error) {
	kafkaProducer := transport.NewKafkaProducer(conf.GetStringSlice("Kafka.brokers", []string{"localhost:9092"}), conf, log)
	if !conf.GetBool("SQS.dualWrite", false) {
		return kafkaProducer, nil
	}
	queueURLs := map[string]string{}
	for _, topic := range []string{
		transport.TopicRequestResponseLogs,
		transport.TopicRequestResponseLogsDLQ,
		transport.TopicScores,
		transport.TopicScoresDLQ,
	} {
		if url := conf.GetString("SQS.queueURL."+topic, ""); url != "" {
			queueURLs[topic] = url
		}
	}
	sqsProducer := transport.NewSQSProducer(sess, queueURLs, conf, log)
	return transport.NewDualProducer(kafkaProducer, sqsProducer, log), nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// scoreStore spans the two sinks that hold score state: the relational
// score rows and the analytics scores map. Relational first; a relational
// failure aborts the update so redelivery can retry both.
type scoreStore struct {
	relational *logstore.LogStore
	analytics  *analytics.Client
}

func (s scoreStore) UpdateScores(ctx context.Context, updates []models.ScoreUpdate) error {
	if err := s.relational.InsertScores(ctx, updates); err != nil {
		return fmt.Errorf("inserting relational scores: %w", err)
	}
	if err := s.analytics.UpdateScores(ctx, updates); err != nil {
		return fmt.Errorf("updating analytics scores: %w", err)
	}
	return nil
}
