package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/s3stream/internal/engine"
	"github.com/lsm/s3stream/internal/kafka"
	"github.com/lsm/s3stream/internal/observability"
	"github.com/lsm/s3stream/internal/retry"
	"github.com/lsm/s3stream/internal/tracing"
)

// Record headers stamped on every produced record.
const (
	HeaderObjectKey = "s3stream-object-key"
	HeaderPrefix    = "s3stream-prefix"
	HeaderLine      = "s3stream-line"
	HeaderConnector = "s3stream-connector"
	HeaderRecordID  = "s3stream-record-id"
)

// recordNamespace seeds record ids so a replayed line keeps its id.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("s3stream"))

// producer abstracts the franz-go client for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// topicLister abstracts the kadm client for testing.
type topicLister interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster   kafka.ClusterConfig
	Connector string
}

// Sink produces engine records to Kafka.
type Sink struct {
	client    producer
	admin     topicLister
	connector string
	retry     retry.Config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
}

// NewSink creates a Kafka sink backed by a new franz-go client.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Connector == "" {
		return nil, errors.New("connector name is required")
	}
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}

	client, err := kafka.NewProducer(cfg.Cluster)
	if err != nil {
		return nil, err
	}
	return newSink(client, kadm.NewClient(client), cfg, logger), nil
}

func newSink(client producer, admin topicLister, cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client:    client,
		admin:     admin,
		connector: cfg.Connector,
		retry:     cfg.Cluster.WithDefaults().Retry,
		logger:    logger.With("connector", cfg.Connector),
		tracer:    noop.NewTracerProvider().Tracer("kafka-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		s.tracer = tracer
	}
}

// SetMetrics enables delivery counters.
func (s *Sink) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// EnsureTopic verifies that topic exists and its metadata loads.
func (s *Sink) EnsureTopic(ctx context.Context, topic string) error {
	details, err := s.admin.ListTopics(ctx, topic)
	if err != nil {
		return fmt.Errorf("list topic %s: %w", topic, err)
	}
	d, ok := details[topic]
	if !ok {
		return fmt.Errorf("topic %s: %w", topic, kerr.UnknownTopicOrPartition)
	}
	if d.Err != nil {
		return fmt.Errorf("topic %s: %w", topic, d.Err)
	}
	return nil
}

// Deliver produces records in order, retrying the unacknowledged tail.
func (s *Sink) Deliver(ctx context.Context, records []engine.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	start := time.Now()
	topic := records[0].Topic

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.ConnectorAttr(s.connector),
			tracing.KafkaTopicAttr(topic),
			tracing.RecordCountAttr(len(records)),
		),
	)
	defer span.End()

	krecs := make([]*kgo.Record, len(records))
	for i, r := range records {
		krecs[i] = s.toKafka(ctx, r)
	}

	acked := 0
	err := retry.Do(ctx, s.retry, func() error {
		n, err := s.produce(ctx, krecs[acked:])
		acked += n
		if err == nil {
			return nil
		}
		s.logger.Warn("kafka delivery incomplete", "topic", topic, "acked", acked, "records", len(krecs), "error", err)
		if !retriable(ctx, err) {
			return retry.Permanent(err)
		}
		return err
	})

	if s.metrics != nil && acked > 0 {
		s.metrics.RecordsDelivered.WithLabelValues(s.connector).Add(float64(acked))
	}
	if err != nil {
		err = retry.Cause(err)
		tracing.SetSpanError(span, err)
		s.logger.Error("kafka delivery failed", "topic", topic, "acked", acked, "records", len(krecs), "error", err)
		return acked, fmt.Errorf("deliver to %s: %w", topic, err)
	}

	tracing.SetSpanOK(span)
	s.logger.Debug("records delivered", "topic", topic, "records", acked, "latency_ms", time.Since(start).Milliseconds())
	return acked, nil
}

// produce sends recs and returns how many leading records were acknowledged.
// Results are matched by record because ProduceSync does not preserve order.
func (s *Sink) produce(ctx context.Context, recs []*kgo.Record) (int, error) {
	results := s.client.ProduceSync(ctx, recs...)

	outcome := make(map[*kgo.Record]error, len(results))
	failures := 0
	for _, res := range results {
		outcome[res.Record] = res.Err
		if res.Err != nil {
			failures++
		}
	}
	if s.metrics != nil && failures > 0 {
		s.metrics.DeliveryErrors.WithLabelValues(s.connector).Add(float64(failures))
	}

	for i, r := range recs {
		err, ok := outcome[r]
		if !ok {
			return i, fmt.Errorf("no produce result for record %s", r.Key)
		}
		if err != nil {
			return i, fmt.Errorf("record %s: %w", r.Key, err)
		}
	}
	return len(recs), nil
}

func (s *Sink) toKafka(ctx context.Context, r engine.Record) *kgo.Record {
	id := uuid.NewSHA1(recordNamespace, []byte(s.connector+"\x00"+r.Key))
	headers := []kgo.RecordHeader{
		{Key: HeaderObjectKey, Value: []byte(r.ObjectKey)},
		{Key: HeaderPrefix, Value: []byte(r.Prefix)},
		{Key: HeaderLine, Value: []byte(strconv.Itoa(r.Line))},
		{Key: HeaderConnector, Value: []byte(s.connector)},
		{Key: HeaderRecordID, Value: []byte(id.String())},
	}

	carrier := propagation.MapCarrier{}
	tracing.Propagator().Inject(ctx, carrier)
	keys := carrier.Keys()
	slices.Sort(keys)
	for _, k := range keys {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(carrier.Get(k))})
	}

	return &kgo.Record{
		Topic:     r.Topic,
		Key:       []byte(r.Key),
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Headers:   headers,
	}
}

// Publish produces a single record with the given headers. It is used for
// dead-letter notices and shares the sink's retry policy.
func (s *Sink) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	slices.Sort(names)
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	for _, k := range names {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}

	err := retry.Do(ctx, s.retry, func() error {
		if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			if !retriable(ctx, err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, retry.Cause(err))
	}
	return nil
}

// retriable reports whether a failed produce is worth another attempt.
func retriable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var kerrErr *kerr.Error
	if errors.As(err, &kerrErr) {
		return kerrErr.Retriable
	}
	return true
}

// Close shuts down the Kafka client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
