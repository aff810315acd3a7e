// Package kafka mirrors published change events to a Kafka topic for
// downstream consumers (analytics, audit). Records are keyed by record id so
// every change to one submission lands on one partition, in order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"quotefeed/internal/feed/models"
	"quotefeed/internal/platform/metrics"
)

const (
	headerKind     = "kind"
	headerSequence = "sequence"
	headerVersion  = "version"
	headerStreamID = "stream_id"

	DefaultDeliveryTimeout = 30 * time.Second
	DefaultMaxBuffered     = 10000
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// StreamID tags every record so consumers can tell sequence spaces of
	// different processes apart.
	StreamID string
	// Partitions and ReplicationFactor apply when EnsureTopic creates the
	// topic; -1 takes the broker defaults.
	Partitions        int32
	ReplicationFactor int16
	// DeliveryTimeout fails records the broker has not acknowledged in time.
	DeliveryTimeout time.Duration
	// MaxBuffered bounds records awaiting delivery. Beyond it Publish drops
	// the event and counts a failure.
	MaxBuffered int
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Mirror produces asynchronously; Publish never waits for the broker, not
// even for buffer space.
type Mirror struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	clientOpts []kgo.Opt
	admin      *kadm.Client
	produce    func(context.Context, *kgo.Record, func(*kgo.Record, error))
	flush      func(context.Context) error
	close      func()
}

type Option func(*Mirror)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mirror) {
		m.metrics = mt
	}
}

// WithClientOpts appends raw client options, applied after the defaults.
func WithClientOpts(opts ...kgo.Opt) Option {
	return func(m *Mirror) {
		m.clientOpts = append(m.clientOpts, opts...)
	}
}

// NewMirror creates the producer client.
func NewMirror(cfg Config, opts ...Option) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := newMirror(cfg, opts...)

	deliveryTimeout, maxBuffered := cfg.DeliveryTimeout, cfg.MaxBuffered
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(deliveryTimeout),
		kgo.MaxBufferedRecords(maxBuffered),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, m.clientOpts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	m.admin = kadm.NewClient(cl)
	m.produce = cl.TryProduce
	m.flush = cl.Flush
	m.close = cl.Close
	return m, nil
}

// EnsureTopic creates the mirror topic unless it already exists.
func (m *Mirror) EnsureTopic(ctx context.Context) error {
	if m.admin == nil {
		return nil
	}
	partitions, replication := m.cfg.Partitions, m.cfg.ReplicationFactor
	if partitions == 0 {
		partitions = -1
	}
	if replication == 0 {
		replication = -1
	}
	resp, err := m.admin.CreateTopic(ctx, partitions, replication, nil, m.cfg.Topic)
	if err == nil {
		err = resp.Err
	}
	switch {
	case err == nil:
		m.logger.InfoContext(ctx, "created kafka mirror topic", "topic", m.cfg.Topic)
		return nil
	case errors.Is(err, kerr.TopicAlreadyExists):
		return nil
	}
	return fmt.Errorf("create kafka topic %s: %w", m.cfg.Topic, err)
}

func newMirror(cfg Config, opts ...Option) *Mirror {
	m := &Mirror{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish queues ev for production. A full buffer fails the record at once
// with kgo.ErrMaxBuffered; it and delivery failures are logged and counted by
// the produce callback.
func (m *Mirror) Publish(ctx context.Context, ev models.ChangeEvent) error {
	rec, err := m.record(ev)
	if err != nil {
		return err
	}
	// Buffered records must survive the caller's cancellation; Close flushes
	// them.
	m.produce(context.WithoutCancel(ctx), rec, m.produced)
	return nil
}

// Close flushes buffered records until ctx expires, then closes the client.
func (m *Mirror) Close(ctx context.Context) error {
	err := m.flush(ctx)
	m.close()
	if err != nil {
		return fmt.Errorf("flush kafka mirror: %w", err)
	}
	return nil
}

func (m *Mirror) record(ev models.ChangeEvent) (*kgo.Record, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event %d: %w", ev.Sequence, err)
	}
	headers := []kgo.RecordHeader{
		{Key: headerKind, Value: []byte(ev.Kind)},
		{Key: headerSequence, Value: []byte(strconv.FormatUint(ev.Sequence, 10))},
		{Key: headerVersion, Value: []byte(strconv.FormatUint(ev.Version, 10))},
	}
	if m.cfg.StreamID != "" {
		headers = append(headers, kgo.RecordHeader{Key: headerStreamID, Value: []byte(m.cfg.StreamID)})
	}
	return &kgo.Record{
		Topic:     m.cfg.Topic,
		Key:       []byte(ev.RecordID),
		Value:     value,
		Headers:   headers,
		Timestamp: ev.ObservedAt,
	}, nil
}

func (m *Mirror) produced(rec *kgo.Record, err error) {
	if err == nil {
		return
	}
	m.metrics.IncMirrorFailures()
	m.logger.Warn("kafka mirror produce failed",
		"topic", rec.Topic,
		"record_id", string(rec.Key),
		"error", err,
	)
}
