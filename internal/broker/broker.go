// Package broker is the conversion job task queue C6.upload enqueues to and
// the conversion worker binary consumes from. Jobs are idempotent envelopes
// naming a document id; re-delivery (the broker gives at-least-once
// delivery) is expected and handled by C5's precondition re-check.
package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
)

// Job is a conversion job envelope: one job names exactly one document.
type Job struct {
	DocumentID int64 `json:"document_id"`
}

// Producer enqueues conversion jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Consumer reads conversion jobs for a worker pool to process.
type Consumer interface {
	// Fetch blocks until a job is available or ctx is done. Commit must be
	// called after the job is fully processed (ready or failed), never
	// before, so re-delivery on crash is possible.
	Fetch(ctx context.Context) (Job, func(context.Context) error, error)
	Close() error
}

// New resolves the configured broker backend: "memory" or "kafka".
func New(cfg config.BrokerConfig) (Producer, Consumer, error) {
	switch cfg.Backend {
	case "", "memory":
		m := NewMemory()
		return m, m, nil
	case "kafka":
		topic := cfg.Topic
		if topic == "" {
			topic = "ragkb.conversion.jobs"
		}
		if len(cfg.Brokers) == 0 {
			return nil, nil, kberr.New(kberr.Validation, "kafka broker backend requires at least one broker address")
		}
		groupID := cfg.GroupID
		if groupID == "" {
			groupID = "ragkb-convertworker"
		}
		p := &KafkaProducer{writer: &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers...),
			Topic:    topic,
			Balancer: &kafkago.LeastBytes{},
		}}
		c := &KafkaConsumer{reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   topic,
			GroupID: groupID,
		})}
		return p, c, nil
	default:
		return nil, nil, kberr.Newf(kberr.Validation, "unknown broker.backend %q", cfg.Backend)
	}
}

// KafkaProducer implements Producer over a Kafka topic.
type KafkaProducer struct {
	writer *kafkago.Writer
}

func (p *KafkaProducer) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return kberr.Wrap(kberr.Validation, err, "marshal conversion job")
	}
	msg := kafkago.Message{
		Key:   []byte(strconv.FormatInt(job.DocumentID, 10)),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "enqueue conversion job")
	}
	return nil
}

func (p *KafkaProducer) Close() error { return p.writer.Close() }

// KafkaConsumer implements Consumer over a Kafka consumer group.
type KafkaConsumer struct {
	reader *kafkago.Reader
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Job, func(context.Context) error, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Job{}, nil, kberr.Wrap(kberr.StorageError, err, "fetch conversion job")
	}
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return Job{}, nil, kberr.Wrap(kberr.Validation, err, "decode conversion job")
	}
	commit := func(ctx context.Context) error {
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return kberr.Wrap(kberr.StorageError, err, "commit conversion job offset")
		}
		return nil
	}
	return job, commit, nil
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// Memory is an in-process Producer+Consumer backed by a buffered channel,
// used for the "memory" backend and in tests. It does not give at-least-once
// delivery: Commit is a no-op, and a fetched job not finished before process
// exit is simply gone, which is acceptable for the bring-up backend.
type Memory struct {
	mu     sync.Mutex
	ch     chan Job
	closed bool
}

// NewMemory constructs an in-process job queue with reasonable headroom for
// test workloads.
func NewMemory() *Memory {
	return &Memory{ch: make(chan Job, 4096)}
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return kberr.New(kberr.StorageError, "broker closed")
	}
	m.mu.Unlock()
	select {
	case m.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Fetch(ctx context.Context) (Job, func(context.Context) error, error) {
	select {
	case job, ok := <-m.ch:
		if !ok {
			return Job{}, nil, kberr.New(kberr.StorageError, "broker closed")
		}
		return job, func(context.Context) error { return nil }, nil
	case <-ctx.Done():
		return Job{}, nil, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
