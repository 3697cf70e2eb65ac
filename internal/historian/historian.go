// Package historian moves finished battles out of the live store. Relays
// publish an archive record onto a Redis list when a session turns terminal;
// the historian service pops records in batches and persists them.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list archive records are pushed onto.
const DefaultQueueName = "skirmish_archive"

// Queue is the producer side of the archive list.
type Queue struct {
	rdb  *redis.Client
	name string
}

// NewQueue returns a Queue writing to the list name.
func NewQueue(rdb *redis.Client, name string) *Queue {
	if name == "" {
		name = DefaultQueueName
	}
	return &Queue{rdb: rdb, name: name}
}

// Publish serializes rec and pushes it onto the queue.
func (q *Queue) Publish(ctx context.Context, rec models.ArchiveRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ArchiveRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Sink persists a batch of records.
type Sink func(ctx context.Context, records []models.ArchiveRecord) error

// Service drains the archive list into a Sink.
type Service struct {
	rdb        *redis.Client
	queue      string
	sink       Sink
	batchSize  int
	flushDelay time.Duration
	popTimeout time.Duration
	log        logrus.FieldLogger

	batchMu sync.Mutex
	batch   []models.ArchiveRecord
}

// Option configures a Service.
type Option func(*Service)

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithFlushDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.flushDelay = d
		}
	}
}

// WithPopTimeout bounds each BLPOP so shutdown is noticed promptly.
func WithPopTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.popTimeout = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.log = l }
}

// NewService returns a Service reading the list queue.
func NewService(rdb *redis.Client, queue string, sink Sink, opts ...Option) *Service {
	if queue == "" {
		queue = DefaultQueueName
	}
	s := &Service{
		rdb:        rdb,
		queue:      queue,
		sink:       sink,
		batchSize:  50,
		flushDelay: time.Second,
		popTimeout: 3 * time.Second,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	s.batch = make([]models.ArchiveRecord, 0, s.batchSize)
	return s
}

// Run pops records until ctx is done, flushing whenever the batch is full
// and at least every flush delay. The pending batch is flushed on exit.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()
	defer s.flush(context.WithoutCancel(ctx))

	s.log.WithField("queue", s.queue).Info("historian started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("historian shutting down")
			return nil
		case <-ticker.C:
			s.flush(ctx)
		default:
		}

		res, err := s.rdb.BLPop(ctx, s.popTimeout, s.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.log.Errorf("BLPop: %v", err)
			continue
		}
		if len(res) < 2 {
			continue
		}

		// res[0] is the queue name and res[1] the payload.
		var rec models.ArchiveRecord
		if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
			s.log.Warnf("invalid archive record: %v", err)
			continue
		}
		s.append(ctx, rec)
	}
}

func (s *Service) append(ctx context.Context, rec models.ArchiveRecord) {
	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()
	if full {
		s.flush(ctx)
	}
}

// flush hands the current batch to the sink. A failed batch is logged and
// dropped; the live sessions it came from are still in the store.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := make([]models.ArchiveRecord, len(s.batch))
	copy(batch, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.sink(ctx, batch); err != nil {
		s.log.Errorf("flush %d archive records: %v", len(batch), err)
		return
	}
	s.log.Infof("Flushed %d archive records.", len(batch))
}
