package historian

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is a Sink that keeps every batch it receives.
type collector struct {
	mu      sync.Mutex
	batches [][]models.ArchiveRecord
	fail    bool
}

func (c *collector) sink(_ context.Context, recs []models.ArchiveRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		c.fail = false
		return errors.New("database unavailable")
	}
	c.batches = append(c.batches, recs)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		for _, r := range b {
			out = append(out, r.SessionID)
		}
	}
	return out
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func record(id string) models.ArchiveRecord {
	return models.ArchiveRecord{SessionID: id, Status: models.StatusComplete, Wave: 2, MaxWaves: 2, Revision: 7}
}

func TestServiceDrainsQueueInBatches(t *testing.T) {
	rdb := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewQueue(rdb, "archive_test")
	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, q.Publish(ctx, record(id)))
	}

	c := &collector{}
	svc := NewService(rdb, "archive_test", c.sink,
		WithBatchSize(2), WithFlushDelay(50*time.Millisecond), WithPopTimeout(100*time.Millisecond), WithLogger(quiet()))
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.ids()) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b1", "b2", "b3"}, c.ids())

	c.mu.Lock()
	assert.Len(t, c.batches[0], 2, "a full batch flushes immediately")
	c.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("historian did not stop")
	}
}

func TestServiceSkipsInvalidRecords(t *testing.T) {
	rdb := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rdb.RPush(ctx, DefaultQueueName, "not json").Err())
	require.NoError(t, NewQueue(rdb, "").Publish(ctx, record("b9")))

	c := &collector{}
	svc := NewService(rdb, "", c.sink, WithFlushDelay(20*time.Millisecond), WithPopTimeout(50*time.Millisecond), WithLogger(quiet()))
	go func() { _ = svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"b9"}, c.ids())
}

func TestFailedFlushDropsBatch(t *testing.T) {
	c := &collector{fail: true}
	svc := NewService(nil, "", c.sink, WithBatchSize(1), WithLogger(quiet()))

	svc.append(context.Background(), record("b1"))
	svc.append(context.Background(), record("b2"))
	assert.Equal(t, []string{"b2"}, c.ids())
}
