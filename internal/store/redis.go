// internal/store/redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jason-s-yu/skirmish/internal/apperr"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var errStaleRead = errors.New("read changed before commit")

// RedisStore keeps each document as a JSON string value. Transactions use
// WATCH/MULTI/EXEC, and every committed write is PUBLISHed inside the same
// MULTI so subscribers observe writes in commit order.
type RedisStore struct {
	rdb         *redis.Client
	prefix      string
	maxAttempts int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key and channel.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithMaxAttempts bounds how often a contended transaction is re-run.
func WithMaxAttempts(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "skirmish:", maxAttempts: 16}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ConnectRedis dials addr and verifies the connection with PING.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *RedisStore) key(path string) string {
	return s.prefix + "doc:" + path
}

func (s *RedisStore) channel(path string) string {
	return s.prefix + "changes:" + path
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) fetch(ctx context.Context, cmd getter, path string) ([]byte, error) {
	data, err := cmd.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", path, err)
	}
	return data, nil
}

func (s *RedisStore) Create(ctx context.Context, path string, doc any) error {
	return s.RunTransaction(ctx, create(path, doc))
}

func (s *RedisStore) Get(ctx context.Context, path string, dst any) error {
	data, err := s.fetch(ctx, s.rdb, path)
	if err != nil {
		return err
	}
	return Snapshot{Path: path, Data: data}.DataTo(dst)
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.RunTransaction(ctx, update(path, fields))
}

func (s *RedisStore) Increment(ctx context.Context, path, field string, delta int64) error {
	return s.RunTransaction(ctx, increment(path, field, delta))
}

func (s *RedisStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	var last string
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		t := newTxn(func(path string) ([]byte, error) {
			return s.fetch(ctx, s.rdb, path)
		})
		if err := fn(t); err != nil {
			return err
		}
		if len(t.order) == 0 {
			return nil
		}
		last = t.order[0]

		keys := make([]string, 0, len(t.reads)+len(t.order))
		for _, p := range t.paths() {
			keys = append(keys, s.key(p))
		}

		err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			stale, err := t.stale(func(p string) ([]byte, error) {
				return s.fetch(ctx, rtx, p)
			})
			if err != nil {
				return err
			}
			if stale {
				return errStaleRead
			}
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, p := range t.order {
					data := t.pending[p]
					pipe.Set(ctx, s.key(p), data, 0)
					pipe.Publish(ctx, s.channel(p), data)
				}
				return nil
			})
			return err
		}, keys...)

		if errors.Is(err, errStaleRead) || errors.Is(err, redis.TxFailedErr) {
			log.WithFields(log.Fields{"path": last, "attempt": attempt + 1}).Debug("store transaction contended, retrying")
			continue
		}
		if err != nil {
			return classify("commit", last, err)
		}
		return nil
	}
	return contention(last)
}

func (s *RedisStore) Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (func(), error) {
	ps := s.rdb.Subscribe(ctx, s.channel(path))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, classify("subscribe", path, err)
	}

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	msgs := ps.Channel()
	go func() {
		// The initial read can race a publish already queued on msgs; callers
		// order deliveries by the document's own revision.
		if data, err := s.fetch(ctx, s.rdb, path); err != nil {
			log.WithField("path", path).Warnf("initial snapshot read failed: %v", err)
		} else if data != nil {
			onChange(Snapshot{Path: path, Data: data})
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				unsubscribe()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				onChange(Snapshot{Path: path, Data: []byte(msg.Payload)})
			}
		}
	}()
	return unsubscribe, nil
}

// classify maps a go-redis failure onto the domain taxonomy by error type.
func classify(op, path string, err error) error {
	var netErr net.Error
	var redisErr redis.Error
	switch {
	case err == nil:
		return nil
	case apperr.CodeOf(err) != apperr.CodeUnknown:
		return err
	case errors.Is(err, redis.Nil):
		return notFound(path)
	case errors.Is(err, redis.TxFailedErr):
		return contention(path)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF), errors.As(err, &netErr):
		return apperr.Wrap(apperr.CodeTransient, fmt.Sprintf("store %s %s", op, path), err)
	case errors.Is(err, redis.ErrClosed), errors.As(err, &redisErr):
		return apperr.Wrap(apperr.CodeStoreInternal, fmt.Sprintf("store %s %s", op, path), err)
	}
	return apperr.Wrap(apperr.CodeStoreInternal, fmt.Sprintf("store %s %s", op, path), err)
}
