// internal/store/memory.go
package store

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It keeps documents as encoded JSON in a
// map and delivers change notifications from one goroutine per subscription.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
	subs map[string]map[*subscription]struct{}

	// Fault, when set, is consulted before every store operation. A non-nil
	// return fails the operation with that error.
	Fault func(op, path string) error

	maxAttempts int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:        make(map[string][]byte),
		subs:        make(map[string]map[*subscription]struct{}),
		maxAttempts: 16,
	}
}

func (s *MemoryStore) fault(op, path string) error {
	s.mu.Lock()
	f := s.Fault
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(op, path)
}

// SetFault installs or clears the fault hook.
func (s *MemoryStore) SetFault(f func(op, path string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fault = f
}

func (s *MemoryStore) current(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[path], nil
}

func (s *MemoryStore) Create(ctx context.Context, path string, doc any) error {
	return s.RunTransaction(ctx, create(path, doc))
}

func (s *MemoryStore) Get(ctx context.Context, path string, dst any) error {
	if err := s.fault("get", path); err != nil {
		return err
	}
	data, _ := s.current(path)
	return Snapshot{Path: path, Data: data}.DataTo(dst)
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.RunTransaction(ctx, update(path, fields))
}

func (s *MemoryStore) Increment(ctx context.Context, path, field string, delta int64) error {
	return s.RunTransaction(ctx, increment(path, field, delta))
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	var last string
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := newTxn(func(path string) ([]byte, error) {
			if err := s.fault("read", path); err != nil {
				return nil, err
			}
			return s.current(path)
		})
		if err := fn(t); err != nil {
			return err
		}
		for _, p := range t.order {
			if err := s.fault("write", p); err != nil {
				return err
			}
		}

		s.mu.Lock()
		stale, _ := t.stale(func(p string) ([]byte, error) { return s.docs[p], nil })
		if stale {
			s.mu.Unlock()
			if len(t.order) > 0 {
				last = t.order[0]
			}
			continue
		}
		for _, p := range t.order {
			data := t.pending[p]
			if bytes.Equal(s.docs[p], data) {
				continue
			}
			s.docs[p] = data
			for sub := range s.subs[p] {
				sub.push(Snapshot{Path: p, Data: data})
			}
		}
		s.mu.Unlock()
		return nil
	}
	return contention(last)
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (func(), error) {
	if err := s.fault("subscribe", path); err != nil {
		return nil, err
	}
	sub := newSubscription(onChange)

	s.mu.Lock()
	if s.subs[path] == nil {
		s.subs[path] = make(map[*subscription]struct{})
	}
	s.subs[path][sub] = struct{}{}
	if data, ok := s.docs[path]; ok {
		sub.push(Snapshot{Path: path, Data: data})
	}
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[path], sub)
			s.mu.Unlock()
			sub.stop()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()
	return unsubscribe, nil
}

// subscription delivers snapshots in order from its own goroutine so
// publishers never block on a slow listener.
type subscription struct {
	mu     sync.Mutex
	queue  []Snapshot
	signal chan struct{}
	done   chan struct{}
	fn     func(Snapshot)
}

func newSubscription(fn func(Snapshot)) *subscription {
	sub := &subscription{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		fn:     fn,
	}
	go sub.loop()
	return sub
}

func (sub *subscription) push(snap Snapshot) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, snap)
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscription) stop() {
	close(sub.done)
}

func (sub *subscription) loop() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.signal:
		}
		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			next := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.fn(next)
		}
	}
}
