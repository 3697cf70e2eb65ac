// internal/battle/mirror.go
package battle

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/sirupsen/logrus"
)

// mirror is the locally cached copy of one session plus the listeners that
// receive it. It never holds authoritative state.
//
// deliver serializes every call into a listener, so a listener never sees a
// revision lower than one it already received. Lock order is mirrorSet.mu,
// then mu; deliver is never taken while mirrorSet.mu is held.
type mirror struct {
	deliver sync.Mutex

	mu          sync.Mutex
	session     *models.BattleSession
	listeners   map[int]*listener
	nextID      int
	unsubscribe func()
}

type listener struct {
	fn   func(*models.BattleSession)
	seen int64 // guarded by mirror.deliver
}

func newListener(fn func(*models.BattleSession)) *listener {
	return &listener{fn: fn, seen: -1}
}

// offer hands s to the listener unless it already saw a newer revision.
func (l *listener) offer(s *models.BattleSession) {
	if s.Revision < l.seen {
		return
	}
	l.seen = s.Revision
	l.fn(cloneSession(s))
}

// mirrorSet shares one store subscription per session between listeners.
type mirrorSet struct {
	store store.Store
	log   logrus.FieldLogger

	mu      sync.Mutex
	mirrors map[string]*mirror
}

func newMirrorSet(st store.Store, log logrus.FieldLogger) *mirrorSet {
	return &mirrorSet{
		store:   st,
		log:     log,
		mirrors: make(map[string]*mirror),
	}
}

// Subscribe registers onUpdate for every observed state of session id. It
// receives the full session, never a diff, in store commit order; the same
// state may be delivered more than once. The returned function removes only
// this listener. onUpdate must not subscribe to the same session.
func (m *Manager) Subscribe(ctx context.Context, id string, onUpdate func(*models.BattleSession)) (func(), error) {
	return m.mirrors.add(ctx, id, onUpdate)
}

// Unsubscribe drops every listener of session id and stops mirroring it.
func (m *Manager) Unsubscribe(id string) {
	m.mirrors.drop(id)
}

// Mirror returns a copy of the last observed state of session id.
func (m *Manager) Mirror(id string) (*models.BattleSession, bool) {
	return m.mirrors.latest(id)
}

func (ms *mirrorSet) add(ctx context.Context, id string, onUpdate func(*models.BattleSession)) (func(), error) {
	ms.mu.Lock()
	mr, ok := ms.mirrors[id]
	if !ok {
		mr = &mirror{listeners: make(map[int]*listener)}
		ms.mirrors[id] = mr
		// The store subscription outlives the ctx of any single listener.
		unsub, err := ms.store.Subscribe(context.Background(), SessionPath(id), func(snap store.Snapshot) {
			ms.apply(id, mr, snap)
		})
		if err != nil {
			delete(ms.mirrors, id)
			ms.mu.Unlock()
			return nil, err
		}
		mr.unsubscribe = unsub
	}

	l := newListener(onUpdate)
	mr.mu.Lock()
	lid := mr.nextID
	mr.nextID++
	mr.listeners[lid] = l
	mr.mu.Unlock()
	ms.mu.Unlock()

	// The initial copy goes through deliver like any update, so a concurrent
	// apply cannot slip a newer revision in ahead of it.
	mr.deliver.Lock()
	mr.mu.Lock()
	_, registered := mr.listeners[lid]
	current := mr.session
	mr.mu.Unlock()
	if registered && current != nil && current.Revision > l.seen {
		l.offer(current)
	}
	mr.deliver.Unlock()

	var once sync.Once
	removed := make(chan struct{})
	remove := func() {
		once.Do(func() {
			close(removed)
			ms.remove(id, mr, lid)
		})
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				remove()
			case <-removed:
			}
		}()
	}
	return remove, nil
}

func (ms *mirrorSet) remove(id string, mr *mirror, lid int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	mr.mu.Lock()
	delete(mr.listeners, lid)
	empty := len(mr.listeners) == 0
	mr.mu.Unlock()
	if empty && ms.mirrors[id] == mr {
		delete(ms.mirrors, id)
		mr.unsubscribe()
	}
}

func (ms *mirrorSet) drop(id string) {
	ms.mu.Lock()
	mr, ok := ms.mirrors[id]
	delete(ms.mirrors, id)
	ms.mu.Unlock()
	if !ok {
		return
	}
	mr.mu.Lock()
	mr.listeners = make(map[int]*listener)
	mr.mu.Unlock()
	mr.unsubscribe()
}

func (ms *mirrorSet) latest(id string) (*models.BattleSession, bool) {
	ms.mu.Lock()
	mr, ok := ms.mirrors[id]
	ms.mu.Unlock()
	if !ok {
		return nil, false
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.session == nil {
		return nil, false
	}
	return cloneSession(mr.session), true
}

// apply decodes a delivery and hands it to listeners unless it is older than
// the mirrored state.
func (ms *mirrorSet) apply(id string, mr *mirror, snap store.Snapshot) {
	var s models.BattleSession
	if err := snap.DataTo(&s); err != nil {
		ms.log.WithField("session", id).Warnf("dropping undecodable session update: %v", err)
		return
	}
	s.Normalize()

	mr.deliver.Lock()
	defer mr.deliver.Unlock()

	mr.mu.Lock()
	if mr.session != nil && s.Revision < mr.session.Revision {
		mr.mu.Unlock()
		ms.log.WithFields(logrus.Fields{"session": id, "revision": s.Revision, "mirrored": mr.session.Revision}).Debug("discarding stale session update")
		return
	}
	mr.session = &s
	listeners := make([]*listener, 0, len(mr.listeners))
	for _, l := range mr.listeners {
		listeners = append(listeners, l)
	}
	mr.mu.Unlock()

	for _, l := range listeners {
		l.offer(&s)
	}
}

// cloneSession deep-copies s so listeners can never alias the mirror.
func cloneSession(s *models.BattleSession) *models.BattleSession {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out models.BattleSession
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	out.Normalize()
	return &out
}
