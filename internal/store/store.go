// internal/store/store.go

// Package store is the adapter to the shared document store that holds every
// battle session, invitation and progress record. Documents are JSON objects
// addressed by slash-separated paths ("battles/<id>").
//
// Two implementations exist: RedisStore for production and MemoryStore for a
// single process (tests, local tools). Both give the same guarantees:
// transactions are optimistic and serializable per document, and subscribers
// see the writes to a path in commit order, possibly more than once.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jason-s-yu/skirmish/internal/apperr"
)

var (
	// ErrNotFound is the cause of every not-found error returned by a Store.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the path is taken.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrUndefinedValue is returned when an update carries a nil value.
	// Use Delete to remove a field.
	ErrUndefinedValue = errors.New("undefined field value")
	// ErrContention is returned when a transaction kept losing races.
	ErrContention = errors.New("transaction contention")
)

// deleteField marks a field for removal in Update.
type deleteField struct{}

// Delete removes the field it is assigned to in an Update.
var Delete = deleteField{}

// Snapshot is one observed state of a document.
type Snapshot struct {
	Path string
	Data []byte
}

// Exists reports whether the document existed at the time of the snapshot.
func (s Snapshot) Exists() bool {
	return len(s.Data) > 0
}

// DataTo decodes the snapshot into dst.
func (s Snapshot) DataTo(dst any) error {
	if !s.Exists() {
		return notFound(s.Path)
	}
	return json.Unmarshal(s.Data, dst)
}

// Tx is the view of the store inside RunTransaction. Reads observe the
// transaction's own pending writes.
type Tx interface {
	Get(path string, dst any) error
	Set(path string, doc any) error
	Update(path string, fields map[string]any) error
	// Increment adds delta to a numeric field, creating the document and the
	// field when they are missing.
	Increment(path, field string, delta int64) error
}

// Store is the document store collaborator.
type Store interface {
	Create(ctx context.Context, path string, doc any) error
	Get(ctx context.Context, path string, dst any) error
	// Update merges fields into the document. Keys may be dotted paths
	// ("toastShown.battle-1") addressing nested objects.
	Update(ctx context.Context, path string, fields map[string]any) error
	Increment(ctx context.Context, path, field string, delta int64) error
	// RunTransaction runs fn and commits its writes atomically. fn may be
	// invoked more than once when another writer commits first, so it must not
	// have side effects outside the Tx.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// Subscribe calls onChange with the current document and then with every
	// committed write to path until unsubscribe is called or ctx ends.
	Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (unsubscribe func(), err error)
}

func notFound(path string) error {
	return apperr.Wrap(apperr.CodeNotFound, "not found: "+path, ErrNotFound)
}

func contention(path string) error {
	return apperr.Wrap(apperr.CodeTransient, "store busy: "+path, ErrContention)
}

// IsNotFound reports whether err means the document is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// create, update and increment express the single-document operations as
// transactions so both implementations share one write path.

func create(path string, doc any) func(Tx) error {
	return func(tx Tx) error {
		var existing json.RawMessage
		err := tx.Get(path, &existing)
		if err == nil {
			return apperr.Wrap(apperr.CodePreconditionFailed, "already exists: "+path, ErrAlreadyExists)
		}
		if !IsNotFound(err) {
			return err
		}
		return tx.Set(path, doc)
	}
}

func update(path string, fields map[string]any) func(Tx) error {
	return func(tx Tx) error {
		return tx.Update(path, fields)
	}
}

func increment(path, field string, delta int64) func(Tx) error {
	return func(tx Tx) error {
		return tx.Increment(path, field, delta)
	}
}
