// Package storetest wraps a DocumentStore with injectable failures.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"

	"anon-forum/internal/store"

	"go.mongodb.org/mongo-driver/bson"
)

// Faulty forwards to the wrapped store unless a hook returns an error.
type Faulty struct {
	store.DocumentStore

	mu sync.Mutex
	// IncrementErr is consulted before every Increment.
	IncrementErr func(path store.CollectionPath, id, field string) error
	// CommitErr is consulted after fn ran and before the commit.
	CommitErr func(path store.CollectionPath, id string) error
	// ListenErr fails Listen registration.
	ListenErr error

	Increments   atomic.Int32
	Transactions atomic.Int32
}

func Wrap(s store.DocumentStore) *Faulty {
	return &Faulty{DocumentStore: s}
}

func (f *Faulty) SetIncrementErr(fn func(path store.CollectionPath, id, field string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IncrementErr = fn
}

func (f *Faulty) SetCommitErr(fn func(path store.CollectionPath, id string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CommitErr = fn
}

func (f *Faulty) Increment(ctx context.Context, path store.CollectionPath, id, field string, delta int64) error {
	f.Increments.Add(1)
	f.mu.Lock()
	hook := f.IncrementErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(path, id, field); err != nil {
			return err
		}
	}
	return f.DocumentStore.Increment(ctx, path, id, field, delta)
}

func (f *Faulty) RunTransaction(ctx context.Context, path store.CollectionPath, id string, fn store.TxFunc) error {
	f.Transactions.Add(1)
	f.mu.Lock()
	hook := f.CommitErr
	f.mu.Unlock()
	if hook == nil {
		return f.DocumentStore.RunTransaction(ctx, path, id, fn)
	}
	return f.DocumentStore.RunTransaction(ctx, path, id, func(doc *store.Document) (bson.M, error) {
		fields, err := fn(doc)
		if err != nil || fields == nil {
			return fields, err
		}
		if err := hook(path, id); err != nil {
			return nil, err
		}
		return fields, nil
	})
}

func (f *Faulty) Listen(ctx context.Context, q store.Query, onSnapshot func([]*store.Document), onError func(error)) (store.Listener, error) {
	if f.ListenErr != nil {
		return nil, f.ListenErr
	}
	return f.DocumentStore.Listen(ctx, q, onSnapshot, onError)
}
