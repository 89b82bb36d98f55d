package memstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"anon-forum/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func insertPost(t *testing.T, s *Store, upvotes int) *store.Document {
	t.Helper()
	doc, err := s.Insert(context.Background(), store.PostsPath(), "", bson.M{"upvotes": upvotes, "authorId": "a"})
	require.NoError(t, err)
	return doc
}

func TestInsertStampsMonotonicCreationTimes(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	first := insertPost(t, s, 0)
	second := insertPost(t, s, 0)

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.Equal(t, first.CreatedAt, first.Fields[store.CreatedAtField])
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.Insert(ctx, store.PostsPath(), "p1", bson.M{})
	require.NoError(t, err)
	_, err = s.Insert(ctx, store.PostsPath(), "p1", bson.M{})
	assert.ErrorIs(t, err, store.ErrExists)
}

func TestQueryOrdersWithStableTies(t *testing.T) {
	s := New()
	a := insertPost(t, s, 5)
	b := insertPost(t, s, 10)
	c := insertPost(t, s, 5)

	docs, err := s.Query(context.Background(), store.Query{Path: store.PostsPath(), OrderBy: "upvotes", Desc: true})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, []string{docs[0].ID, docs[1].ID, docs[2].ID})

	docs, err = s.Query(context.Background(), store.Query{Path: store.PostsPath(), OrderBy: "upvotes", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, []string{docs[0].ID, docs[1].ID})
}

func TestQueryFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.Insert(ctx, store.PostsPath(), "", bson.M{"authorId": "x"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, store.PostsPath(), "", bson.M{"authorId": "y"})
	require.NoError(t, err)

	docs, err := s.Query(ctx, store.Query{Path: store.PostsPath(), Where: []store.Filter{{Field: "authorId", Value: "y"}}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "y", docs[0].Fields["authorId"])
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	doc, err := s.Insert(ctx, store.PostsPath(), "", bson.M{"poll": bson.M{"totalVotes": 0}})
	require.NoError(t, err)

	doc.Fields["poll"].(bson.M)["totalVotes"] = 99

	again, err := s.Get(ctx, store.PostsPath(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Fields["poll"].(bson.M)["totalVotes"])
}

func TestIncrementIsAtomic(t *testing.T) {
	s := New()
	doc := insertPost(t, s, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Increment(context.Background(), store.PostsPath(), doc.ID, "upvotes", 1))
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), store.PostsPath(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Fields["upvotes"])

	err = s.Increment(context.Background(), store.PostsPath(), "missing", "upvotes", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunTransactionDetectsConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	doc := insertPost(t, s, 0)

	err := s.RunTransaction(ctx, store.PostsPath(), doc.ID, func(d *store.Document) (bson.M, error) {
		// A concurrent writer sneaks in between read and commit.
		require.NoError(t, s.Increment(ctx, store.PostsPath(), doc.ID, "upvotes", 1))
		return bson.M{"upvotes": 100}, nil
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Get(ctx, store.PostsPath(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Fields["upvotes"])

	err = s.RunTransaction(ctx, store.PostsPath(), doc.ID, func(d *store.Document) (bson.M, error) {
		return bson.M{"upvotes": 100}, nil
	})
	require.NoError(t, err)

	abort := errors.New("abort")
	err = s.RunTransaction(ctx, store.PostsPath(), doc.ID, func(d *store.Document) (bson.M, error) {
		return nil, abort
	})
	assert.ErrorIs(t, err, abort)

	err = s.RunTransaction(ctx, store.PostsPath(), "missing", func(d *store.Document) (bson.M, error) {
		t.Fatal("fn must not run for a missing document")
		return nil, nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubcollectionsAreIndependent(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, store.RepliesPath("p1"), "", bson.M{"text": "r"})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, store.RepliesPath("p2"), "", bson.M{"text": "r"})
	require.NoError(t, err)

	n, err := s.Count(ctx, store.RepliesPath("p1"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	deleted, err := s.DeleteAll(ctx, store.RepliesPath("p1"))
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	n, err = s.Count(ctx, store.RepliesPath("p2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListenDeliversInitialAndLaterSnapshots(t *testing.T) {
	s := New()
	insertPost(t, s, 1)

	snapshots := make(chan []*store.Document, 16)
	l, err := s.Listen(context.Background(), store.Query{Path: store.PostsPath(), OrderBy: "upvotes", Desc: true},
		func(docs []*store.Document) { snapshots <- docs },
		func(err error) { t.Errorf("unexpected error: %v", err) })
	require.NoError(t, err)
	defer l.Stop()

	first := <-snapshots
	assert.Len(t, first, 1)

	insertPost(t, s, 7)
	require.Eventually(t, func() bool {
		select {
		case docs := <-snapshots:
			return len(docs) == 2 && docs[0].Fields["upvotes"] == 7
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestListenIgnoresOtherCollections(t *testing.T) {
	s := New()
	var calls atomic.Int32
	l, err := s.Listen(context.Background(), store.Query{Path: store.RepliesPath("p1")},
		func([]*store.Document) { calls.Add(1) }, nil)
	require.NoError(t, err)
	defer l.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, err = s.Insert(context.Background(), store.RepliesPath("p2"), "", bson.M{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInterruptEndsListenerWithError(t *testing.T) {
	s := New()
	errs := make(chan error, 1)
	var afterError atomic.Int32
	failed := make(chan struct{})

	_, err := s.Listen(context.Background(), store.Query{Path: store.PostsPath()},
		func([]*store.Document) {
			select {
			case <-failed:
				afterError.Add(1)
			default:
			}
		},
		func(err error) {
			close(failed)
			errs <- err
		})
	require.NoError(t, err)

	boom := errors.New("connection reset")
	s.Interrupt(boom)

	select {
	case got := <-errs:
		assert.ErrorIs(t, got, boom)
	case <-time.After(time.Second):
		t.Fatal("listener never saw the error")
	}

	insertPost(t, s, 3)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), afterError.Load())
}

func TestStopIsIdempotentAndSilences(t *testing.T) {
	s := New()
	var calls atomic.Int32
	l, err := s.Listen(context.Background(), store.Query{Path: store.PostsPath()},
		func([]*store.Document) { calls.Add(1) }, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()

	insertPost(t, s, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListenEndsWithContextError(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	errs := make(chan error, 2)
	_, err := s.Listen(ctx, store.Query{Path: store.PostsPath()},
		func([]*store.Document) { calls.Add(1) },
		func(err error) { errs <- err })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("listener ended without reporting the context error")
	}
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.listeners) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, errs)
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	s := New()
	require.NoError(t, s.Close(context.Background()))
	_, err := s.Insert(context.Background(), store.PostsPath(), "", bson.M{})
	assert.ErrorIs(t, err, store.ErrClosed)
}
