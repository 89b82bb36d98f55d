package mongostore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"anon-forum/internal/store"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type changeListener struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

func (l *changeListener) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		l.cancel()
	})
}

// Listen opens a change stream on the query's collection and re-runs the
// query whenever it reports a change. Bursts of events collapse into one
// query, and snapshots identical to the previous one are not re-emitted.
func (s *Store) Listen(ctx context.Context, q store.Query, onSnapshot func([]*store.Document), onError func(error)) (store.Listener, error) {
	lctx, cancel := context.WithCancel(ctx)

	stream, err := s.collection(q.Path).Watch(lctx, mongo.Pipeline{}, options.ChangeStream())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", q.Path, mapErr(err))
	}

	l := &changeListener{cancel: cancel, done: make(chan struct{})}
	go s.follow(ctx, lctx, l, stream, q, onSnapshot, onError)
	return l, nil
}

func (s *Store) follow(parent, ctx context.Context, l *changeListener, stream *mongo.ChangeStream, q store.Query, onSnapshot func([]*store.Document), onError func(error)) {
	defer close(l.done)
	defer stream.Close(context.Background())

	fail := func(err error) {
		if l.stopped.Load() {
			return
		}
		// The caller's context ending is terminal too and is reported as such.
		if perr := parent.Err(); perr != nil {
			err = perr
		}
		s.logger.Warn("live query failed", "path", q.Path.String(), "error", err)
		if onError != nil {
			onError(err)
		}
		l.Stop()
	}

	last, emitted := "", false
	emit := func() bool {
		docs, err := s.Query(ctx, q)
		if err != nil {
			fail(err)
			return false
		}
		if fp := fingerprint(docs); !emitted || fp != last {
			last, emitted = fp, true
			if onSnapshot != nil && ctx.Err() == nil {
				onSnapshot(docs)
			}
		}
		return true
	}

	if !emit() {
		return
	}
	for stream.Next(ctx) {
		for stream.TryNext(ctx) {
		}
		if !emit() {
			return
		}
	}

	if err := stream.Err(); err != nil {
		fail(fmt.Errorf("change stream on %s: %w", q.Path, mapErr(err)))
		return
	}
	fail(fmt.Errorf("change stream on %s closed: %w", q.Path, store.ErrUnavailable))
}
