package engine

import (
	"context"
	"testing"
	"time"

	"anon-forum/internal/feed"
	"anon-forum/internal/models"
	"anon-forum/internal/store"
	"anon-forum/internal/store/memstore"
	"anon-forum/internal/store/storetest"
	"anon-forum/internal/threads"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRepairsReplyCountDrift(t *testing.T) {
	st := storetest.Wrap(memstore.New())
	agg := threads.New(st, feed.NewManager(st, nil, nil), threads.Options{Policy: threads.PolicyReconcile})
	eng := NewEngine(actor.NewActorSystem(), agg.ReconcileReplyCount, Options{RequestTimeout: 5 * time.Second})
	defer eng.Shutdown()
	agg.SetRepairer(eng)

	fields, err := models.EncodePost(&models.Post{AuthorID: "op", Text: "anyone?"})
	require.NoError(t, err)
	post, err := st.Insert(context.Background(), store.PostsPath(), "", fields)
	require.NoError(t, err)

	st.SetIncrementErr(func(store.CollectionPath, string, string) error { return store.ErrUnavailable })
	_, err = agg.AddReply(context.Background(), post.ID, "user-1", "me")
	require.NoError(t, err)
	st.SetIncrementErr(nil)

	require.Eventually(t, func() bool {
		doc, err := st.Get(context.Background(), store.PostsPath(), post.ID)
		if err != nil {
			return false
		}
		p, err := models.DecodePost(doc.ID, doc.Fields)
		return err == nil && p.ReplyCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, post.ID, stats.LastPost)
}

func TestEngineRepairsFailuresInsideCoalesceWindow(t *testing.T) {
	st := storetest.Wrap(memstore.New())
	agg := threads.New(st, feed.NewManager(st, nil, nil), threads.Options{Policy: threads.PolicyReconcile})
	eng := NewEngine(actor.NewActorSystem(), agg.ReconcileReplyCount, Options{RequestTimeout: 5 * time.Second, Coalesce: time.Second})
	defer eng.Shutdown()
	agg.SetRepairer(eng)

	fields, err := models.EncodePost(&models.Post{AuthorID: "op", Text: "anyone?"})
	require.NoError(t, err)
	post, err := st.Insert(context.Background(), store.PostsPath(), "", fields)
	require.NoError(t, err)

	st.SetIncrementErr(func(store.CollectionPath, string, string) error { return store.ErrUnavailable })
	_, err = agg.AddReply(context.Background(), post.ID, "user-1", "first")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := eng.Stats()
		return err == nil && stats.Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = agg.AddReply(context.Background(), post.ID, "user-2", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := st.Get(context.Background(), store.PostsPath(), post.ID)
		if err != nil {
			return false
		}
		p, err := models.DecodePost(doc.ID, doc.Fields)
		return err == nil && p.ReplyCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
}

func TestReconcileNowReportsMissingPost(t *testing.T) {
	st := memstore.New()
	agg := threads.New(st, feed.NewManager(st, nil, nil), threads.Options{})
	eng := NewEngine(actor.NewActorSystem(), agg.ReconcileReplyCount, Options{})
	defer eng.Shutdown()

	_, err := eng.ReconcileNow("missing")
	assert.Error(t, err)
}
