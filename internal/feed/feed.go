// Package feed keeps views bound to live, ordered post queries.
package feed

import (
	"context"
	"log/slog"
	"time"

	"anon-forum/internal/models"
	"anon-forum/internal/store"
	"anon-forum/internal/utils"
)

const KindPosts = "posts"

type Manager struct {
	store   store.DocumentStore
	logger  *slog.Logger
	metrics *utils.MetricsCollector
}

func NewManager(st store.DocumentStore, logger *slog.Logger, metrics *utils.MetricsCollector) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		logger:  logger.With("component", "feed"),
		metrics: metrics,
	}
}

// Query selects and orders the feed. The zero value is newest first.
type Query struct {
	SortKey   models.SortKey
	Direction models.Direction
	AuthorID  string // only this author's posts when set
	Limit     int
}

func (q Query) normalized() Query {
	if q.SortKey == "" {
		q.SortKey = models.SortByCreatedAt
	}
	if q.Direction == "" {
		q.Direction = models.Descending
	}
	return q
}

func (q Query) Validate() error {
	q = q.normalized()
	if !q.SortKey.Valid() {
		return utils.NewInvalidInputError("unknown sort key " + string(q.SortKey))
	}
	if !q.Direction.Valid() {
		return utils.NewInvalidInputError("unknown sort direction " + string(q.Direction))
	}
	if q.Limit < 0 {
		return utils.NewInvalidInputError("negative limit")
	}
	return nil
}

func (q Query) storeQuery() store.Query {
	q = q.normalized()
	sq := store.Query{
		Path:    store.PostsPath(),
		OrderBy: string(q.SortKey),
		Desc:    q.Direction == models.Descending,
		Limit:   q.Limit,
	}
	if q.AuthorID != "" {
		sq.Where = []store.Filter{{Field: models.FieldAuthorID, Value: q.AuthorID}}
	}
	return sq
}

func decodePost(doc *store.Document) (*models.Post, error) {
	return models.DecodePost(doc.ID, doc.Fields)
}

// Subscribe rebinds view to q. The view's previous subscription is cancelled
// first, whether or not the new one can be established.
func (m *Manager) Subscribe(ctx context.Context, view *View[*models.Post], q Query) (*Subscription[*models.Post], error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return Bind(ctx, m, view, KindPosts, q.storeQuery(), decodePost)
}

// Snapshot runs q once.
func (m *Manager) Snapshot(ctx context.Context, q Query) (*Snapshot[*models.Post], error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	docs, err := m.store.Query(ctx, q.storeQuery())
	if err != nil {
		return nil, store.ToAppError(err, KindPosts)
	}
	m.metrics.AddOperationLatency("feed_snapshot", time.Since(start))
	return DecodeAll(m, KindPosts, docs, decodePost), nil
}
