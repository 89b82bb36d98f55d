// Package memstore is an in-process DocumentStore used for development and
// tests. Writes are serialized by one mutex; listener snapshots are computed
// inside the write that caused them so every listener observes writes in
// commit order.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"anon-forum/internal/store"

	"go.mongodb.org/mongo-driver/bson"
)

type record struct {
	id        string
	seq       int64
	version   int64
	createdAt time.Time
	fields    bson.M
}

func (r *record) document(path store.CollectionPath) *store.Document {
	return &store.Document{
		ID:        r.id,
		Path:      path,
		CreatedAt: r.createdAt,
		Version:   r.version,
		Fields:    cloneFields(r.fields),
	}
}

type Store struct {
	mu          sync.RWMutex
	collections map[store.CollectionPath]map[string]*record
	listeners   map[*listener]struct{}
	seq         int64
	lastStamp   time.Time
	closed      bool

	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Store)

// WithClock replaces the wall clock used for creation stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[store.CollectionPath]map[string]*record),
		listeners:   make(map[*listener]struct{}),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.DocumentStore = (*Store)(nil)

// stamp returns a creation time strictly after every earlier one, at
// millisecond resolution so it survives a round trip through BSON.
func (s *Store) stamp() time.Time {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = t
	return t
}

func (s *Store) lookup(path store.CollectionPath, id string) *record {
	return s.collections[path][id]
}

func (s *Store) Insert(ctx context.Context, path store.CollectionPath, id string, fields bson.M) (*store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = store.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	col, ok := s.collections[path]
	if !ok {
		col = make(map[string]*record)
		s.collections[path] = col
	}
	if _, exists := col[id]; exists {
		return nil, fmt.Errorf("insert %s/%s: %w", path, id, store.ErrExists)
	}

	s.seq++
	rec := &record{
		id:        id,
		seq:       s.seq,
		version:   1,
		createdAt: s.stamp(),
		fields:    cloneFields(fields),
	}
	rec.fields[store.CreatedAtField] = rec.createdAt
	col[id] = rec

	s.publishLocked(path)
	return rec.document(path), nil
}

func (s *Store) Get(ctx context.Context, path store.CollectionPath, id string) (*store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	rec := s.lookup(path, id)
	if rec == nil {
		return nil, fmt.Errorf("get %s/%s: %w", path, id, store.ErrNotFound)
	}
	return rec.document(path), nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]*store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return s.queryLocked(q), nil
}

func (s *Store) queryLocked(q store.Query) []*store.Document {
	col := s.collections[q.Path]
	matched := make([]*record, 0, len(col))
	for _, rec := range col {
		if matches(rec, q.Where) {
			matched = append(matched, rec)
		}
	}

	// Insertion order first, so equal sort keys keep a stable relative order.
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c := compareValues(matched[i].fields[q.OrderBy], matched[j].fields[q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	docs := make([]*store.Document, len(matched))
	for i, rec := range matched {
		docs[i] = rec.document(q.Path)
	}
	return docs
}

func matches(rec *record, where []store.Filter) bool {
	for _, f := range where {
		if !equalValues(rec.fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

func (s *Store) Count(ctx context.Context, path store.CollectionPath) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return len(s.collections[path]), nil
}

func (s *Store) Increment(ctx context.Context, path store.CollectionPath, id, field string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	rec := s.lookup(path, id)
	if rec == nil {
		return fmt.Errorf("increment %s/%s: %w", path, id, store.ErrNotFound)
	}
	current, ok := toInt64(rec.fields[field])
	if !ok {
		return fmt.Errorf("increment %s/%s: field %s is %T, not a number", path, id, field, rec.fields[field])
	}
	rec.fields[field] = current + delta
	rec.version++

	s.publishLocked(path)
	return nil
}

func (s *Store) Set(ctx context.Context, path store.CollectionPath, id string, fields bson.M) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	rec := s.lookup(path, id)
	if rec == nil {
		return fmt.Errorf("set %s/%s: %w", path, id, store.ErrNotFound)
	}
	s.applyLocked(rec, fields)
	s.publishLocked(path)
	return nil
}

func (s *Store) applyLocked(rec *record, fields bson.M) {
	for k, v := range fields {
		if k == store.CreatedAtField {
			continue
		}
		rec.fields[k] = cloneValue(v)
	}
	rec.version++
}

// RunTransaction reads outside the lock and commits only if nothing else
// wrote the document in the meantime.
func (s *Store) RunTransaction(ctx context.Context, path store.CollectionPath, id string, fn store.TxFunc) error {
	doc, err := s.Get(ctx, path, id)
	if err != nil {
		return err
	}

	fields, err := fn(doc)
	if err != nil {
		return err
	}
	if fields == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	rec := s.lookup(path, id)
	if rec == nil {
		return fmt.Errorf("commit %s/%s: %w", path, id, store.ErrNotFound)
	}
	if rec.version != doc.Version {
		return fmt.Errorf("commit %s/%s at version %d, now %d: %w", path, id, doc.Version, rec.version, store.ErrConflict)
	}
	s.applyLocked(rec, fields)
	s.publishLocked(path)
	return nil
}

func (s *Store) Delete(ctx context.Context, path store.CollectionPath, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if s.lookup(path, id) == nil {
		return fmt.Errorf("delete %s/%s: %w", path, id, store.ErrNotFound)
	}
	delete(s.collections[path], id)
	s.publishLocked(path)
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, path store.CollectionPath) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	n := len(s.collections[path])
	delete(s.collections, path)
	if n > 0 {
		s.publishLocked(path)
	}
	return n, nil
}

func (s *Store) Listen(ctx context.Context, q store.Query, onSnapshot func([]*store.Document), onError func(error)) (store.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := newListener(q, onSnapshot, onError)
	l.remove = func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.listeners[l] = struct{}{}
	l.push(s.queryLocked(q))
	s.mu.Unlock()

	go l.run()
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { l.fail(ctx.Err()) })
		go func() {
			<-l.done
			stop()
		}()
	}
	s.logger.Debug("listener registered", "path", q.Path.String(), "order_by", q.OrderBy, "desc", q.Desc)
	return l, nil
}

func (s *Store) publishLocked(path store.CollectionPath) {
	for l := range s.listeners {
		if l.query.Path == path {
			l.push(s.queryLocked(l.query))
		}
	}
}

// Interrupt fails every live listener with err, as a lost connection would.
func (s *Store) Interrupt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		l.fail(err)
		delete(s.listeners, l)
	}
}

// Close stops all listeners without an error and rejects further calls.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*listener, 0, len(s.listeners))
	for l := range s.listeners {
		live = append(live, l)
	}
	s.listeners = make(map[*listener]struct{})
	s.mu.Unlock()

	for _, l := range live {
		l.Stop()
	}
	return nil
}
