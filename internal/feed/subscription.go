package feed

import (
	"context"
	"errors"
	"sync"

	"anon-forum/internal/store"

	"github.com/google/uuid"
)

// Snapshot is the complete ordered result of a live query at one point in
// time. Documents that failed to decode are left out and counted.
type Snapshot[T any] struct {
	Items    []T
	Rejected int
}

// Event carries either a snapshot or the terminal error of a subscription.
type Event[T any] struct {
	Snapshot *Snapshot[T]
	Err      error
}

// Decoder turns a stored document into a record.
type Decoder[T any] func(doc *store.Document) (T, error)

// Subscription is a caller-owned handle on one live query. Events are
// delivered in order on Events(); when the consumer falls behind only the
// newest snapshot is kept. The channel is closed after Cancel or after a
// terminal error event.
type Subscription[T any] struct {
	id   string
	kind string

	events chan Event[T]
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	pending  *Event[T]
	err      error
	listener store.Listener

	onClose func()
}

func newSubscription[T any](kind string, onClose func()) *Subscription[T] {
	s := &Subscription[T]{
		id:      uuid.NewString(),
		kind:    kind,
		events:  make(chan Event[T], 1),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.pump()
	return s
}

func (s *Subscription[T]) ID() string {
	return s.id
}

func (s *Subscription[T]) Kind() string {
	return s.kind
}

func (s *Subscription[T]) Events() <-chan Event[T] {
	return s.events
}

// Done is closed once the subscription has ended for any reason.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil while live and after a plain Cancel.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel releases the live query. Safe to call any number of times.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.Stop()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Subscription[T]) attach(l store.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	select {
	case <-s.done:
		l.Stop()
	default:
	}
}

func (s *Subscription[T]) deliver(snap *Snapshot[T]) {
	s.mu.Lock()
	if s.err == nil {
		s.pending = &Event[T]{Snapshot: snap}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) fail(err error) {
	if err == nil {
		err = errors.New("live query ended")
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.pending = &Event[T]{Err: err}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		ev := s.pending
		s.pending = nil
		s.mu.Unlock()
		if ev == nil {
			continue
		}

		select {
		case s.events <- *ev:
		case <-s.done:
			return
		}
		if ev.Err != nil {
			s.Cancel()
			return
		}
	}
}

// View is a slot holding at most one live subscription, such as the feed
// panel or the detail panel of one client.
type View[T any] struct {
	name    string
	mu      sync.Mutex
	current *Subscription[T]
}

func NewView[T any](name string) *View[T] {
	return &View[T]{name: name}
}

func (v *View[T]) Name() string {
	return v.name
}

// Current returns the live subscription, or nil.
func (v *View[T]) Current() *Subscription[T] {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Close cancels the current subscription, if any.
func (v *View[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil {
		v.current.Cancel()
		v.current = nil
	}
}

// Bind cancels whatever the view is subscribed to and registers q in its
// place. The view lock is held across the swap so concurrent binds on one
// view never leave two live queries behind.
func Bind[T any](ctx context.Context, m *Manager, view *View[T], kind string, q store.Query, decode Decoder[T]) (*Subscription[T], error) {
	view.mu.Lock()
	defer view.mu.Unlock()

	if view.current != nil {
		view.current.Cancel()
		view.current = nil
	}

	m.metrics.SubscriptionOpened(kind)
	sub := newSubscription[T](kind, func() { m.metrics.SubscriptionClosed(kind) })

	listener, err := m.store.Listen(ctx, q,
		func(docs []*store.Document) {
			sub.deliver(DecodeAll(m, kind, docs, decode))
		},
		func(err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				m.logger.Debug("subscription context ended", "kind", kind, "view", view.name, "subscription", sub.id, "error", err)
				sub.fail(err)
				return
			}
			m.logger.Warn("subscription ended by store", "kind", kind, "view", view.name, "subscription", sub.id, "error", err)
			sub.fail(store.ToAppError(err, kind))
		},
	)
	if err != nil {
		sub.Cancel()
		return nil, store.ToAppError(err, kind)
	}
	sub.attach(listener)
	view.current = sub

	m.logger.Debug("subscription bound", "kind", kind, "view", view.name, "subscription", sub.id, "order_by", q.OrderBy, "desc", q.Desc)
	return sub, nil
}

// DecodeAll decodes docs into a snapshot, counting and logging the rejects.
func DecodeAll[T any](m *Manager, kind string, docs []*store.Document, decode Decoder[T]) *Snapshot[T] {
	snap := &Snapshot[T]{Items: make([]T, 0, len(docs))}
	var firstErr error
	for _, doc := range docs {
		item, err := decode(doc)
		if err != nil {
			snap.Rejected++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		snap.Items = append(snap.Items, item)
	}
	if snap.Rejected > 0 {
		m.logger.Warn("malformed documents excluded from snapshot", "kind", kind, "rejected", snap.Rejected, "first_error", firstErr)
	}
	m.metrics.RecordSnapshot(kind, snap.Rejected)
	return snap
}
