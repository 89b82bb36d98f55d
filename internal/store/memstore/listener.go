package memstore

import (
	"sync"

	"anon-forum/internal/store"
)

// listener keeps only the newest undelivered snapshot and hands it to the
// callback from its own goroutine.
type listener struct {
	query      store.Query
	onSnapshot func([]*store.Document)
	onError    func(error)

	mu         sync.Mutex
	pending    []*store.Document
	hasPending bool
	err        error

	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	remove func()
}

func newListener(q store.Query, onSnapshot func([]*store.Document), onError func(error)) *listener {
	return &listener{
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (l *listener) push(docs []*store.Document) {
	l.mu.Lock()
	if l.err == nil {
		l.pending = docs
		l.hasPending = true
	}
	l.mu.Unlock()
	l.signal()
}

func (l *listener) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.pending, l.hasPending = nil, false
	l.mu.Unlock()
	l.signal()
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		err, docs, has := l.err, l.pending, l.hasPending
		l.pending, l.hasPending = nil, false
		l.mu.Unlock()

		select {
		case <-l.done:
			return
		default:
		}

		if err != nil {
			if l.onError != nil {
				l.onError(err)
			}
			l.Stop()
			return
		}
		if has && l.onSnapshot != nil {
			l.onSnapshot(docs)
		}
	}
}

func (l *listener) Stop() {
	l.once.Do(func() {
		close(l.done)
		if l.remove != nil {
			l.remove()
		}
	})
}
