// Package store defines the document store the forum core is built on:
// named collections and subcollections, ordered queries, single-document
// transactions and live query subscriptions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("document changed during transaction")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("store unavailable")
	ErrClosed           = errors.New("store closed")
	ErrExists           = errors.New("document already exists")
)

// CreatedAtField is stamped by the store on every inserted document.
const CreatedAtField = "createdAt"

// Collection names used by the forum.
const (
	Posts   = "posts"
	Replies = "replies"
)

// CollectionPath addresses a top level collection, or a subcollection when
// ParentID is set.
type CollectionPath struct {
	Name     string
	ParentID string
}

func (p CollectionPath) String() string {
	if p.ParentID == "" {
		return p.Name
	}
	return p.ParentID + "/" + p.Name
}

func PostsPath() CollectionPath {
	return CollectionPath{Name: Posts}
}

func RepliesPath(postID string) CollectionPath {
	return CollectionPath{Name: Replies, ParentID: postID}
}

// NewID generates an opaque document id.
func NewID() string {
	return uuid.NewString()
}

// Document is a stored document as read at one point in time.
type Document struct {
	ID        string
	Path      CollectionPath
	CreatedAt time.Time
	Version   int64
	Fields    bson.M
}

// Filter is an equality predicate on a top level field.
type Filter struct {
	Field string
	Value any
}

type Query struct {
	Path    CollectionPath
	OrderBy string
	Desc    bool
	Where   []Filter
	Limit   int
}

// TxFunc sees the current document and returns the fields to set. Returning
// nil fields commits nothing; returning an error aborts the transaction with it.
type TxFunc func(doc *Document) (bson.M, error)

// Listener is a live query registration. Stop is idempotent.
type Listener interface {
	Stop()
}

// DocumentStore is safe for concurrent use.
//
// Listen delivers the initial result and every later change of the query as a
// complete ordered snapshot. Snapshots for one listener arrive in order on a
// goroutine owned by the store; a slow consumer only ever sees the latest one.
// An error ends the listener: onError is called once and no snapshot follows.
// The end of ctx counts as an error and is reported with ctx.Err(); only Stop
// ends a listener silently.
type DocumentStore interface {
	// Insert writes a new document and stamps its creation time on commit.
	// An empty id asks the store to generate one.
	Insert(ctx context.Context, path CollectionPath, id string, fields bson.M) (*Document, error)
	Get(ctx context.Context, path CollectionPath, id string) (*Document, error)
	Query(ctx context.Context, q Query) ([]*Document, error)
	Count(ctx context.Context, path CollectionPath) (int, error)
	// Increment atomically adds delta to a numeric field.
	Increment(ctx context.Context, path CollectionPath, id, field string, delta int64) error
	Set(ctx context.Context, path CollectionPath, id string, fields bson.M) error
	// RunTransaction makes a single attempt at a read-modify-write of one
	// document. ErrConflict means another write committed in between.
	RunTransaction(ctx context.Context, path CollectionPath, id string, fn TxFunc) error
	Delete(ctx context.Context, path CollectionPath, id string) error
	DeleteAll(ctx context.Context, path CollectionPath) (int, error)
	Listen(ctx context.Context, q Query, onSnapshot func([]*Document), onError func(error)) (Listener, error)
	Close(ctx context.Context) error
}
