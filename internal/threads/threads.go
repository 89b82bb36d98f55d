// Package threads stores replies under their post and keeps the post's reply
// count in step.
//
// The reply insert and the count increment are separate writes. The reply is
// the primary write and its failure is returned; a failed increment never
// fails AddReply and is handled by the configured CountPolicy instead.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"anon-forum/internal/anon"
	"anon-forum/internal/feed"
	"anon-forum/internal/models"
	"anon-forum/internal/store"
	"anon-forum/internal/utils"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	KindReplies    = "replies"
	MaxReplyLength = 5000
)

// CountPolicy decides what happens when the reply count increment fails.
type CountPolicy string

const (
	// PolicyNone logs the failure and leaves the count to drift.
	PolicyNone CountPolicy = "none"
	// PolicyRetry retries the increment with backoff before giving up.
	PolicyRetry CountPolicy = "retry"
	// PolicyReconcile hands the post to a Repairer that recounts it.
	PolicyReconcile CountPolicy = "reconcile"
)

func ParsePolicy(s string) (CountPolicy, error) {
	switch p := CountPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone, PolicyRetry, PolicyReconcile:
		return p, nil
	default:
		return "", fmt.Errorf("unknown reply count policy %q", s)
	}
}

// Repairer recounts a post's replies some time later.
type Repairer interface {
	RequestReconcile(postID string)
}

type Options struct {
	Policy        CountPolicy
	MaxRetries    int
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *utils.MetricsCollector
}

type Aggregator struct {
	store      store.DocumentStore
	feed       *feed.Manager
	policy     CountPolicy
	maxRetries int
	interval   time.Duration
	logger     *slog.Logger
	metrics    *utils.MetricsCollector

	mu       sync.RWMutex
	repairer Repairer
}

func New(st store.DocumentStore, fm *feed.Manager, opts Options) *Aggregator {
	if opts.Policy == "" {
		opts.Policy = PolicyReconcile
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		store:      st,
		feed:       fm,
		policy:     opts.Policy,
		maxRetries: opts.MaxRetries,
		interval:   opts.RetryInterval,
		logger:     opts.Logger.With("component", "threads"),
		metrics:    opts.Metrics,
	}
}

func (a *Aggregator) Policy() CountPolicy {
	return a.policy
}

// SetRepairer installs the target of the reconcile policy.
func (a *Aggregator) SetRepairer(r Repairer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repairer = r
}

func (a *Aggregator) getRepairer() Repairer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.repairer
}

// AddReply stores a reply under postID and returns its id.
func (a *Aggregator) AddReply(ctx context.Context, postID, authorID, text string) (string, error) {
	start := time.Now()
	defer func() { a.metrics.AddOperationLatency("add_reply", time.Since(start)) }()

	text = strings.TrimSpace(text)
	switch {
	case authorID == "":
		return "", utils.NewUnauthorizedError("reply requires an identity")
	case text == "":
		return "", utils.NewInvalidInputError("reply text is empty")
	case utf8.RuneCountInString(text) > MaxReplyLength:
		return "", utils.NewInvalidInputError(fmt.Sprintf("reply longer than %d characters", MaxReplyLength))
	}

	if _, err := a.store.Get(ctx, store.PostsPath(), postID); err != nil {
		return "", store.ToAppError(err, "post")
	}

	fields, err := models.EncodeReply(&models.Reply{
		AuthorID:    authorID,
		AuthorAlias: anon.Name(authorID, postID),
		Text:        text,
	})
	if err != nil {
		return "", utils.NewAppError(utils.ErrInvalidInput, "reply could not be encoded", err)
	}
	doc, err := a.store.Insert(ctx, store.RepliesPath(postID), "", fields)
	if err != nil {
		return "", store.ToAppError(err, "reply")
	}

	// The reply exists now; count maintenance outlives the caller's context.
	a.bumpReplyCount(context.WithoutCancel(ctx), postID, doc.ID)
	return doc.ID, nil
}

func (a *Aggregator) increment(ctx context.Context, postID string) error {
	return a.store.Increment(ctx, store.PostsPath(), postID, models.FieldReplyCount, 1)
}

func (a *Aggregator) bumpReplyCount(ctx context.Context, postID, replyID string) {
	var err error
	switch a.policy {
	case PolicyRetry:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = a.interval
		b.MaxElapsedTime = 0
		err = backoff.Retry(func() error {
			err := a.increment(ctx, postID)
			if errors.Is(err, store.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.maxRetries)), ctx))
	default:
		err = a.increment(ctx, postID)
	}

	if err == nil {
		a.metrics.RecordReplyCount(string(a.policy), "ok")
		return
	}

	if a.policy == PolicyReconcile {
		if r := a.getRepairer(); r != nil {
			a.logger.Warn("reply count increment failed, scheduling recount", "post", postID, "reply", replyID, "error", err)
			a.metrics.RecordReplyCount(string(a.policy), "queued")
			r.RequestReconcile(postID)
			return
		}
	}
	a.logger.Warn("reply count increment failed, count will drift", "post", postID, "reply", replyID, "policy", a.policy, "error", err)
	a.metrics.RecordReplyCount(string(a.policy), "drift")
}

func repliesQuery(postID string) store.Query {
	return store.Query{
		Path:    store.RepliesPath(postID),
		OrderBy: store.CreatedAtField,
	}
}

func decoderFor(postID string) feed.Decoder[*models.Reply] {
	return func(doc *store.Document) (*models.Reply, error) {
		return models.DecodeReply(postID, doc.ID, doc.Fields)
	}
}

// SubscribeReplies binds view to the replies of postID, oldest first.
func (a *Aggregator) SubscribeReplies(ctx context.Context, view *feed.View[*models.Reply], postID string) (*feed.Subscription[*models.Reply], error) {
	if postID == "" {
		return nil, utils.NewInvalidInputError("post id is required")
	}
	return feed.Bind(ctx, a.feed, view, KindReplies, repliesQuery(postID), decoderFor(postID))
}

// Replies reads the current replies of postID once, oldest first.
func (a *Aggregator) Replies(ctx context.Context, postID string) (*feed.Snapshot[*models.Reply], error) {
	docs, err := a.store.Query(ctx, repliesQuery(postID))
	if err != nil {
		return nil, store.ToAppError(err, KindReplies)
	}
	return feed.DecodeAll(a.feed, KindReplies, docs, decoderFor(postID)), nil
}

// ReconcileReplyCount sets the post's reply count to the number of stored
// replies and returns it. The count and the write are one transaction on the
// post, so increments landing while counting force a recount.
func (a *Aggregator) ReconcileReplyCount(ctx context.Context, postID string) (int, error) {
	var counted int
	tx := func() error {
		err := a.store.RunTransaction(ctx, store.PostsPath(), postID, func(doc *store.Document) (bson.M, error) {
			n, err := a.store.Count(ctx, store.RepliesPath(postID))
			if err != nil {
				return nil, err
			}
			counted = n
			return bson.M{models.FieldReplyCount: n}, nil
		})
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.interval
	b.MaxElapsedTime = 0
	if err := backoff.Retry(tx, backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.maxRetries)), ctx)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return 0, utils.NewTransientError("reply recount", err)
		}
		return 0, store.ToAppError(err, "post")
	}
	a.metrics.RecordReplyCount("reconcile", "recounted")
	return counted, nil
}

// ReconcileAll recounts every post and returns how many counts changed.
func (a *Aggregator) ReconcileAll(ctx context.Context) (int, error) {
	docs, err := a.store.Query(ctx, store.Query{Path: store.PostsPath(), OrderBy: store.CreatedAtField})
	if err != nil {
		return 0, store.ToAppError(err, "posts")
	}
	changed := 0
	for _, doc := range docs {
		before := doc.Fields[models.FieldReplyCount]
		n, err := a.ReconcileReplyCount(ctx, doc.ID)
		if err != nil {
			if utils.IsErrorCode(err, utils.ErrNotFound) {
				continue
			}
			return changed, err
		}
		if fmt.Sprint(before) != fmt.Sprint(n) {
			changed++
			a.logger.Info("reply count corrected", "post", doc.ID, "was", before, "now", n)
		}
	}
	return changed, nil
}
