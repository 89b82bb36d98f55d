// Package voting applies poll votes and upvotes to posts.
package voting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"anon-forum/internal/models"
	"anon-forum/internal/store"
	"anon-forum/internal/utils"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
)

const DefaultMaxRetries = 5

type Options struct {
	// MaxRetries bounds how often a conflicting vote transaction is retried.
	MaxRetries int
	// InitialInterval and MaxInterval shape the exponential backoff between retries.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
	Metrics         *utils.MetricsCollector
}

type Engine struct {
	store      store.DocumentStore
	maxRetries int
	initial    time.Duration
	maxWait    time.Duration
	logger     *slog.Logger
	metrics    *utils.MetricsCollector
}

func NewEngine(st store.DocumentStore, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 10 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:      st,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialInterval,
		maxWait:    opts.MaxInterval,
		logger:     opts.Logger.With("component", "voting"),
		metrics:    opts.Metrics,
	}
}

func (e *Engine) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initial
	b.MaxInterval = e.maxWait
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxRetries)), ctx)
}

var errNoPoll = errors.New("post has no poll")

// CastVote records voterID's choice of optionText on the poll of postID, at
// most once per voter. The read, the already-voted check and the increments
// happen in one transaction; commit conflicts are retried with backoff and
// reported as TRANSIENT once the retries run out.
func (e *Engine) CastVote(ctx context.Context, postID, voterID, optionText string) error {
	start := time.Now()
	defer func() { e.metrics.AddOperationLatency("cast_vote", time.Since(start)) }()

	if voterID == "" {
		return utils.NewUnauthorizedError("vote requires an identity")
	}
	if optionText == "" {
		return utils.NewInvalidInputError("option is required")
	}

	attempts := 0
	vote := func() error {
		attempts++
		err := e.store.RunTransaction(ctx, store.PostsPath(), postID, func(doc *store.Document) (bson.M, error) {
			post, err := models.DecodePost(doc.ID, doc.Fields)
			if err != nil {
				return nil, err
			}
			if post.Poll == nil {
				return nil, errNoPoll
			}
			if err := post.Poll.Apply(voterID, optionText); err != nil {
				return nil, err
			}
			encoded, err := models.EncodePoll(post.Poll)
			if err != nil {
				return nil, err
			}
			return bson.M{models.FieldPoll: encoded}, nil
		})
		if errors.Is(err, store.ErrConflict) {
			e.metrics.RecordConflict("cast_vote")
			e.logger.Debug("vote conflicted, retrying", "post", postID, "attempt", attempts)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(vote, e.backOff(ctx))
	outcome, appErr := e.classify(postID, err)
	e.metrics.RecordVote(outcome)
	if appErr != nil {
		e.logger.Info("vote rejected", "post", postID, "outcome", outcome, "attempts", attempts)
		return appErr
	}
	e.logger.Debug("vote recorded", "post", postID, "option", optionText, "attempts", attempts)
	return nil
}

func (e *Engine) classify(postID string, err error) (string, error) {
	switch {
	case err == nil:
		return "ok", nil
	case errors.Is(err, models.ErrAlreadyVoted):
		return "already_voted", utils.NewAlreadyVotedError(postID)
	case errors.Is(err, models.ErrUnknownOption):
		return "invalid", utils.NewAppError(utils.ErrInvalidInput, "unknown poll option", err)
	case errors.Is(err, errNoPoll):
		return "not_found", utils.NewAppError(utils.ErrNotFound, "poll not found", err)
	case errors.Is(err, store.ErrNotFound):
		return "not_found", utils.NewAppError(utils.ErrNotFound, "post not found", err)
	case errors.Is(err, store.ErrConflict):
		return "transient", utils.NewTransientError("vote", err)
	case errors.Is(err, models.ErrMalformed):
		return "error", utils.NewAppError(utils.ErrDatabase, "stored post is malformed", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "error", utils.NewAppError(utils.ErrUnavailable, "vote abandoned", err)
	default:
		return "error", store.ToAppError(err, "post")
	}
}

// Upvote adds one to the post's upvote count. There is no per-identity guard;
// the same identity may upvote repeatedly.
func (e *Engine) Upvote(ctx context.Context, postID string) error {
	start := time.Now()
	defer func() { e.metrics.AddOperationLatency("upvote", time.Since(start)) }()

	if err := e.store.Increment(ctx, store.PostsPath(), postID, models.FieldUpvotes, 1); err != nil {
		return store.ToAppError(err, "post")
	}
	return nil
}
