package actors

import (
	"context"
	"log/slog"
	"time"

	"anon-forum/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
)

// Message types for reply count maintenance
type (
	// ReconcileReplyCountMsg asks for one post's reply count to be recounted.
	// Requested is when the need arose; a zero value always recounts.
	ReconcileReplyCountMsg struct {
		PostID    string
		Requested time.Time
	}

	ReconcileResult struct {
		PostID  string
		Count   int
		Skipped bool // covered by a recount that started after the request
		Err     error
	}

	GetStatsMsg struct{}

	Stats struct {
		Processed int
		Failed    int
		LastPost  string
		LastRun   time.Time
	}
)

// ReconcileFunc recounts a post's replies and stores the result.
type ReconcileFunc func(ctx context.Context, postID string) (int, error)

// ReplyCountActor serializes reply count repairs. A request raised before the
// post's last successful recount started is already covered by it and is
// skipped. Recount start times are remembered for the coalesce window.
type ReplyCountActor struct {
	reconcile ReconcileFunc
	timeout   time.Duration
	coalesce  time.Duration
	stats     Stats
	recent    map[string]time.Time
	logger    *slog.Logger
	metrics   *utils.MetricsCollector
}

func NewReplyCountActor(reconcile ReconcileFunc, timeout, coalesce time.Duration, logger *slog.Logger, metrics *utils.MetricsCollector) actor.Actor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyCountActor{
		reconcile: reconcile,
		timeout:   timeout,
		coalesce:  coalesce,
		recent:    make(map[string]time.Time),
		logger:    logger.With("actor", "reply_count"),
		metrics:   metrics,
	}
}

func (a *ReplyCountActor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *actor.Started:
		a.logger.Debug("reply count actor started", "pid", context.Self().String())

	case *ReconcileReplyCountMsg:
		result := a.handleReconcile(msg)
		if context.Sender() != nil {
			context.Respond(result)
		}

	case *GetStatsMsg:
		context.Respond(a.stats)
	}
}

func (a *ReplyCountActor) handleReconcile(msg *ReconcileReplyCountMsg) *ReconcileResult {
	startTime := time.Now()

	if started, ok := a.recent[msg.PostID]; ok && !msg.Requested.IsZero() && msg.Requested.Before(started) {
		return &ReconcileResult{PostID: msg.PostID, Skipped: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	n, err := a.reconcile(ctx, msg.PostID)

	a.stats.LastPost = msg.PostID
	a.stats.LastRun = time.Now()
	if err != nil {
		a.stats.Failed++
		a.logger.Error("reply recount failed", "post", msg.PostID, "error", err)
		return &ReconcileResult{PostID: msg.PostID, Err: err}
	}

	a.stats.Processed++
	a.prune(a.stats.LastRun)
	if a.coalesce > 0 {
		a.recent[msg.PostID] = startTime
	}
	a.metrics.AddOperationLatency("reconcile_reply_count", time.Since(startTime))
	a.logger.Info("reply count reconciled", "post", msg.PostID, "count", n)
	return &ReconcileResult{PostID: msg.PostID, Count: n}
}

func (a *ReplyCountActor) prune(now time.Time) {
	for id, at := range a.recent {
		if now.Sub(at) >= a.coalesce {
			delete(a.recent, id)
		}
	}
}
