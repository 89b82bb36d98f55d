// Package engine runs the background actors of the forum.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"anon-forum/internal/engine/actors"
	"anon-forum/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
)

type Engine struct {
	system         *actor.ActorSystem
	replyCountPID  *actor.PID
	requestTimeout time.Duration
	logger         *slog.Logger
}

type Options struct {
	// RequestTimeout bounds one recount and the wait for its answer.
	RequestTimeout time.Duration
	// Coalesce is how long a recount covers requests raised before it started.
	Coalesce time.Duration
	Logger   *slog.Logger
	Metrics  *utils.MetricsCollector
}

func NewEngine(system *actor.ActorSystem, reconcile actors.ReconcileFunc, opts Options) *Engine {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	context := system.Root

	// Spawn reply count actor
	replyCountProps := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewReplyCountActor(reconcile, opts.RequestTimeout, opts.Coalesce, opts.Logger, opts.Metrics)
	})
	replyCountPID := context.Spawn(replyCountProps)

	return &Engine{
		system:         system,
		replyCountPID:  replyCountPID,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger.With("component", "engine"),
	}
}

// GetReplyCountActor returns the PID of the reply count actor
func (e *Engine) GetReplyCountActor() *actor.PID {
	return e.replyCountPID
}

// RequestReconcile queues a recount of postID and returns immediately.
func (e *Engine) RequestReconcile(postID string) {
	e.system.Root.Send(e.replyCountPID, &actors.ReconcileReplyCountMsg{PostID: postID, Requested: time.Now()})
}

// ReconcileNow recounts postID and waits for the result.
func (e *Engine) ReconcileNow(postID string) (*actors.ReconcileResult, error) {
	future := e.system.Root.RequestFuture(e.replyCountPID, &actors.ReconcileReplyCountMsg{PostID: postID}, e.requestTimeout)
	result, err := future.Result()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrUnavailable, "reply count actor did not answer", err)
	}
	res, ok := result.(*actors.ReconcileResult)
	if !ok {
		return nil, fmt.Errorf("unexpected reply from reply count actor: %T", result)
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (e *Engine) Stats() (actors.Stats, error) {
	future := e.system.Root.RequestFuture(e.replyCountPID, &actors.GetStatsMsg{}, e.requestTimeout)
	result, err := future.Result()
	if err != nil {
		return actors.Stats{}, utils.NewAppError(utils.ErrUnavailable, "reply count actor did not answer", err)
	}
	stats, ok := result.(actors.Stats)
	if !ok {
		return actors.Stats{}, fmt.Errorf("unexpected reply from reply count actor: %T", result)
	}
	return stats, nil
}

// Shutdown stops the actors after their mailboxes drain.
func (e *Engine) Shutdown() {
	if err := e.system.Root.PoisonFuture(e.replyCountPID).Wait(); err != nil {
		e.logger.Warn("reply count actor did not stop cleanly", "error", err)
	}
}
