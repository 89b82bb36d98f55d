// Package posts creates, reads and deletes top-level posts.
package posts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"anon-forum/internal/anon"
	"anon-forum/internal/models"
	"anon-forum/internal/store"
	"anon-forum/internal/utils"
)

const (
	MaxTextLength  = 5000
	MinPollOptions = 2
	MaxPollOptions = 10
	MaxOptionLen   = 200
)

type NewPost struct {
	Text        string
	Media       *models.Media
	PollOptions []string
}

type Options struct {
	// CascadeReplies purges a post's replies when the post is deleted.
	CascadeReplies bool
	Logger         *slog.Logger
	Metrics        *utils.MetricsCollector
}

type Service struct {
	store   store.DocumentStore
	cascade bool
	logger  *slog.Logger
	metrics *utils.MetricsCollector
}

func NewService(st store.DocumentStore, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:   st,
		cascade: opts.CascadeReplies,
		logger:  opts.Logger.With("component", "posts"),
		metrics: opts.Metrics,
	}
}

func (in NewPost) normalized() (NewPost, error) {
	in.Text = strings.TrimSpace(in.Text)
	if utf8.RuneCountInString(in.Text) > MaxTextLength {
		return in, utils.NewInvalidInputError(fmt.Sprintf("post longer than %d characters", MaxTextLength))
	}
	if in.Media != nil {
		if in.Media.URL == "" {
			return in, utils.NewInvalidInputError("media url is required")
		}
		if !in.Media.Kind.Valid() {
			return in, utils.NewInvalidInputError("media kind must be image or video")
		}
	}
	if in.PollOptions != nil {
		if len(in.PollOptions) < MinPollOptions || len(in.PollOptions) > MaxPollOptions {
			return in, utils.NewInvalidInputError(fmt.Sprintf("poll needs %d to %d options", MinPollOptions, MaxPollOptions))
		}
		seen := make(map[string]bool, len(in.PollOptions))
		options := make([]string, len(in.PollOptions))
		for i, opt := range in.PollOptions {
			opt = strings.TrimSpace(opt)
			switch {
			case opt == "":
				return in, utils.NewInvalidInputError("poll option is empty")
			case utf8.RuneCountInString(opt) > MaxOptionLen:
				return in, utils.NewInvalidInputError("poll option too long")
			case seen[opt]:
				return in, utils.NewInvalidInputError("duplicate poll option " + opt)
			}
			seen[opt] = true
			options[i] = opt
		}
		in.PollOptions = options
	}
	if in.Text == "" && in.Media == nil && in.PollOptions == nil {
		return in, utils.NewInvalidInputError("post is empty")
	}
	return in, nil
}

// Create stores a new post by authorID and returns it as stored.
func (s *Service) Create(ctx context.Context, authorID string, in NewPost) (*models.Post, error) {
	start := time.Now()
	defer func() { s.metrics.AddOperationLatency("create_post", time.Since(start)) }()

	if authorID == "" {
		return nil, utils.NewUnauthorizedError("posting requires an identity")
	}
	in, err := in.normalized()
	if err != nil {
		return nil, err
	}

	id := store.NewID()
	post := &models.Post{
		AuthorID:    authorID,
		AuthorAlias: anon.Name(authorID, id),
		Text:        in.Text,
		Media:       in.Media,
	}
	if in.PollOptions != nil {
		post.Poll = models.NewPoll(in.PollOptions)
	}
	fields, err := models.EncodePost(post)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrInvalidInput, "post could not be encoded", err)
	}

	doc, err := s.store.Insert(ctx, store.PostsPath(), id, fields)
	if err != nil {
		return nil, store.ToAppError(err, "post")
	}
	created, err := models.DecodePost(doc.ID, doc.Fields)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "stored post is malformed", err)
	}
	s.logger.Debug("post created", "post", created.ID, "poll", created.Poll != nil, "media", created.Media != nil)
	return created, nil
}

func (s *Service) Get(ctx context.Context, postID string) (*models.Post, error) {
	if postID == "" {
		return nil, utils.NewInvalidInputError("post id is required")
	}
	doc, err := s.store.Get(ctx, store.PostsPath(), postID)
	if err != nil {
		return nil, store.ToAppError(err, "post")
	}
	post, err := models.DecodePost(doc.ID, doc.Fields)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "stored post is malformed", err)
	}
	return post, nil
}

// Delete removes a post. Only its author may delete it.
func (s *Service) Delete(ctx context.Context, postID, requesterID string) error {
	if requesterID == "" {
		return utils.NewUnauthorizedError("deleting requires an identity")
	}
	if postID == "" {
		return utils.NewInvalidInputError("post id is required")
	}
	// Ownership comes from the raw field so a malformed post stays deletable.
	doc, err := s.store.Get(ctx, store.PostsPath(), postID)
	if err != nil {
		return store.ToAppError(err, "post")
	}
	if authorID, _ := doc.Fields[models.FieldAuthorID].(string); authorID != requesterID {
		return utils.NewAppError(utils.ErrForbidden, "only the author can delete a post", nil)
	}
	if err := s.store.Delete(ctx, store.PostsPath(), postID); err != nil {
		return store.ToAppError(err, "post")
	}

	if !s.cascade {
		s.logger.Info("post deleted", "post", postID)
		return nil
	}
	n, err := s.store.DeleteAll(ctx, store.RepliesPath(postID))
	if err != nil {
		// The post is gone either way; leftover replies are unreachable.
		s.logger.Warn("post deleted but replies were not purged", "post", postID, "error", err)
		return nil
	}
	s.logger.Info("post deleted", "post", postID, "replies_purged", n)
	return nil
}
