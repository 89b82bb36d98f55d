package handlers

import (
	"net/http"
	"strconv"

	"anon-forum/internal/api"
	"anon-forum/internal/feed"
	"anon-forum/internal/models"
	"anon-forum/internal/posts"
	"anon-forum/internal/utils"
)

// CreatePostRequest represents a request to create a new post
type CreatePostRequest struct {
	Text  string        `json:"text" validate:"max=5000"`
	Media *MediaRequest `json:"media,omitempty"`
	Poll  *PollRequest  `json:"poll,omitempty"`
}

type MediaRequest struct {
	URL  string `json:"url" validate:"required,uri"`
	Kind string `json:"kind" validate:"required,oneof=image video"`
}

type PollRequest struct {
	Options []string `json:"options" validate:"required,min=2,max=10,dive,required,max=200"`
}

// VoteRequest represents a request to vote on a poll
type VoteRequest struct {
	Option string `json:"option" validate:"required"`
}

// HandleFeed returns one snapshot of the feed.
// Query parameters: sort=createdAt|upvotes, dir=asc|desc, author=me, limit.
func (s *Server) HandleFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		q := feed.Query{
			SortKey:   models.SortKey(params.Get("sort")),
			Direction: models.Direction(params.Get("dir")),
		}
		if limit := params.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				api.WriteError(w, utils.NewInvalidInputError("limit must be a number"))
				return
			}
			q.Limit = n
		}
		switch author := params.Get("author"); author {
		case "":
		case "me":
			q.AuthorID = callerID(r)
			if q.AuthorID == "" {
				api.WriteError(w, utils.NewUnauthorizedError("author=me requires a token"))
				return
			}
		default:
			api.WriteError(w, utils.NewInvalidInputError("author only accepts \"me\""))
			return
		}

		snap, err := s.Feed.Snapshot(r.Context(), q)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.FeedResponse{Posts: snap.Items, Rejected: snap.Rejected})
	}
}

func (s *Server) HandleCreatePost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePostRequest
		if err := s.decode(w, r, &req); err != nil {
			api.WriteError(w, err)
			return
		}

		in := posts.NewPost{Text: req.Text}
		if req.Media != nil {
			in.Media = &models.Media{URL: req.Media.URL, Kind: models.MediaKind(req.Media.Kind)}
		}
		if req.Poll != nil {
			in.PollOptions = req.Poll.Options
		}

		post, err := s.Posts.Create(r.Context(), callerID(r), in)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, post)
	}
}

func (s *Server) HandleGetPost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		post, err := s.Posts.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, post)
	}
}

func (s *Server) HandleDeletePost() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Posts.Delete(r.Context(), r.PathValue("id"), callerID(r)); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) HandleUpvote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Voting.Upvote(r.Context(), r.PathValue("id")); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleVote casts the caller's vote and returns the updated post.
func (s *Server) HandleVote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VoteRequest
		if err := s.decode(w, r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		postID := r.PathValue("id")
		if err := s.Voting.CastVote(r.Context(), postID, callerID(r), req.Option); err != nil {
			api.WriteError(w, err)
			return
		}
		post, err := s.Posts.Get(r.Context(), postID)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, post)
	}
}
