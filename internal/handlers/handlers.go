package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"anon-forum/internal/engine"
	"anon-forum/internal/feed"
	"anon-forum/internal/identity"
	"anon-forum/internal/media"
	"anon-forum/internal/middleware"
	"anon-forum/internal/posts"
	"anon-forum/internal/threads"
	"anon-forum/internal/utils"
	"anon-forum/internal/voting"
	"anon-forum/internal/websocket"

	"github.com/go-playground/validator/v10"
)

const (
	maxJSONBody   = 64 << 10
	maxMediaBytes = 25 << 20
)

// Server holds all server dependencies
type Server struct {
	Posts    *posts.Service
	Feed     *feed.Manager
	Voting   *voting.Engine
	Threads  *threads.Aggregator
	Identity *identity.Provider
	Media    media.Uploader
	Hub      *websocket.Hub
	Engine   *engine.Engine // nil unless the reconcile policy is active
	Metrics  *utils.MetricsCollector
	Limiter  *middleware.RateLimiter
	CORS     *middleware.CORSConfig
	Logger   *slog.Logger

	// MediaDir is served under /media/ when uploads are stored locally.
	MediaDir string

	// RequestTimeout bounds the JSON endpoints. Uploads and websockets run unbounded.
	RequestTimeout time.Duration
	validate       *validator.Validate
}

// NewServer fills in defaults for the optional fields of s.
func NewServer(s *Server) *Server {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.CORS == nil {
		s.CORS = middleware.DefaultCORSConfig(nil)
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 5 * time.Second
	}
	s.validate = validator.New(validator.WithRequiredStructEnabled())
	s.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return s
}

// Routes builds the HTTP handler with every endpoint registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	bounded := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.Timeout(s.RequestTimeout, h)
	}
	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireIdentity(s.Identity, h)
	}
	write := func(h http.HandlerFunc) http.HandlerFunc {
		return auth(middleware.RateLimit(s.Limiter, h))
	}

	mux.HandleFunc("GET /health", s.HandleHealth())
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}

	mux.HandleFunc("POST /auth/anonymous", middleware.RateLimit(s.Limiter, bounded(s.HandleSignIn())))
	mux.HandleFunc("POST /auth/signout", bounded(s.HandleSignOut()))

	mux.HandleFunc("GET /posts", middleware.OptionalIdentity(s.Identity, bounded(s.HandleFeed())))
	mux.HandleFunc("POST /posts", write(bounded(s.HandleCreatePost())))
	mux.HandleFunc("GET /posts/{id}", bounded(s.HandleGetPost()))
	mux.HandleFunc("DELETE /posts/{id}", auth(bounded(s.HandleDeletePost())))
	mux.HandleFunc("POST /posts/{id}/upvote", write(bounded(s.HandleUpvote())))
	mux.HandleFunc("POST /posts/{id}/vote", write(bounded(s.HandleVote())))
	mux.HandleFunc("POST /posts/{id}/replies", write(bounded(s.HandleAddReply())))
	mux.HandleFunc("GET /posts/{id}/replies", bounded(s.HandleGetReplies()))

	if s.Media != nil {
		mux.HandleFunc("POST /media", write(s.HandleUploadMedia()))
	}
	if s.MediaDir != "" {
		mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.MediaDir))))
	}
	if s.Hub != nil {
		mux.HandleFunc("GET /ws", s.HandleWebSocket())
	}

	var h http.Handler = mux
	h = middleware.CORSMiddleware(s.CORS)(h)
	h = middleware.RequestLogger(s.Logger, s.Metrics)(h)
	return h
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.NewAppError(utils.ErrInvalidInput, "malformed request body", err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return utils.NewInvalidInputError(strings.Join(msgs, "; "))
		}
		return utils.NewInvalidInputError(err.Error())
	}
	return nil
}

// callerID returns the authenticated user id; RequireIdentity guarantees one.
func callerID(r *http.Request) string {
	return identity.UserID(r.Context())
}
