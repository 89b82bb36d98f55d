package handlers

import (
	"net/http"

	"anon-forum/internal/api"
)

// CreateReplyRequest represents a request to reply to a post
type CreateReplyRequest struct {
	Text string `json:"text" validate:"required,max=5000"`
}

func (s *Server) HandleAddReply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateReplyRequest
		if err := s.decode(w, r, &req); err != nil {
			api.WriteError(w, err)
			return
		}
		id, err := s.Threads.AddReply(r.Context(), r.PathValue("id"), callerID(r), req.Text)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, api.IDResponse{ID: id})
	}
}

// HandleGetReplies returns the replies of a post, oldest first.
func (s *Server) HandleGetReplies() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Threads.Replies(r.Context(), r.PathValue("id"))
		if err != nil {
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, api.RepliesResponse{Replies: snap.Items, Rejected: snap.Rejected})
	}
}
