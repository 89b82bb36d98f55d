package handlers

import (
	"net/http"

	"anon-forum/internal/api"
	"anon-forum/internal/middleware"
)

// HandleSignIn issues a fresh anonymous identity.
func (s *Server) HandleSignIn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, id, err := s.Identity.SignInAnonymously(r.Context())
		if err != nil {
			s.Logger.Error("failed to issue identity", "error", err)
			api.WriteJSON(w, http.StatusInternalServerError, api.LoginResponse{Success: false, Error: "failed to issue identity"})
			return
		}
		api.WriteJSON(w, http.StatusOK, api.LoginResponse{
			Success:   true,
			Token:     token,
			UserID:    id.UserID,
			ExpiresAt: id.ExpiresAt.Unix(),
		})
	}
}

// HandleSignOut revokes the caller's token. Open websockets of the identity
// are closed by the hub.
func (s *Server) HandleSignOut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := middleware.BearerToken(r)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		if _, err := s.Identity.SignOut(token); err != nil {
			api.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
