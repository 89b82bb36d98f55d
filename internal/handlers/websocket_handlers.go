package handlers

import (
	"net/http"

	"anon-forum/internal/api"

	ws "github.com/gorilla/websocket"
)

// HandleWebSocket authenticates with the token query parameter and hands the
// upgraded connection to the hub.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	upgrader := ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.CORS.Allows(origin)
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.URL.Query().Get("token")
		id, err := s.Identity.Validate(tokenString)
		if err != nil {
			s.Logger.Debug("websocket connection refused", "error", err)
			api.WriteError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			s.Logger.Warn("websocket upgrade failed", "user", id.UserID, "error", err)
			return
		}
		if s.Hub.Attach(conn, id, tokenString) == nil {
			s.Logger.Warn("websocket hub is stopped, connection dropped", "user", id.UserID)
			return
		}
		s.Logger.Debug("websocket client attached", "user", id.UserID)
	}
}
