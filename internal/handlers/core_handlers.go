package handlers

import (
	"net/http"
	"time"

	"anon-forum/internal/api"
)

type HealthResponse struct {
	Status     string           `json:"status"`
	ServerTime time.Time        `json:"server_time"`
	Uptime     string           `json:"uptime,omitempty"`
	ReplyCount *ReplyCountStats `json:"reply_count,omitempty"`
}

type ReplyCountStats struct {
	Policy     string    `json:"policy"`
	Reconciled int       `json:"reconciled"`
	Failed     int       `json:"failed"`
	LastPost   string    `json:"last_post,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty"`
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:     "healthy",
			ServerTime: time.Now(),
		}
		if s.Metrics != nil {
			resp.Uptime = s.Metrics.Uptime().Round(time.Second).String()
		}

		if s.Engine != nil {
			stats, err := s.Engine.Stats()
			if err != nil {
				s.Logger.Warn("reply count actor did not report", "error", err)
				resp.Status = "degraded"
			} else {
				resp.ReplyCount = &ReplyCountStats{
					Policy:     string(s.Threads.Policy()),
					Reconciled: stats.Processed,
					Failed:     stats.Failed,
					LastPost:   stats.LastPost,
					LastRun:    stats.LastRun,
				}
			}
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}
