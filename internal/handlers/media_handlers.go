package handlers

import (
	"errors"
	"net/http"

	"anon-forum/internal/api"
	"anon-forum/internal/media"
	"anon-forum/internal/utils"
	"anon-forum/internal/websocket"
)

// HandleUploadMedia stores the multipart "file" field and returns its URL.
// Progress is pushed to the uploader's websockets in 10% steps.
func (s *Server) HandleUploadMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMediaBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				api.WriteError(w, utils.NewInvalidInputError("upload too large"))
				return
			}
			api.WriteError(w, utils.NewAppError(utils.ErrInvalidInput, "multipart field \"file\" is required", err))
			return
		}
		defer file.Close()

		userID := callerID(r)
		res, err := s.Media.Upload(r.Context(), file, header.Size, s.progressReporter(userID))
		if err != nil {
			s.Logger.Warn("media upload failed", "user", userID, "file", header.Filename, "error", err)
			api.WriteError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, api.MediaResponse{URL: res.URL, Kind: res.Kind})
	}
}

func (s *Server) progressReporter(userID string) media.ProgressFunc {
	lastStep := int64(-1)
	return func(sent, total int64) {
		if total <= 0 {
			return
		}
		step := sent * 10 / total
		if step == lastStep {
			return
		}
		lastStep = step
		s.Logger.Debug("media upload progress", "user", userID, "sent", sent, "total", total)
		if s.Hub != nil {
			s.Hub.SendEvent(userID, websocket.Event{
				Type: websocket.EvtUploadProgress,
				Data: websocket.ProgressData{Sent: sent, Total: total},
			})
		}
	}
}
