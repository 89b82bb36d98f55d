// Package api holds the JSON shapes and helpers shared by the HTTP layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"anon-forum/internal/models"
	"anon-forum/internal/utils"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type FeedResponse struct {
	Posts    []*models.Post `json:"posts"`
	Rejected int            `json:"rejected"`
}

type RepliesResponse struct {
	Replies  []*models.Reply `json:"replies"`
	Rejected int             `json:"rejected"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type MediaResponse struct {
	URL  string           `json:"url"`
	Kind models.MediaKind `json:"kind"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto a status code and a JSON body. Errors that are not
// an AppError are reported as internal without their details.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *utils.AppError
	if !errors.As(err, &appErr) {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Code: utils.ErrDatabase, Message: "internal error"})
		return
	}
	WriteJSON(w, utils.AppErrorToHTTPStatus(appErr.Code), ErrorResponse{Code: appErr.Code, Message: appErr.Message})
}
