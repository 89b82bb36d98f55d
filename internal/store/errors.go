package store

import (
	"context"
	"errors"

	"anon-forum/internal/utils"
)

// ToAppError maps store failures onto the application error codes. what names
// the missing entity for ErrNotFound.
func ToAppError(err error, what string) error {
	if err == nil {
		return nil
	}
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return utils.NewAppError(utils.ErrNotFound, what+" not found", err)
	case errors.Is(err, ErrPermissionDenied):
		return utils.NewAppError(utils.ErrPermissionDenied, "store denied access", err)
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed):
		return utils.NewAppError(utils.ErrUnavailable, "store unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		return utils.NewAppError(utils.ErrUnavailable, "store did not answer in time", err)
	case errors.Is(err, ErrConflict):
		return utils.NewAppError(utils.ErrTransient, "concurrent update", err)
	default:
		return utils.NewAppError(utils.ErrDatabase, "store operation failed", err)
	}
}
