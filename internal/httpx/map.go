package httpx

import (
	"errors"

	"go_commitfest/internal/archive"
	"go_commitfest/internal/workflow"

	"gorm.io/gorm"
)

// FromError maps a domain error onto the AppError taxonomy: workflow
// rejections stay user-visible and non-fatal, lost races become
// conflicts, archive outages stay distinct from not-found.
func FromError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var uie *workflow.UserInputError
	switch {
	case errors.As(err, &uie):
		return ErrUserInput(uie.Reason)
	case errors.Is(err, workflow.ErrConcurrentModification):
		return ErrStateConflict("")
	case errors.Is(err, archive.ErrNotFound):
		return ErrNotFound("thread not found in the archives")
	case archive.IsServiceUnavailable(err):
		return ErrServiceUnavailable("", err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound("")
	default:
		return ErrInternalError("", err)
	}
}
