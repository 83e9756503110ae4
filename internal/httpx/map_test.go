package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"go_commitfest/internal/archive"
	"go_commitfest/internal/workflow"

	"gorm.io/gorm"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   int
	}{
		{
			name:       "workflow rejection",
			err:        &workflow.UserInputError{Reason: "This commitfest is not open."},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeUserInput,
		},
		{
			name:       "wrapped workflow rejection",
			err:        fmt.Errorf("close failed: %w", &workflow.UserInputError{Reason: "nope"}),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeUserInput,
		},
		{
			name:       "lost race",
			err:        workflow.ErrConcurrentModification,
			wantStatus: http.StatusConflict,
			wantCode:   CodeStateConflict,
		},
		{
			name:       "archive not found",
			err:        archive.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "archive outage",
			err:        &archive.ServiceUnavailableError{Err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "missing record",
			err:        gorm.ErrRecordNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "anything else",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", got.HTTPStatus, tt.wantStatus)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFromError_PreservesAppError(t *testing.T) {
	orig := ErrForbidden("cannot change another user's membership")
	got := FromError(orig)
	if got != orig {
		t.Error("FromError should return an AppError unchanged")
	}
}

func TestFromError_WorkflowMessageSurfaces(t *testing.T) {
	got := FromError(&workflow.UserInputError{Reason: "Patch is already in state Committed."})
	if got.Message != "Patch is already in state Committed." {
		t.Errorf("Expected the rejection reason verbatim, got '%s'", got.Message)
	}
}
