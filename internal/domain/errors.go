package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the engine, the collaborators and the client channel.
var (
	ErrValidation                 = errors.New("validation error")
	ErrCollaboratorUnavailable    = errors.New("collaborator unavailable")
	ErrCollaboratorTimeout        = errors.New("collaborator timeout")
	ErrSessionNotFound            = errors.New("session not found")
	ErrClarificationLimitExceeded = errors.New("clarification limit exceeded")
	ErrWorkflowExecution          = errors.New("workflow execution error")
	ErrChannel                    = errors.New("channel error")
)

// CollaboratorError classifies a failed external call. Deadline errors become
// ErrCollaboratorTimeout, everything else ErrCollaboratorUnavailable.
func CollaboratorError(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCollaboratorTimeout) || errors.Is(err, ErrCollaboratorUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrCollaboratorTimeout, service, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCollaboratorUnavailable, service, err)
}

// StatusCode maps an error to the HTTP status reported to API clients.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrClarificationLimitExceeded):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCollaboratorTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Recoverable reports whether the client may retry the turn that produced err.
func Recoverable(err error) bool {
	switch {
	case errors.Is(err, ErrWorkflowExecution), errors.Is(err, ErrChannel):
		return false
	default:
		return true
	}
}
