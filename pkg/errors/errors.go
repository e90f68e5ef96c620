package sideline_errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrValidation         = errors.New("validation error")
	ErrNotAParticipant    = errors.New("not a participant")
	ErrNotOwner           = errors.New("not owner")
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrTransientDelivery  = errors.New("transient delivery failure")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrModerationBlocked  = errors.New("content blocked by moderation")
	ErrAlreadyExists      = errors.New("already exists")
	ErrTooLarge           = errors.New("payload too large")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Validation wraps ErrValidation with a reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransientDelivery, err)
}

// IsRetryable reports whether a caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientDelivery)
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotAParticipant), errors.Is(err, ErrNotOwner), errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrModerationBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransientDelivery), errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrNotAParticipant):
		return "NOT_A_PARTICIPANT"
	case errors.Is(err, ErrNotOwner):
		return "NOT_OWNER"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrTooLarge):
		return "TOO_LARGE"
	case errors.Is(err, ErrModerationBlocked):
		return "MODERATION_BLOCKED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrTransientDelivery), errors.Is(err, ErrServiceUnavailable):
		return "TRANSIENT_FAILURE"
	default:
		return "INTERNAL_ERROR"
	}
}

// FromCode maps a wire error code back to its sentinel. Unknown codes map to nil.
func FromCode(code string) error {
	switch code {
	case "VALIDATION_ERROR":
		return ErrValidation
	case "UNAUTHORIZED":
		return ErrUnauthorized
	case "NOT_A_PARTICIPANT":
		return ErrNotAParticipant
	case "NOT_OWNER":
		return ErrNotOwner
	case "PERMISSION_DENIED":
		return ErrPermissionDenied
	case "NOT_FOUND":
		return ErrNotFound
	case "ALREADY_EXISTS":
		return ErrAlreadyExists
	case "TOO_LARGE":
		return ErrTooLarge
	case "MODERATION_BLOCKED":
		return ErrModerationBlocked
	case "RATE_LIMITED":
		return ErrRateLimited
	case "TRANSIENT_FAILURE":
		return ErrTransientDelivery
	}
	return nil
}
