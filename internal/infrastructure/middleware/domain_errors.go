package middleware

import (
	"context"
	stderrors "errors"

	"remotelink/internal/core/domain"
	"remotelink/pkg/errors"
)

// ReasonDisconnected tells a conflict on a closed session apart from a
// conflict with another client.
const ReasonDisconnected = "disconnected"

// FromDomainError maps the domain sentinels onto their HTTP form. It
// returns nil for errors it does not know.
func FromDomainError(err error) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, domain.ErrSessionExpired):
		appErr = errors.NewExpiredError("session")
	case stderrors.Is(err, domain.ErrSessionNotFound):
		appErr = errors.NewNotFoundError("session")
	case stderrors.Is(err, domain.ErrSessionClosed):
		appErr = errors.NewConflictError("session disconnected").WithContext("reason", ReasonDisconnected)
	case stderrors.Is(err, domain.ErrSessionConflict):
		appErr = errors.NewConflictError("session already joined by another client")
	case stderrors.Is(err, domain.ErrPermissionForbidden):
		appErr = errors.NewForbiddenError("host may only lower permissions")
	case stderrors.Is(err, domain.ErrCodeSpaceExhausted):
		appErr = errors.NewResourceExhaustedError("no session code available, try again")
	case stderrors.Is(err, domain.ErrInvalidRole):
		appErr = errors.NewInvalidInputError("role must be host or client")
	case stderrors.Is(err, domain.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		appErr = errors.NewTimeoutError("operation timed out")
	default:
		return nil
	}
	return appErr.WithCause(err)
}
