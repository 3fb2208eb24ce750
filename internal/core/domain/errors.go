package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = fmt.Errorf("%w: session expired", ErrSessionNotFound)
	ErrSessionConflict     = errors.New("session already joined by another client")
	ErrSessionClosed       = fmt.Errorf("%w: session disconnected", ErrSessionConflict)
	ErrSessionExists       = errors.New("session code already in use")
	ErrPermissionForbidden = errors.New("host may not grant permissions")
	ErrCodeSpaceExhausted  = errors.New("no free session code")
	ErrInvalidRole         = errors.New("invalid role")
	ErrTransportFailure    = errors.New("transport failure")
	ErrTimeout             = errors.New("operation timed out")
	ErrInputRejected       = errors.New("input not permitted")
	ErrHandlerClosed       = errors.New("handler closed")
	ErrInvalidPhase        = errors.New("operation not allowed in current phase")
	ErrNoSessionCode       = errors.New("no session code set")
	ErrStaleSessionCode    = errors.New("session code already failed, set a new one")
)
