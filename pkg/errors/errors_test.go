package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should see through AppError")
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	if err.Context["field"] != "value" {
		t.Errorf("Context[field] = %v, want 'value'", err.Context["field"])
	}
	if err.Context["count"] != 42 {
		t.Errorf("Context[count] = %v, want 42", err.Context["count"])
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, 400},
		{NewNotFoundError("session"), ErrCodeNotFound, 404},
		{NewExpiredError("session"), ErrCodeExpired, 404},
		{NewUnauthorizedError("no"), ErrCodeUnauthorized, 401},
		{NewForbiddenError("no"), ErrCodeForbidden, 403},
		{NewConflictError("taken"), ErrCodeConflict, 409},
		{NewRateLimitError(), ErrCodeRateLimit, 429},
		{NewResourceExhaustedError("full"), ErrCodeResourceExhausted, 503},
		{NewTimeoutError("slow"), ErrCodeTimeout, 504},
		{NewBadGatewayError("down"), ErrCodeBadGateway, 502},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: HTTPStatus = %v, want %v", tc.code, tc.err.HTTPStatus, tc.status)
		}
	}
	if NewNotFoundError("session").Message != "session not found" {
		t.Errorf("unexpected message %q", NewNotFoundError("session").Message)
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	regularErr := errors.New("regular error")

	if !IsAppError(appErr) {
		t.Error("IsAppError() should return true for AppError")
	}
	if !IsAppError(fmt.Errorf("handler: %w", appErr)) {
		t.Error("IsAppError() should look through wrapping")
	}
	if IsAppError(regularErr) {
		t.Error("IsAppError() should return false for regular error")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if result := GetAppError(appErr); result != appErr {
		t.Errorf("GetAppError() = %v, want %v", result, appErr)
	}
	if result := GetAppError(fmt.Errorf("outer: %w", appErr)); result != appErr {
		t.Error("GetAppError() should extract AppError from wrapped error")
	}
	if result := GetAppError(errors.New("regular error")); result != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should be nil")
	}
}
