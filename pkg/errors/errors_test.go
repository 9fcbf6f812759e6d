package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name: "error without wrapped error",
			appErr: &AppError{
				Code:    CodeUnknownEndpoint,
				Message: "no endpoint registered with that id",
			},
			expected: "no endpoint registered with that id",
		},
		{
			name: "error with wrapped error",
			appErr: &AppError{
				Code:    CodeInvalidPluginModule,
				Message: "invalid plugin module",
				Err:     errors.New("symbol Module not found"),
			},
			expected: "invalid plugin module: symbol Module not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appErr.Error(); got != tt.expected {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := &AppError{
		Code:    CodeInvalidPluginPack,
		Message: "wrapped error",
		Err:     originalErr,
	}

	if unwrapped := appErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("AppError.Unwrap() = %v, want %v", unwrapped, originalErr)
	}

	appErrNoWrap := &AppError{
		Code:    CodeInvalidArgument,
		Message: "no wrap",
	}
	if unwrapped := appErrNoWrap.Unwrap(); unwrapped != nil {
		t.Errorf("AppError.Unwrap() = %v, want nil", unwrapped)
	}
}

func TestNew(t *testing.T) {
	appErr := New(CodeInvalidArgument, "bad argument test", CategoryConfiguration)

	if appErr.Code != CodeInvalidArgument {
		t.Errorf("New() Code = %v, want %v", appErr.Code, CodeInvalidArgument)
	}
	if appErr.Message != "bad argument test" {
		t.Errorf("New() Message = %v, want %v", appErr.Message, "bad argument test")
	}
	if appErr.Category != CategoryConfiguration {
		t.Errorf("New() Category = %v, want %v", appErr.Category, CategoryConfiguration)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("entry file missing")
	wrapped := Wrap(originalErr, ErrInvalidPluginPack)

	if wrapped.Code != ErrInvalidPluginPack.Code {
		t.Errorf("Wrap() Code = %v, want %v", wrapped.Code, ErrInvalidPluginPack.Code)
	}
	if wrapped.Err != originalErr {
		t.Errorf("Wrap() Err = %v, want %v", wrapped.Err, originalErr)
	}
	if wrapped.Category != CategoryPluginLoad {
		t.Errorf("Wrap() Category = %v, want %v", wrapped.Category, CategoryPluginLoad)
	}
}

func TestAppError_WithMessage(t *testing.T) {
	original := ErrUnknownEndpoint
	customMessage := "no endpoint with id 1234"

	withMsg := original.WithMessage(customMessage)

	if withMsg.Message != customMessage {
		t.Errorf("WithMessage() Message = %v, want %v", withMsg.Message, customMessage)
	}
	if withMsg.Code != original.Code {
		t.Errorf("WithMessage() Code = %v, want %v", withMsg.Code, original.Code)
	}
	if original.Message == customMessage {
		t.Error("Original error was modified")
	}
}

func TestAppError_WithMessagef(t *testing.T) {
	withMsg := ErrWrongContainer.WithMessagef("%s scope given a %s container", "job", "app")

	if withMsg.Message != "job scope given a app container" {
		t.Errorf("WithMessagef() Message = %v", withMsg.Message)
	}
	if withMsg.Code != CodeWrongContainer {
		t.Errorf("WithMessagef() Code = %v, want %v", withMsg.Code, CodeWrongContainer)
	}
}

func TestAppError_WithError(t *testing.T) {
	original := ErrInvalidPluginModule
	wrappedErr := errors.New("open plugin.so: no such file")

	withErr := original.WithError(wrappedErr)

	if withErr.Err != wrappedErr {
		t.Errorf("WithError() Err = %v, want %v", withErr.Err, wrappedErr)
	}
	if withErr.Code != original.Code {
		t.Errorf("WithError() Code = %v, want %v", withErr.Code, original.Code)
	}
	if original.Err != nil {
		t.Error("Original error was modified")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{
			name:     "same error",
			err:      ErrDuplicateExtension,
			target:   ErrDuplicateExtension,
			expected: true,
		},
		{
			name:     "wrapped error with same code",
			err:      Wrap(errors.New("original"), ErrUUIDMismatch),
			target:   ErrUUIDMismatch,
			expected: true,
		},
		{
			name:     "different error codes",
			err:      ErrDuplicateEndpoint,
			target:   ErrDuplicateExtension,
			expected: false,
		},
		{
			name:     "non-AppError",
			err:      errors.New("plain error"),
			target:   ErrDuplicateExtension,
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			target:   ErrDuplicateExtension,
			expected: false,
		},
		{
			name:     "wrapped in fmt.Errorf",
			err:      fmt.Errorf("wrapped: %w", ErrMissingMethod.WithMessage("OnEventJobStart()")),
			target:   ErrMissingMethod,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Is() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStdlibErrorsIs(t *testing.T) {
	err := fmt.Errorf("load: %w", ErrInvalidPluginPack.WithMessage(`pack "demo" is not a plugin pack`))

	if !errors.Is(err, ErrInvalidPluginPack) {
		t.Error("errors.Is() should match on code")
	}
	if errors.Is(err, ErrUUIDMismatch) {
		t.Error("errors.Is() should not match a different code")
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"configuration", ErrDuplicateEndpoint, CategoryConfiguration},
		{"plugin load", fmt.Errorf("x: %w", ErrUUIDMismatch), CategoryPluginLoad},
		{"cleanup", ErrTeardownFailed, CategoryCleanup},
		{"plain", errors.New("plain"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.expected {
				t.Errorf("CategoryOf() = %v, want %v", got, tt.expected)
			}
		})
	}
}
