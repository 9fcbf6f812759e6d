package errors

import (
	"errors"
	"fmt"
)

// Category groups error codes by how the runtime treats them
type Category string

const (
	// CategoryConfiguration errors are fatal to the single call that caused them
	CategoryConfiguration Category = "configuration"
	// CategoryPluginLoad errors are fatal to one load attempt only
	CategoryPluginLoad Category = "plugin_load"
	// CategoryCleanup errors are logged during teardown and never propagated
	CategoryCleanup Category = "cleanup"
)

// AppError represents a runtime error with a stable code
type AppError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
	Err      error    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any AppError carrying the same code
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return appErr.Code == e.Code
	}
	return false
}

// Error codes
const (
	CodeWrongContainer      = "WRONG_CONTAINER"
	CodeDuplicateEndpoint   = "DUPLICATE_ENDPOINT"
	CodeDuplicateExtension  = "DUPLICATE_EXTENSION"
	CodeUnknownEndpoint     = "UNKNOWN_ENDPOINT"
	CodeAlreadyInitialized  = "ALREADY_INITIALIZED"
	CodeNoDefaultEndpoint   = "NO_DEFAULT_ENDPOINT"
	CodeExistingExtensions  = "EXISTING_EXTENSIONS"
	CodeUnmatchedExtension  = "UNMATCHED_EXTENSION"
	CodeInvalidPack         = "INVALID_PACK"
	CodeInvalidPluginPack   = "INVALID_PLUGIN_PACK"
	CodeInvalidPluginModule = "INVALID_PLUGIN_MODULE"
	CodeUUIDMismatch        = "UUID_MISMATCH"
	CodeMissingMethod       = "MISSING_METHOD"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeTeardownFailed      = "TEARDOWN_FAILED"
)

// Common runtime errors
var (
	ErrWrongContainer      = &AppError{Code: CodeWrongContainer, Message: "scope given the wrong container", Category: CategoryConfiguration}
	ErrDuplicateEndpoint   = &AppError{Code: CodeDuplicateEndpoint, Message: "endpoint already defined", Category: CategoryConfiguration}
	ErrDuplicateExtension  = &AppError{Code: CodeDuplicateExtension, Message: "extension already registered for endpoint", Category: CategoryConfiguration}
	ErrUnknownEndpoint     = &AppError{Code: CodeUnknownEndpoint, Message: "no endpoint registered with that id", Category: CategoryConfiguration}
	ErrAlreadyInitialized  = &AppError{Code: CodeAlreadyInitialized, Message: "builtin extensions have already been initialized", Category: CategoryConfiguration}
	ErrNoDefaultEndpoint   = &AppError{Code: CodeNoDefaultEndpoint, Message: "type declares no endpoint", Category: CategoryConfiguration}
	ErrExistingExtensions  = &AppError{Code: CodeExistingExtensions, Message: "endpoint already has extensions registered", Category: CategoryConfiguration}
	ErrUnmatchedExtension  = &AppError{Code: CodeUnmatchedExtension, Message: "no endpoint accepted the object", Category: CategoryConfiguration}
	ErrInvalidPack         = &AppError{Code: CodeInvalidPack, Message: "invalid pack metadata", Category: CategoryConfiguration}
	ErrInvalidPluginPack   = &AppError{Code: CodeInvalidPluginPack, Message: "invalid plugin pack", Category: CategoryPluginLoad}
	ErrInvalidPluginModule = &AppError{Code: CodeInvalidPluginModule, Message: "invalid plugin module", Category: CategoryPluginLoad}
	ErrUUIDMismatch        = &AppError{Code: CodeUUIDMismatch, Message: "plugin module belongs to a different pack", Category: CategoryPluginLoad}
	ErrMissingMethod       = &AppError{Code: CodeMissingMethod, Message: "listener method missing", Category: CategoryConfiguration}
	ErrInvalidArgument     = &AppError{Code: CodeInvalidArgument, Message: "invalid argument", Category: CategoryConfiguration}
	ErrTeardownFailed      = &AppError{Code: CodeTeardownFailed, Message: "teardown failed", Category: CategoryCleanup}
)

// New creates a new AppError
func New(code string, message string, category Category) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, appErr *AppError) *AppError {
	return &AppError{
		Code:     appErr.Code,
		Message:  appErr.Message,
		Category: appErr.Category,
		Err:      err,
	}
}

// WithMessage returns a new AppError with a custom message
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:     e.Code,
		Message:  message,
		Category: e.Category,
		Err:      e.Err,
	}
}

// WithMessagef returns a new AppError with a formatted message
func (e *AppError) WithMessagef(format string, args ...any) *AppError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithError returns a new AppError with a wrapped error
func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:     e.Code,
		Message:  e.Message,
		Category: e.Category,
		Err:      err,
	}
}

// Is checks if the error is a specific AppError
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// CategoryOf returns the category of the outermost AppError in err's chain
func CategoryOf(err error) Category {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return ""
}
