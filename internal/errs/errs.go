package errs

import (
	"errors"
	"net/http"
)

// Code is an application error code.
type Code string

const (
	InvalidArgument    Code = "invalid_argument"
	NotFound           Code = "not_found"
	AlreadyExists      Code = "already_exists"
	FailedPrecondition Code = "failed_precondition"
	PermissionDenied   Code = "permission_denied"
	Unauthenticated    Code = "unauthenticated"
	Unavailable        Code = "unavailable"
	NotFoundLocal      Code = "not_found_local"
	Aborted            Code = "aborted"
	Internal           Code = "internal"
)

// Error is a coded application error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a coded error with message.
func New(code Code, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a coded error with message and cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// Invalid creates a validation error. The message is shown to the user as-is.
func Invalid(message string) error {
	return New(InvalidArgument, message)
}

// CodeOf returns the error code, defaulting to internal.
func CodeOf(err error) Code {
	if err == nil {
		return Internal
	}
	var coded *Error
	if errors.As(err, &coded) {
		if coded.Code == "" {
			return Internal
		}
		return coded.Code
	}
	return Internal
}

// MessageOf returns a user-facing error message.
// If the error has no typed wrapper, returns "internal error" to prevent
// leaking raw DB errors, file paths, or connection strings to API responses.
func MessageOf(err error) string {
	if err == nil {
		return string(Internal)
	}
	var coded *Error
	if errors.As(err, &coded) && coded.Message != "" {
		return coded.Message
	}
	return "internal error"
}

// IsValidation reports whether err was produced by input validation.
// Validation errors are raised before any cache state changes.
func IsValidation(err error) bool {
	return err != nil && CodeOf(err) == InvalidArgument
}

// IsRemote reports whether err belongs to the remote failure class: anything
// that forces a rollback of speculative state.
func IsRemote(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case InvalidArgument, Aborted:
		return false
	default:
		return true
	}
}

// Retryable reports whether re-issuing the same remote call may succeed.
func Retryable(err error) bool {
	return err != nil && CodeOf(err) == Unavailable
}

var friendlyMessages = map[Code]string{
	AlreadyExists:      "This item already exists",
	Unauthenticated:    "Your session has expired. Please sign in again",
	PermissionDenied:   "You don't have permission to perform this action",
	Unavailable:        "Network error. Please check your connection",
	NotFound:           "The requested item was not found",
	NotFoundLocal:      "The requested item was not found",
	FailedPrecondition: "Cannot complete operation due to related data. Please try again.",
	Aborted:            "An earlier change failed. Please try again",
}

const defaultFriendlyMessage = "An unexpected error occurred. Please try again"

// FriendlyMessage maps an error to the text shown to end users.
// Validation errors carry their own message; everything else goes through a
// fixed table keyed by code.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}
	code := CodeOf(err)
	if code == InvalidArgument {
		return MessageOf(err)
	}
	if msg, ok := friendlyMessages[code]; ok {
		return msg
	}
	return defaultFriendlyMessage
}

// HTTPStatus maps error code to HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound, NotFoundLocal:
		return http.StatusNotFound
	case AlreadyExists, FailedPrecondition, Aborted:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
