package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeRepoNotFound       Code = "repo_not_found"
	CodeNotFound           Code = "not_found"
	CodeUnsupportedVersion Code = "unsupported_version"
	CodeDuplicateRequestID Code = "duplicate_request_id"
	CodeUnknownOperation   Code = "unknown_operation"
	CodeValidation         Code = "validation_error"
	CodeProtocol           Code = "protocol_error"
	CodeBudgetExceeded     Code = "budget_exceeded"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal_error"
)

var remediations = map[Code]string{
	CodeRepoNotFound:       "Check that repo_path points at an existing Git working tree.",
	CodeNotFound:           "Check that the revision or path exists in the repository.",
	CodeUnsupportedVersion: "Send requests with a supported protocol version.",
	CodeDuplicateRequestID: "Wait for the in-flight request to finish or use a fresh id.",
	CodeUnknownOperation:   "Use one of the supported query kinds.",
	CodeValidation:         "Correct the listed parameters and resend the request.",
	CodeProtocol:           "Send one well-formed JSON request per frame.",
	CodeBudgetExceeded:     "Raise max_bytes or max_hunks, or narrow the request.",
	CodeCancelled:          "Resend the request if the result is still needed.",
	CodeInternal:           "Retry the request; report it if the failure persists.",
}

// Error is the classified failure carried in every error response.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
	Details     any    `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the code onto the status used by the HTTP transport.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeRepoNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeUnsupportedVersion, CodeUnknownOperation, CodeValidation, CodeProtocol:
		return http.StatusBadRequest
	case CodeDuplicateRequestID:
		return http.StatusConflict
	case CodeBudgetExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Remediation: remediations[code],
	}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap classifies err under code, keeping it reachable through errors.Is.
func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func RepoNotFound(path string) *Error {
	return Newf(CodeRepoNotFound, "repository not found at %q", path).WithDetails(map[string]string{"repo_path": path})
}

func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

func UnsupportedVersion(got, want string) *Error {
	return Newf(CodeUnsupportedVersion, "unsupported protocol version %q", got).
		WithDetails(map[string]string{"supported": want})
}

func DuplicateRequestID(id string) *Error {
	return Newf(CodeDuplicateRequestID, "request %q is already in flight", id)
}

func UnknownOperation(kind string) *Error {
	return Newf(CodeUnknownOperation, "unknown operation %q", kind)
}

func ValidationError(message string, details any) *Error {
	return New(CodeValidation, message).WithDetails(details)
}

func Protocol(message string) *Error {
	return New(CodeProtocol, message)
}

func BudgetExceeded(message string) *Error {
	return New(CodeBudgetExceeded, message)
}

func Cancelled(message string) *Error {
	return New(CodeCancelled, message)
}

func Internal(err error) *Error {
	return Wrap(CodeInternal, err, err.Error())
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the classified code of err, internal_error when unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// From returns err as an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}
