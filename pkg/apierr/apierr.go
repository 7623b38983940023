// Package apierr provides the error taxonomy for the carrel API. This is a
// leaf package with no internal dependencies, designed to be imported by
// handlers, the store, and domain packages without causing circular imports.
//
// Every error that crosses the HTTP boundary is an *apierr.Error carrying a
// wire code; the code determines the HTTP status via HTTPStatus. Key-related
// denials deliberately collapse to 404 on the wire so that probing capability
// URLs cannot distinguish a missing key from an unauthorized one.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the wire error code carried in the response envelope.
type Code string

const (
	// CodeInvalidRequest indicates a malformed or semantically invalid request body.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeInvalidPath indicates a path that failed validation.
	CodeInvalidPath Code = "INVALID_PATH"

	// CodeInvalidRef indicates an append ref that does not name a usable target.
	CodeInvalidRef Code = "INVALID_REF"

	// CodeAuthorMismatch indicates an append author conflicting with the key's bound author.
	CodeAuthorMismatch Code = "AUTHOR_MISMATCH"

	// CodeInvalidAuthor indicates an author outside the allowed character
	// class or in the reserved set.
	CodeInvalidAuthor Code = "INVALID_AUTHOR"

	// CodeTypeNotAllowed indicates an append type outside the allowed set.
	CodeTypeNotAllowed Code = "TYPE_NOT_ALLOWED"

	// CodeTaskAlreadyComplete indicates a claim or cancel against a done task.
	CodeTaskAlreadyComplete Code = "TASK_ALREADY_COMPLETE"

	// CodeConfirmPathMismatch indicates a cascade delete whose confirmPath
	// does not repeat the folder basename.
	CodeConfirmPathMismatch Code = "CONFIRM_PATH_MISMATCH"

	// CodeInvalidWebhookURL indicates a webhook URL that failed validation,
	// including the SSRF guard.
	CodeInvalidWebhookURL Code = "INVALID_WEBHOOK_URL"

	// CodeInvalidEventType indicates a webhook event outside the closed enum.
	CodeInvalidEventType Code = "INVALID_EVENT_TYPE"

	// CodeUnauthorized indicates a missing or invalid session.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeNotFound indicates a resource that does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeFileNotFound indicates the addressed file does not exist.
	CodeFileNotFound Code = "FILE_NOT_FOUND"

	// CodeFolderNotFound indicates the addressed folder does not exist.
	CodeFolderNotFound Code = "FOLDER_NOT_FOUND"

	// CodeSectionNotFound indicates the requested section heading is absent.
	CodeSectionNotFound Code = "SECTION_NOT_FOUND"

	// CodeTaskNotFound indicates a ref to a task that does not exist.
	CodeTaskNotFound Code = "TASK_NOT_FOUND"

	// CodeAppendNotFound indicates the requested append does not exist.
	CodeAppendNotFound Code = "APPEND_NOT_FOUND"

	// CodeWebhookNotFound indicates the requested webhook does not exist.
	CodeWebhookNotFound Code = "WEBHOOK_NOT_FOUND"

	// CodeKeyNotFound indicates the requested key record does not exist.
	CodeKeyNotFound Code = "KEY_NOT_FOUND"

	// CodeInvalidKey indicates the presented capability key is unknown.
	CodeInvalidKey Code = "INVALID_KEY"

	// CodeKeyRevoked indicates the presented capability key was revoked.
	CodeKeyRevoked Code = "KEY_REVOKED"

	// CodeKeyExpired indicates the presented capability key has expired.
	CodeKeyExpired Code = "KEY_EXPIRED"

	// CodePermissionDenied indicates the key cannot perform the operation
	// or cannot reach the path.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeFileExists indicates a create would overwrite an existing file.
	CodeFileExists Code = "FILE_EXISTS"

	// CodeFolderExists indicates a folder create or rename target collision.
	CodeFolderExists Code = "FOLDER_EXISTS"

	// CodeFolderNotEmpty indicates a delete of a non-empty folder without cascade.
	CodeFolderNotEmpty Code = "FOLDER_NOT_EMPTY"

	// CodeAlreadyClaimed indicates a claim lost to a live claim, or a
	// workspace already bound to another subject.
	CodeAlreadyClaimed Code = "ALREADY_CLAIMED"

	// CodeWIPLimitExceeded indicates the author hit their work-in-progress limit.
	CodeWIPLimitExceeded Code = "WIP_LIMIT_EXCEEDED"

	// CodeConflict indicates an If-Match mismatch or idempotency digest mismatch.
	CodeConflict Code = "CONFLICT"

	// CodeFileDeleted indicates the file is soft-deleted and recoverable.
	CodeFileDeleted Code = "FILE_DELETED"

	// CodePayloadTooLarge indicates content or append text over the size limit.
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"

	// CodeRateLimited indicates the key or IP exceeded its request budget.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeInternal indicates an unexpected server-side failure.
	CodeInternal Code = "INTERNAL"
)

// concealedCodes render as 404 on the wire regardless of their real meaning.
// URL probing must not reveal whether a key exists, is dead, or lacks scope.
var concealedCodes = map[Code]bool{
	CodeInvalidKey:       true,
	CodeKeyRevoked:       true,
	CodeKeyExpired:       true,
	CodePermissionDenied: true,
}

// HTTPStatus maps a code to its HTTP status.
func (c Code) HTTPStatus() int {
	if concealedCodes[c] {
		return http.StatusNotFound
	}
	switch c {
	case CodeInvalidRequest, CodeInvalidPath, CodeInvalidRef, CodeInvalidAuthor,
		CodeAuthorMismatch, CodeTypeNotAllowed, CodeTaskAlreadyComplete,
		CodeConfirmPathMismatch, CodeInvalidWebhookURL, CodeInvalidEventType:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound, CodeFileNotFound, CodeFolderNotFound, CodeSectionNotFound,
		CodeTaskNotFound, CodeAppendNotFound, CodeWebhookNotFound, CodeKeyNotFound:
		return http.StatusNotFound
	case CodeFileExists, CodeFolderExists, CodeFolderNotEmpty, CodeAlreadyClaimed:
		return http.StatusConflict
	case CodeFileDeleted:
		return http.StatusGone
	case CodeConflict:
		return http.StatusConflict
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited, CodeWIPLimitExceeded:
		return http.StatusTooManyRequests
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is an API error with a wire code and optional structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// Status overrides the code's default HTTP status when set. The
	// workspace-claim flavor of ALREADY_CLAIMED uses 400 where the task
	// flavor uses 409; If-Match CONFLICT uses 412 where the idempotency
	// flavor uses 409.
	Status int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the status this error renders as.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Code.HTTPStatus()
}

// WithDetail returns e with an extra detail entry set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err, or nil.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	if apiErr := AsError(err); apiErr != nil {
		return apiErr.Code == code
	}
	return false
}

// ============================================================================
// Factory functions for the common cases
// ============================================================================

// InvalidRequest creates an INVALID_REQUEST error.
func InvalidRequest(message string) *Error {
	return New(CodeInvalidRequest, message)
}

// InvalidPath creates an INVALID_PATH error for the given raw path.
func InvalidPath(raw, reason string) *Error {
	return &Error{
		Code:    CodeInvalidPath,
		Message: fmt.Sprintf("invalid path: %s", reason),
		Details: map[string]any{"path": raw},
	}
}

// FileNotFound creates a FILE_NOT_FOUND error.
func FileNotFound(path string) *Error {
	return &Error{
		Code:    CodeFileNotFound,
		Message: "file not found",
		Details: map[string]any{"path": path},
	}
}

// FileDeleted creates a FILE_DELETED error carrying the recovery deadline.
func FileDeleted(path, deleteExpiresAt string) *Error {
	return &Error{
		Code:    CodeFileDeleted,
		Message: "file is deleted and can be recovered",
		Details: map[string]any{"path": path, "deleteExpiresAt": deleteExpiresAt},
	}
}

// PermissionDenied creates a PERMISSION_DENIED error. Renders as 404.
func PermissionDenied(message string) *Error {
	return New(CodePermissionDenied, message)
}

// PayloadTooLarge creates a PAYLOAD_TOO_LARGE error carrying the limit.
func PayloadTooLarge(limit int64) *Error {
	return &Error{
		Code:    CodePayloadTooLarge,
		Message: fmt.Sprintf("payload exceeds limit of %d bytes", limit),
		Details: map[string]any{"limitBytes": limit},
	}
}

// ETagConflict creates the If-Match flavor of CONFLICT (412).
func ETagConflict(expected, actual string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: "etag precondition failed",
		Details: map[string]any{"expected": expected, "actual": actual},
		Status:  http.StatusPreconditionFailed,
	}
}

// WorkspaceAlreadyClaimed creates the workspace flavor of ALREADY_CLAIMED (400).
func WorkspaceAlreadyClaimed(claimedBy string) *Error {
	return &Error{
		Code:    CodeAlreadyClaimed,
		Message: "workspace is already claimed",
		Details: map[string]any{"claimedBy": claimedBy},
		Status:  http.StatusBadRequest,
	}
}

// Internal creates an INTERNAL error with an opaque message. The underlying
// cause belongs in logs, never on the wire.
func Internal() *Error {
	return New(CodeInternal, "internal server error")
}
