package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so log aggregation
// and querying see one vocabulary, whichever component emitted the line.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// HTTP Request
	// ========================================================================
	KeyRequestID  = "request_id"  // chi request ID
	KeyMethod     = "method"      // HTTP method
	KeyRoute      = "route"       // matched route pattern
	KeyStatus     = "status"      // HTTP status code
	KeyBytes      = "bytes"       // response body size
	KeyDurationMs = "duration_ms" // request duration in milliseconds
	KeyClientIP   = "client_ip"   // client IP address

	// ========================================================================
	// Capability & Workspace
	// ========================================================================
	KeyWorkspace  = "workspace"  // workspace ID
	KeyKeyID      = "key_id"     // capability key ID (never the plaintext)
	KeyKeyPrefix  = "key_prefix" // capability key display prefix
	KeyPlane      = "plane"      // requested plane: r, a, or w
	KeyPermission = "permission" // key permission: read, append, write
	KeyScope      = "scope"      // key scope: workspace, folder, file

	// ========================================================================
	// Documents & Appends
	// ========================================================================
	KeyPath     = "path"      // document or folder path
	KeyOldPath  = "old_path"  // source path for rename/move
	KeyNewPath  = "new_path"  // destination path for rename/move
	KeyETag     = "etag"      // content etag
	KeySize     = "size"      // content size in bytes
	KeyAppendID = "append_id" // wire append ID (a<seq>)
	KeySeq      = "seq"       // append sequence number
	KeyType     = "type"      // append type
	KeyAuthor   = "author"    // append author
	KeyTask     = "task"      // task append ID
	KeyState    = "state"     // reduced task state

	// ========================================================================
	// Webhooks
	// ========================================================================
	KeyWebhook    = "webhook"     // webhook ID
	KeyEvent      = "event"       // event type
	KeyEventID    = "event_id"    // event ID (evt_…)
	KeyDeliveryID = "delivery_id" // delivery journal ID
	KeyURL        = "url"         // delivery target URL
	KeyAttempt    = "attempt"     // delivery attempt number
	KeyOutcome    = "outcome"     // delivery outcome: delivered, failed, dropped

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyError = "error" // error message
	KeyCount = "count" // generic row/item count
	KeyStore = "store" // database backend: sqlite, postgres
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// RequestID returns a slog.Attr for the request ID
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// Route returns a slog.Attr for the matched route pattern
func Route(pattern string) slog.Attr {
	return slog.String(KeyRoute, pattern)
}

// Status returns a slog.Attr for the HTTP status code
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// ClientIP returns a slog.Attr for the client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Workspace returns a slog.Attr for a workspace ID
func Workspace(id string) slog.Attr {
	return slog.String(KeyWorkspace, id)
}

// KeyID returns a slog.Attr for a capability key ID
func KeyID(id string) slog.Attr {
	return slog.String(KeyKeyID, id)
}

// Plane returns a slog.Attr for the requested plane
func Plane(p string) slog.Attr {
	return slog.String(KeyPlane, p)
}

// Path returns a slog.Attr for a document or folder path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// OldPath returns a slog.Attr for the source path of a rename/move
func OldPath(p string) slog.Attr {
	return slog.String(KeyOldPath, p)
}

// NewPath returns a slog.Attr for the destination path of a rename/move
func NewPath(p string) slog.Attr {
	return slog.String(KeyNewPath, p)
}

// ETag returns a slog.Attr for a content etag
func ETag(tag string) slog.Attr {
	return slog.String(KeyETag, tag)
}

// Size returns a slog.Attr for a content size
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// AppendID returns a slog.Attr for a wire append ID
func AppendID(id string) slog.Attr {
	return slog.String(KeyAppendID, id)
}

// Seq returns a slog.Attr for an append sequence number
func Seq(n int64) slog.Attr {
	return slog.Int64(KeySeq, n)
}

// AppendType returns a slog.Attr for an append type
func AppendType(t string) slog.Attr {
	return slog.String(KeyType, t)
}

// Author returns a slog.Attr for an append author
func Author(a string) slog.Attr {
	return slog.String(KeyAuthor, a)
}

// Webhook returns a slog.Attr for a webhook ID
func Webhook(id string) slog.Attr {
	return slog.String(KeyWebhook, id)
}

// Event returns a slog.Attr for an event type
func Event(e string) slog.Attr {
	return slog.String(KeyEvent, e)
}

// EventID returns a slog.Attr for an event ID
func EventID(id string) slog.Attr {
	return slog.String(KeyEventID, id)
}

// Attempt returns a slog.Attr for a delivery attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Outcome returns a slog.Attr for a delivery outcome
func Outcome(o string) slog.Attr {
	return slog.String(KeyOutcome, o)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Count returns a slog.Attr for a generic count
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}
