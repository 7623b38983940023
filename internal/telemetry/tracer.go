package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for carrel operations. HTTP keys follow OpenTelemetry
// semantic conventions; domain keys use their own prefixes.
const (
	// Client attributes
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// HTTP attributes
	AttrHTTPMethod = "http.request.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPStatus = "http.response.status_code"

	// Capability attributes. Only the key prefix ever lands in a span;
	// full keys are secrets.
	AttrPlane      = "capability.plane" // read, append, write
	AttrKeyPrefix  = "capability.key_prefix"
	AttrScopeType  = "capability.scope_type"
	AttrScopePath  = "capability.scope_path"
	AttrPermission = "capability.permission"

	// Document attributes
	AttrWorkspace = "doc.workspace"
	AttrPath      = "doc.path"
	AttrFolder    = "doc.folder"
	AttrETag      = "doc.etag"
	AttrSizeBytes = "doc.size_bytes"

	// Append log attributes
	AttrAppendSeq  = "append.seq"
	AttrAppendType = "append.type"
	AttrAuthor     = "append.author"
	AttrTaskState  = "task.state"

	// Webhook attributes
	AttrWebhookID     = "webhook.id"
	AttrWebhookURL    = "webhook.url"
	AttrWebhookEvent  = "webhook.event"
	AttrDeliveryID    = "webhook.delivery_id"
	AttrAttempt       = "webhook.attempt"
	AttrDeliveryCode  = "webhook.status_code"
	AttrDeliveryError = "webhook.error"

	// Store attributes
	AttrStoreOp   = "store.operation"
	AttrStoreType = "store.type" // sqlite, postgres

	// Archive and backup attributes
	AttrBucket   = "storage.bucket"
	AttrKey      = "storage.key"
	AttrChecksum = "archive.checksum"
)

// Span names. Format: <component>.<operation>.
const (
	SpanRequest = "http.request"

	SpanStorePut     = "store.put_file"
	SpanStoreGet     = "store.get_file"
	SpanStoreAppend  = "store.append_batch"
	SpanStoreReduce  = "store.reduce_tasks"
	SpanStoreSearch  = "store.search"
	SpanStoreExport  = "store.export"
	SpanStoreReap    = "store.reap"
	SpanWebhookSend  = "webhook.deliver"
	SpanArchiveBuild = "archive.build"
	SpanBackupUpload = "backup.upload"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// HTTPMethod returns an attribute for the request method
func HTTPMethod(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

// HTTPRoute returns an attribute for the matched route pattern
func HTTPRoute(route string) attribute.KeyValue {
	return attribute.String(AttrHTTPRoute, route)
}

// HTTPStatus returns an attribute for the response status code
func HTTPStatus(code int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, code)
}

// Plane returns an attribute for the capability plane
func Plane(plane string) attribute.KeyValue {
	return attribute.String(AttrPlane, plane)
}

// KeyPrefix returns an attribute for the capability key prefix
func KeyPrefix(prefix string) attribute.KeyValue {
	return attribute.String(AttrKeyPrefix, prefix)
}

// ScopeType returns an attribute for the key scope type
func ScopeType(scope string) attribute.KeyValue {
	return attribute.String(AttrScopeType, scope)
}

// ScopePath returns an attribute for the key scope path
func ScopePath(path string) attribute.KeyValue {
	return attribute.String(AttrScopePath, path)
}

// Permission returns an attribute for the key permission
func Permission(perm string) attribute.KeyValue {
	return attribute.String(AttrPermission, perm)
}

// Workspace returns an attribute for the workspace ID
func Workspace(id string) attribute.KeyValue {
	return attribute.String(AttrWorkspace, id)
}

// Path returns an attribute for a document path
func Path(path string) attribute.KeyValue {
	return attribute.String(AttrPath, path)
}

// Folder returns an attribute for a folder path
func Folder(path string) attribute.KeyValue {
	return attribute.String(AttrFolder, path)
}

// ETag returns an attribute for a document etag
func ETag(etag string) attribute.KeyValue {
	return attribute.String(AttrETag, etag)
}

// SizeBytes returns an attribute for a document size
func SizeBytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrSizeBytes, n)
}

// AppendSeq returns an attribute for an append sequence number
func AppendSeq(seq int64) attribute.KeyValue {
	return attribute.Int64(AttrAppendSeq, seq)
}

// AppendType returns an attribute for an append entry type
func AppendType(t string) attribute.KeyValue {
	return attribute.String(AttrAppendType, t)
}

// Author returns an attribute for an append author
func Author(name string) attribute.KeyValue {
	return attribute.String(AttrAuthor, name)
}

// TaskState returns an attribute for a reduced task state
func TaskState(state string) attribute.KeyValue {
	return attribute.String(AttrTaskState, state)
}

// WebhookID returns an attribute for a webhook registration ID
func WebhookID(id string) attribute.KeyValue {
	return attribute.String(AttrWebhookID, id)
}

// WebhookURL returns an attribute for a webhook target URL
func WebhookURL(url string) attribute.KeyValue {
	return attribute.String(AttrWebhookURL, url)
}

// WebhookEvent returns an attribute for a webhook event type
func WebhookEvent(event string) attribute.KeyValue {
	return attribute.String(AttrWebhookEvent, event)
}

// DeliveryID returns an attribute for a webhook delivery ID
func DeliveryID(id string) attribute.KeyValue {
	return attribute.String(AttrDeliveryID, id)
}

// Attempt returns an attribute for a delivery attempt number
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// DeliveryCode returns an attribute for the receiver's status code
func DeliveryCode(code int) attribute.KeyValue {
	return attribute.Int(AttrDeliveryCode, code)
}

// StoreOp returns an attribute for a store operation name
func StoreOp(op string) attribute.KeyValue {
	return attribute.String(AttrStoreOp, op)
}

// StoreType returns an attribute for the store backend type
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Bucket returns an attribute for an S3 bucket name
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// StorageKey returns an attribute for an S3 object key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Checksum returns an attribute for an archive checksum
func Checksum(sum string) attribute.KeyValue {
	return attribute.String(AttrChecksum, sum)
}

// StartRequestSpan starts the root span for an API request. The route is
// the chi pattern, not the concrete URL, so capability keys stay out of
// span names.
func StartRequestSpan(ctx context.Context, method, route string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		HTTPMethod(method),
		HTTPRoute(route),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanRequest, trace.WithAttributes(allAttrs...))
}

// StartStoreSpan starts a span for a store operation.
func StartStoreSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		StoreOp(operation),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "store."+operation, trace.WithAttributes(allAttrs...))
}

// StartWebhookSpan starts a span for one delivery attempt.
func StartWebhookSpan(ctx context.Context, webhookID, event string, attempt int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		WebhookID(webhookID),
		WebhookEvent(event),
		Attempt(attempt),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanWebhookSend, trace.WithAttributes(allAttrs...))
}
