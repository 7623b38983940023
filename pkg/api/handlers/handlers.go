// Package handlers implements the carrel HTTP operations: file reads and
// writes, append submission, folder virtualization, key minting, webhooks,
// workspace lifecycle and health. Handlers receive authorized keys from the
// plane middleware and speak the response envelope exclusively.
package handlers

// Limits bounds request and response sizes across the API.
type Limits struct {
	// MaxFileBytes caps a full document write.
	MaxFileBytes int64

	// MaxAppendBytes caps a single append text.
	MaxAppendBytes int64

	// MaxExportBytes caps a folder export archive.
	MaxExportBytes int64

	// MaxBodyBytes caps any request body before decoding.
	MaxBodyBytes int64

	// MaxBatchAppends caps entries in one append batch.
	MaxBatchAppends int

	// MaxBulkFiles caps entries in one bulk file seed.
	MaxBulkFiles int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:    10 << 20,
		MaxAppendBytes:  1 << 20,
		MaxExportBytes:  256 << 20,
		MaxBodyBytes:    64 << 20,
		MaxBatchAppends: 20,
		MaxBulkFiles:    100,
	}
}
