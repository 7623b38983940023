package models

import "errors"

// Store-level sentinel errors. The store converts driver errors into these;
// handlers convert them into wire errors at the edge.
var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrKeyNotFound       = errors.New("capability key not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrAppendNotFound    = errors.New("append not found")
	ErrFolderNotFound    = errors.New("folder not found")
	ErrWebhookNotFound   = errors.New("webhook not found")

	ErrDuplicatePath   = errors.New("a file already exists at this path")
	ErrDuplicateFolder = errors.New("a folder marker already exists at this path")
	ErrDuplicateKey    = errors.New("a key with this hash already exists")

	ErrFolderNotEmpty = errors.New("folder still contains live files")

	ErrWorkspaceClaimed = errors.New("workspace is claimed by another subject")

	ErrIdempotencyNotFound = errors.New("idempotency record not found")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
)
