package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// newID generates a row ID. Wire-visible IDs (workspaces, keys, webhooks) come
// from the capability package with their typed prefixes; UUIDs serve the rows
// that never leave the database.
func newID() string {
	return uuid.New().String()
}

// ============================================================================
// Generic GORM Helpers
// ============================================================================
//
// These helpers reduce repetitive CRUD boilerplate across store implementation
// files. They are unexported and operate on the raw *gorm.DB so they work both
// on the store's root handle and inside transactions. Each helper handles
// context propagation and not-found conversion.

// getByField retrieves a single record of type T by matching field=value,
// converting gorm.ErrRecordNotFound to the provided notFoundErr.
func getByField[T any](db *gorm.DB, ctx context.Context, field string, value any, notFoundErr error) (*T, error) {
	var result T
	if err := db.WithContext(ctx).Where(field+" = ?", value).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// getScoped retrieves a single record of type T inside a workspace.
func getScoped[T any](db *gorm.DB, ctx context.Context, workspaceID, field string, value any, notFoundErr error) (*T, error) {
	var result T
	err := db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Where(field+" = ?", value).
		First(&result).Error
	if err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// prefixRange narrows a query to values of column strictly under a folder
// prefix, using a lexicographic range instead of LIKE so paths containing '%'
// or '_' need no escaping and the column's index stays usable. The empty
// prefix matches everything.
func prefixRange(q *gorm.DB, column, prefix string) *gorm.DB {
	if prefix == "" {
		return q
	}
	// All descendants of "a/b" sort between "a/b/" and "a/b0" ('0' is '/'+1).
	return q.Where(column+" >= ? AND "+column+" < ?", prefix+"/", prefix+"0")
}

// scopePrefix is prefixRange over the path column, the common case for files
// and folder markers.
func scopePrefix(q *gorm.DB, prefix string) *gorm.DB {
	return prefixRange(q, "path", prefix)
}
