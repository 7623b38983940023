package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/models"
)

// ComputeETag returns the content ETag: the 64-bit xxhash rendered as 16
// lowercase hex characters. It is cheap enough to recompute on every write.
func ComputeETag(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// GetFileByPath retrieves a file row by path, live or soft-deleted. Callers
// decide what a deleted row means for them (410, recover, skip).
func (s *Store) GetFileByPath(ctx context.Context, workspaceID, path string) (*models.File, error) {
	return getScoped[models.File](s.db, ctx, workspaceID, "path", path, models.ErrFileNotFound)
}

// GetFileByID retrieves a file row by ID.
func (s *Store) GetFileByID(ctx context.Context, id string) (*models.File, error) {
	return getByField[models.File](s.db, ctx, "id", id, models.ErrFileNotFound)
}

// ListFiles returns the files under a folder prefix ordered by path. Deleted
// rows are excluded unless includeDeleted is set. The empty prefix lists the
// whole workspace.
func (s *Store) ListFiles(ctx context.Context, workspaceID, prefix string, includeDeleted bool) ([]*models.File, error) {
	var files []*models.File
	q := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	q = scopePrefix(q, prefix)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if err := q.Order("path ASC").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// PutFileParams carries one create-or-replace write.
type PutFileParams struct {
	WorkspaceID string
	Path        string
	Content     []byte
	ContentType string
	Settings    *models.DocumentSettings

	// IfMatch makes a replace conditional on the current ETag.
	IfMatch string

	// IfNoneMatch refuses to replace: the write must create.
	IfNoneMatch bool
}

// PutFile creates or replaces a file in one transaction. It returns the row
// as written and whether it was created. Conditional failures surface as
// apierr values carrying the ETag details; a write against a soft-deleted
// path is refused until the path is recovered or reaped.
func (s *Store) PutFile(ctx context.Context, p PutFileParams) (*models.File, bool, error) {
	var (
		file    *models.File
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := fileByPathLocked(tx, ctx, p.WorkspaceID, p.Path)
		if err != nil && !errors.Is(err, models.ErrFileNotFound) {
			return err
		}

		if existing == nil {
			if p.IfMatch != "" {
				return models.ErrFileNotFound
			}
			file = &models.File{
				ID:          newID(),
				WorkspaceID: p.WorkspaceID,
				Path:        p.Path,
				Content:     string(p.Content),
				ETag:        ComputeETag(p.Content),
				SizeBytes:   int64(len(p.Content)),
				ContentType: contentTypeOrDefault(p.ContentType),
			}
			if p.Settings != nil {
				if err := file.SetSettings(p.Settings); err != nil {
					return fmt.Errorf("failed to encode file settings: %w", err)
				}
			}
			if err := tx.Create(file).Error; err != nil {
				if isUniqueConstraintError(err) {
					return models.ErrDuplicatePath
				}
				return fmt.Errorf("failed to create file: %w", err)
			}
			created = true
			return nil
		}

		if existing.Deleted() {
			return apierr.FileDeleted(existing.Path, deleteExpiry(existing))
		}
		if p.IfNoneMatch {
			return models.ErrDuplicatePath
		}
		if p.IfMatch != "" && p.IfMatch != existing.ETag {
			return apierr.ETagConflict(p.IfMatch, existing.ETag)
		}

		updates := map[string]any{
			"content":    string(p.Content),
			"e_tag":      ComputeETag(p.Content),
			"size_bytes": int64(len(p.Content)),
		}
		if p.ContentType != "" {
			updates["content_type"] = p.ContentType
		}
		if p.Settings != nil {
			if err := existing.SetSettings(p.Settings); err != nil {
				return fmt.Errorf("failed to encode file settings: %w", err)
			}
			updates["settings"] = existing.Settings
		}
		if err := tx.Model(existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to replace file: %w", err)
		}
		file = existing
		file.Content = string(p.Content)
		file.ETag = updates["e_tag"].(string)
		file.SizeBytes = int64(len(p.Content))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return file, created, nil
}

// UpdateFileSettings replaces the per-file settings JSON on a live file.
func (s *Store) UpdateFileSettings(ctx context.Context, workspaceID, path string, settings *models.DocumentSettings) (*models.File, error) {
	var file *models.File
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		file, err = fileByPathLocked(tx, ctx, workspaceID, path)
		if err != nil {
			return err
		}
		if file.Deleted() {
			return apierr.FileDeleted(file.Path, deleteExpiry(file))
		}
		if err := file.SetSettings(settings); err != nil {
			return fmt.Errorf("failed to encode file settings: %w", err)
		}
		return tx.Model(file).Update("settings", file.Settings).Error
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// SoftDeleteFile marks a file deleted and stamps its recovery deadline.
// Deleting an already-deleted file reports already=true and leaves the
// original deadline untouched.
func (s *Store) SoftDeleteFile(ctx context.Context, workspaceID, path string, retention time.Duration, now time.Time) (*models.File, bool, error) {
	var (
		file    *models.File
		already bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		file, err = fileByPathLocked(tx, ctx, workspaceID, path)
		if err != nil {
			return err
		}
		if file.Deleted() {
			already = true
			return nil
		}
		expires := now.Add(retention)
		file.DeletedAt = &now
		file.DeleteExpiresAt = &expires
		return tx.Model(file).Updates(map[string]any{
			"deleted_at":        now,
			"delete_expires_at": expires,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return file, already, nil
}

// RecoverFile clears a soft delete while the retention window is open. Past
// the deadline the file is as good as gone and reads as not found, whether or
// not the reaper got to the row yet. Recovering a live file is a no-op.
func (s *Store) RecoverFile(ctx context.Context, workspaceID, path string, now time.Time) (*models.File, bool, error) {
	var (
		file      *models.File
		recovered bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		file, err = fileByPathLocked(tx, ctx, workspaceID, path)
		if err != nil {
			return err
		}
		if !file.Deleted() {
			return nil
		}
		if !file.Recoverable(now) {
			return models.ErrFileNotFound
		}
		file.DeletedAt = nil
		file.DeleteExpiresAt = nil
		recovered = true
		return tx.Model(file).Updates(map[string]any{
			"deleted_at":        nil,
			"delete_expires_at": nil,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return file, recovered, nil
}

// RenameFile moves a live file to a new path. The destination must be free:
// even a soft-deleted row holds its path until recovered or reaped. Keys
// scoped to the file follow it; appends are tied to the file ID and need no
// touch.
func (s *Store) RenameFile(ctx context.Context, workspaceID, from, to string) (*models.File, error) {
	var file *models.File
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		file, err = fileByPathLocked(tx, ctx, workspaceID, from)
		if err != nil {
			return err
		}
		if file.Deleted() {
			return apierr.FileDeleted(file.Path, deleteExpiry(file))
		}

		var count int64
		err = tx.Model(&models.File{}).
			Where("workspace_id = ? AND path = ?", workspaceID, to).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check rename target: %w", err)
		}
		if count > 0 {
			return models.ErrDuplicatePath
		}

		if err := tx.Model(file).Update("path", to).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrDuplicatePath
			}
			return fmt.Errorf("failed to rename file: %w", err)
		}
		file.Path = to

		err = tx.Model(&models.CapabilityKey{}).
			Where("workspace_id = ? AND scope_type = ? AND scope_path = ?",
				workspaceID, models.ScopeFile, from).
			Update("scope_path", to).Error
		if err != nil {
			return fmt.Errorf("failed to move file keys: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// HardDeleteExpired removes every file whose recovery deadline has passed,
// cascading its appends and revoking its file-scoped keys. Returns the number
// of files reaped.
func (s *Store) HardDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var expired []*models.File
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND delete_expires_at <= ?", now).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find expired files: %w", err)
	}

	var reaped int64
	for _, f := range expired {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("file_id = ?", f.ID).Delete(&models.Append{}).Error; err != nil {
				return fmt.Errorf("failed to delete appends: %w", err)
			}
			if _, err := revokeFileKeys(tx, ctx, f.WorkspaceID, f.Path, now); err != nil {
				return err
			}
			return tx.Delete(f).Error
		})
		if err != nil {
			return reaped, err
		}
		s.tasks.Invalidate(f.ID)
		reaped++
	}
	return reaped, nil
}

// fileByPathLocked loads a file row under a row lock. Every mutation of file
// state goes through this so concurrent writers serialize per file; on SQLite
// the single-writer lock does the same job and the clause is a no-op.
func fileByPathLocked(tx *gorm.DB, ctx context.Context, workspaceID, path string) (*models.File, error) {
	var file models.File
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workspace_id = ? AND path = ?", workspaceID, path).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "text/markdown"
	}
	return ct
}

// BulkFile is one entry of a bulk seed.
type BulkFile struct {
	Path        string
	Content     []byte
	ContentType string
	Settings    *models.DocumentSettings
}

// BulkResult reports what one bulk entry did: a fresh file, or a comment
// append on a file that already existed.
type BulkResult struct {
	Path     string `json:"path"`
	Created  bool   `json:"created"`
	AppendID string `json:"appendId,omitempty"`
}

// BulkSeedFiles seeds many paths in one transaction, all or nothing. A
// missing path is created with the given content; a live file keeps its
// content and receives it as a comment append instead; a soft-deleted path
// fails the whole batch.
func (s *Store) BulkSeedFiles(ctx context.Context, workspaceID string, files []BulkFile, author string, now time.Time) ([]BulkResult, error) {
	if len(files) == 0 {
		return nil, apierr.InvalidRequest("bulk batch is empty")
	}
	results := make([]BulkResult, 0, len(files))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range files {
			existing, err := fileByPathLocked(tx, ctx, workspaceID, entry.Path)
			if err != nil && !errors.Is(err, models.ErrFileNotFound) {
				return err
			}

			if existing == nil {
				file := &models.File{
					ID:          newID(),
					WorkspaceID: workspaceID,
					Path:        entry.Path,
					Content:     string(entry.Content),
					ETag:        ComputeETag(entry.Content),
					SizeBytes:   int64(len(entry.Content)),
					ContentType: contentTypeOrDefault(entry.ContentType),
				}
				if entry.Settings != nil {
					if err := file.SetSettings(entry.Settings); err != nil {
						return fmt.Errorf("failed to encode file settings: %w", err)
					}
				}
				if err := tx.Create(file).Error; err != nil {
					if isUniqueConstraintError(err) {
						return models.ErrDuplicatePath
					}
					return fmt.Errorf("failed to create file: %w", err)
				}
				results = append(results, BulkResult{Path: entry.Path, Created: true})
				continue
			}

			if existing.Deleted() {
				return apierr.FileDeleted(existing.Path, deleteExpiry(existing))
			}

			seq := existing.AppendSeq + 1
			row := &models.Append{
				ID:        newID(),
				FileID:    existing.ID,
				Seq:       seq,
				Type:      models.AppendComment,
				Author:    author,
				Text:      string(entry.Content),
				CreatedAt: now,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("failed to insert bulk append: %w", err)
			}
			if err := tx.Model(existing).Update("append_seq", seq).Error; err != nil {
				return fmt.Errorf("failed to bump append counter: %w", err)
			}
			results = append(results, BulkResult{
				Path:     entry.Path,
				Created:  false,
				AppendID: models.FormatAppendID(seq),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// deleteExpiry renders the recovery deadline for FILE_DELETED details.
func deleteExpiry(f *models.File) string {
	if f.DeleteExpiresAt == nil {
		return ""
	}
	return f.DeleteExpiresAt.UTC().Format(time.RFC3339)
}
