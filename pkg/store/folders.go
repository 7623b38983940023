package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carrelhq/carrel/pkg/models"
)

// CreateFolderMarker materializes an empty folder. A marker on a path that
// already has files is allowed; one on a path that already has a marker is
// not.
func (s *Store) CreateFolderMarker(ctx context.Context, workspaceID, path string) (*models.Folder, error) {
	folder := &models.Folder{
		ID:          newID(),
		WorkspaceID: workspaceID,
		Path:        path,
	}
	if err := s.db.WithContext(ctx).Create(folder).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, models.ErrDuplicateFolder
		}
		return nil, fmt.Errorf("failed to create folder marker: %w", err)
	}
	return folder, nil
}

// ListFolderMarkers returns the markers under a folder prefix, the marker at
// the prefix itself excluded. The empty prefix lists the whole workspace.
func (s *Store) ListFolderMarkers(ctx context.Context, workspaceID, prefix string) ([]*models.Folder, error) {
	var markers []*models.Folder
	q := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	q = scopePrefix(q, prefix)
	if err := q.Order("path ASC").Find(&markers).Error; err != nil {
		return nil, fmt.Errorf("failed to list folder markers: %w", err)
	}
	return markers, nil
}

// FolderExists reports whether a folder is visible: an explicit marker, or at
// least one live file somewhere under the prefix. The root always exists.
func (s *Store) FolderExists(ctx context.Context, workspaceID, path string) (bool, error) {
	return folderExistsTx(s.db, ctx, workspaceID, path)
}

// RenameFolder moves the whole subtree under from to to: every file row
// (soft-deleted ones too, so recovery lands at the new path), every marker,
// and every key scoped at or inside the prefix. The destination must not
// exist yet.
func (s *Store) RenameFolder(ctx context.Context, workspaceID, from, to string) (int64, error) {
	var moved int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := folderExistsTx(tx, ctx, workspaceID, from)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrFolderNotFound
		}
		destExists, err := folderExistsTx(tx, ctx, workspaceID, to)
		if err != nil {
			return err
		}
		if destExists {
			return models.ErrDuplicateFolder
		}

		var files []*models.File
		q := tx.WithContext(ctx).Where("workspace_id = ?", workspaceID)
		if err := scopePrefix(q, from).Find(&files).Error; err != nil {
			return fmt.Errorf("failed to load subtree files: %w", err)
		}
		for _, f := range files {
			newPath := to + f.Path[len(from):]
			if err := tx.Model(f).Update("path", newPath).Error; err != nil {
				if isUniqueConstraintError(err) {
					return models.ErrDuplicatePath
				}
				return fmt.Errorf("failed to move file %s: %w", f.Path, err)
			}
			moved++
		}

		var markers []*models.Folder
		q = tx.WithContext(ctx).Where("workspace_id = ?", workspaceID)
		if err := scopePrefix(q, from).Find(&markers).Error; err != nil {
			return fmt.Errorf("failed to load subtree markers: %w", err)
		}
		err = tx.WithContext(ctx).
			Model(&models.Folder{}).
			Where("workspace_id = ? AND path = ?", workspaceID, from).
			Update("path", to).Error
		if err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrDuplicateFolder
			}
			return fmt.Errorf("failed to move folder marker: %w", err)
		}
		for _, m := range markers {
			newPath := to + m.Path[len(from):]
			if err := tx.Model(m).Update("path", newPath).Error; err != nil {
				if isUniqueConstraintError(err) {
					return models.ErrDuplicateFolder
				}
				return fmt.Errorf("failed to move marker %s: %w", m.Path, err)
			}
		}

		return retargetKeys(tx, ctx, workspaceID, from, to)
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// DeleteFolder removes the folder. An empty folder loses its markers
// directly; a non-empty one requires cascade and soft-deletes every live
// file under the prefix, returning ErrFolderNotEmpty otherwise. File keys
// stay live and follow their files into retention, so a recovered file
// still answers to its old URLs.
func (s *Store) DeleteFolder(ctx context.Context, workspaceID, path string, cascade bool, retention time.Duration, now time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := folderExistsTx(tx, ctx, workspaceID, path)
		if err != nil {
			return err
		}
		if !exists {
			return models.ErrFolderNotFound
		}

		var live int64
		q := tx.WithContext(ctx).Model(&models.File{}).
			Where("workspace_id = ? AND deleted_at IS NULL", workspaceID)
		if err := scopePrefix(q, path).Count(&live).Error; err != nil {
			return fmt.Errorf("failed to count subtree files: %w", err)
		}
		if live > 0 && !cascade {
			return models.ErrFolderNotEmpty
		}

		if live > 0 {
			expires := now.Add(retention)
			q = tx.WithContext(ctx).Model(&models.File{}).
				Where("workspace_id = ? AND deleted_at IS NULL", workspaceID)
			res := scopePrefix(q, path).Updates(map[string]any{
				"deleted_at":        now,
				"delete_expires_at": expires,
			})
			if res.Error != nil {
				return fmt.Errorf("failed to soft-delete subtree: %w", res.Error)
			}
			deleted = res.RowsAffected
		}

		q = tx.WithContext(ctx).Where("workspace_id = ?", workspaceID)
		if err := scopePrefix(q, path).Delete(&models.Folder{}).Error; err != nil {
			return fmt.Errorf("failed to remove subtree markers: %w", err)
		}
		err = tx.WithContext(ctx).
			Where("workspace_id = ? AND path = ?", workspaceID, path).
			Delete(&models.Folder{}).Error
		if err != nil {
			return fmt.Errorf("failed to remove folder marker: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// folderExistsTx is FolderExists on a transaction handle.
func folderExistsTx(tx *gorm.DB, ctx context.Context, workspaceID, path string) (bool, error) {
	if path == "" {
		return true, nil
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&models.Folder{}).
		Where("workspace_id = ? AND path = ?", workspaceID, path).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check folder marker: %w", err)
	}
	if count > 0 {
		return true, nil
	}
	q := tx.WithContext(ctx).
		Model(&models.File{}).
		Where("workspace_id = ? AND deleted_at IS NULL", workspaceID)
	if err := scopePrefix(q, path).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check folder files: %w", err)
	}
	return count > 0, nil
}
