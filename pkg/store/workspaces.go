package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/tasklog"
)

// CreateWorkspace persists a new workspace. The caller assigns the ID
// (capability.NewWorkspaceID) so that bootstrap can build the key triple
// before anything touches the database.
func (s *Store) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if err := s.db.WithContext(ctx).Create(ws).Error; err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// ListWorkspaces returns every workspace, oldest first. Used by backups.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	var workspaces []*models.Workspace
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&workspaces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return workspaces, nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return getByField[models.Workspace](s.db, ctx, "id", id, models.ErrWorkspaceNotFound)
}

// UpdateWorkspaceSettings replaces the workspace settings JSON.
func (s *Store) UpdateWorkspaceSettings(ctx context.Context, id string, settings *models.DocumentSettings) (*models.Workspace, error) {
	var ws *models.Workspace
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ws, err = getByField[models.Workspace](tx, ctx, "id", id, models.ErrWorkspaceNotFound)
		if err != nil {
			return err
		}
		if err := ws.SetSettings(settings); err != nil {
			return fmt.Errorf("failed to encode workspace settings: %w", err)
		}
		return tx.Model(ws).Update("settings", ws.Settings).Error
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// ClaimWorkspace binds the workspace to a session subject. The bind is a
// one-time operation: a second claim by the same subject is an idempotent
// no-op, a claim while another subject holds it returns ErrWorkspaceClaimed
// with the current holder visible on the returned workspace.
func (s *Store) ClaimWorkspace(ctx context.Context, id, subject string, now time.Time) (*models.Workspace, error) {
	var ws *models.Workspace
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ws, err = getByField[models.Workspace](tx, ctx, "id", id, models.ErrWorkspaceNotFound)
		if err != nil {
			return err
		}
		if ws.ClaimedBy == subject {
			return nil
		}
		if ws.ClaimedBy != "" {
			return models.ErrWorkspaceClaimed
		}
		ws.ClaimedBy = subject
		ws.ClaimedAt = &now
		return tx.Model(ws).Updates(map[string]any{
			"claimed_by": subject,
			"claimed_at": now,
		}).Error
	})
	if err != nil {
		return ws, err
	}
	return ws, nil
}

// ReleaseWorkspaceClaim clears the claim. Only the claiming subject may
// release; a mismatch returns ErrWorkspaceClaimed. Releasing an unclaimed
// workspace is a no-op.
func (s *Store) ReleaseWorkspaceClaim(ctx context.Context, id, subject string) (*models.Workspace, error) {
	var ws *models.Workspace
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ws, err = getByField[models.Workspace](tx, ctx, "id", id, models.ErrWorkspaceNotFound)
		if err != nil {
			return err
		}
		if ws.ClaimedBy == "" {
			return nil
		}
		if ws.ClaimedBy != subject {
			return models.ErrWorkspaceClaimed
		}
		ws.ClaimedBy = ""
		ws.ClaimedAt = nil
		return tx.Model(ws).Updates(map[string]any{
			"claimed_by": "",
			"claimed_at": nil,
		}).Error
	})
	if err != nil {
		return ws, err
	}
	return ws, nil
}

// FolderStats aggregates size, append and task counts over the live subtree
// under prefix. The empty prefix covers the whole workspace, which is how the
// workspace overview gets its numbers.
type FolderStats struct {
	Files      int64                       `json:"fileCount"`
	Folders    int64                       `json:"folderCount"`
	TotalBytes int64                       `json:"totalSize"`
	Appends    int64                       `json:"appends"`
	Tasks      map[tasklog.TaskState]int64 `json:"tasks"`
}

// Stats walks the live files under prefix and reduces their append logs.
func (s *Store) Stats(ctx context.Context, workspaceID, prefix string, now time.Time) (*FolderStats, error) {
	stats := &FolderStats{
		Tasks: map[tasklog.TaskState]int64{
			tasklog.StateOpen:      0,
			tasklog.StateClaimed:   0,
			tasklog.StateBlocked:   0,
			tasklog.StateDone:      0,
			tasklog.StateCancelled: 0,
		},
	}

	files, err := s.ListFiles(ctx, workspaceID, prefix, false)
	if err != nil {
		return nil, err
	}

	folders := make(map[string]bool)
	for _, f := range files {
		stats.Files++
		stats.TotalBytes += f.SizeBytes
		stats.Appends += f.AppendSeq
		for dir := parentOf(f.Path); dir != "" && len(dir) > len(prefix); dir = parentOf(dir) {
			folders[dir] = true
		}

		tasks, err := s.TasksForFile(ctx, f, now)
		if err != nil {
			return nil, err
		}
		for state, n := range tasks.Counts() {
			stats.Tasks[state] += int64(n)
		}
	}

	markers, err := s.ListFolderMarkers(ctx, workspaceID, prefix)
	if err != nil {
		return nil, err
	}
	for _, m := range markers {
		folders[m.Path] = true
	}
	stats.Folders = int64(len(folders))

	return stats, nil
}

// parentOf returns the folder containing path, empty at the root.
func parentOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
