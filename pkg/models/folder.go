package models

import "time"

// Folder is an explicit folder marker. Folders normally exist only as path
// prefixes of live files; a marker lets an empty folder exist on its own,
// created by the folder-create endpoint ahead of any files.
type Folder struct {
	ID          string    `gorm:"primaryKey;size:36" json:"-"`
	WorkspaceID string    `gorm:"not null;size:36;index;uniqueIndex:idx_folders_ws_path" json:"-"`
	Path        string    `gorm:"not null;size:1024;uniqueIndex:idx_folders_ws_path" json:"path"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for Folder.
func (Folder) TableName() string {
	return "folders"
}
