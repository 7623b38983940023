package models

import (
	"encoding/json"
	"time"
)

// File is a markdown document. Content lives inline; the etag is the 64-bit
// xxhash of the content rendered as 16 lowercase hex characters.
//
// Deletion is soft and explicit (DeletedAt plus DeleteExpiresAt) rather than
// gorm's DeletedAt convention: deleted files still answer requests with 410
// and stay recoverable until the retention deadline, so the store must keep
// seeing them.
type File struct {
	ID          string `gorm:"primaryKey;size:36" json:"-"`
	WorkspaceID string `gorm:"not null;size:36;index;uniqueIndex:idx_files_ws_path" json:"-"`
	Path        string `gorm:"not null;size:1024;uniqueIndex:idx_files_ws_path" json:"path"`
	Content     string `gorm:"type:text" json:"-"`
	ETag        string `gorm:"size:16" json:"etag"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `gorm:"size:255;default:text/markdown" json:"contentType"`
	Settings    string `gorm:"type:text" json:"-"`

	// AppendSeq is the highest append sequence issued for this file. The
	// append transaction locks this row, so the counter is the serialization
	// point that keeps append IDs gap-free.
	AppendSeq int64 `gorm:"default:0" json:"-"`

	DeletedAt       *time.Time `gorm:"index" json:"deletedAt,omitempty"`
	DeleteExpiresAt *time.Time `json:"deleteExpiresAt,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	// Parsed settings (not stored in DB)
	ParsedSettings *DocumentSettings `gorm:"-" json:"settings,omitempty"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// Deleted reports whether the file is soft-deleted.
func (f *File) Deleted() bool {
	return f.DeletedAt != nil
}

// Recoverable reports whether a soft-deleted file is still within retention.
func (f *File) Recoverable(now time.Time) bool {
	return f.Deleted() && f.DeleteExpiresAt != nil && now.Before(*f.DeleteExpiresAt)
}

// GetSettings returns the parsed per-file settings.
func (f *File) GetSettings() (*DocumentSettings, error) {
	if f.ParsedSettings != nil {
		return f.ParsedSettings, nil
	}
	if f.Settings == "" {
		return &DocumentSettings{}, nil
	}
	var s DocumentSettings
	if err := json.Unmarshal([]byte(f.Settings), &s); err != nil {
		return nil, err
	}
	f.ParsedSettings = &s
	return &s, nil
}

// SetSettings stores the settings as the JSON column value.
func (f *File) SetSettings(s *DocumentSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	f.Settings = string(data)
	f.ParsedSettings = s
	return nil
}
