package models

import (
	"encoding/json"
	"time"
)

// Workspace is the root container for files, folders, keys and webhooks.
// It carries no credentials: authority lives entirely in capability keys.
type Workspace struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	Name      string     `gorm:"size:255" json:"name"`
	ClaimedBy string     `gorm:"size:255" json:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	Settings  string     `gorm:"type:text" json:"-"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	// Parsed settings (not stored in DB)
	ParsedSettings *DocumentSettings `gorm:"-" json:"settings,omitempty"`
}

// TableName returns the table name for Workspace.
func (Workspace) TableName() string {
	return "workspaces"
}

// GetSettings returns the parsed workspace settings.
func (w *Workspace) GetSettings() (*DocumentSettings, error) {
	if w.ParsedSettings != nil {
		return w.ParsedSettings, nil
	}
	if w.Settings == "" {
		return &DocumentSettings{}, nil
	}
	var s DocumentSettings
	if err := json.Unmarshal([]byte(w.Settings), &s); err != nil {
		return nil, err
	}
	w.ParsedSettings = &s
	return &s, nil
}

// SetSettings stores the settings as the JSON column value.
func (w *Workspace) SetSettings(s *DocumentSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	w.Settings = string(data)
	w.ParsedSettings = s
	return nil
}

// Defaults applied when neither file nor workspace settings pin a value.
const (
	DefaultClaimDurationSeconds   = 3600
	MinClaimDurationSeconds       = 60
	DefaultDeleteRetentionSeconds = 7 * 24 * 3600
	MinDeleteRetentionSeconds     = 3600
)

// DocumentSettings tunes task and retention behavior. The same shape serves
// workspaces (as defaults) and single files (as overrides); pointer fields
// distinguish "unset, inherit" from an explicit value.
type DocumentSettings struct {
	WIPLimit               *int              `json:"wipLimit,omitempty"`
	ClaimDurationSeconds   *int              `json:"claimDurationSeconds,omitempty"`
	AllowedAppendTypes     []string          `json:"allowedAppendTypes,omitempty"`
	RequireClaimToComplete *bool             `json:"requireClaimToComplete,omitempty"`
	DeleteRetentionSeconds *int              `json:"deleteRetentionSeconds,omitempty"`
	Labels                 map[string]string `json:"labels,omitempty"`
}

// Merge layers an override on top of s, returning the effective settings.
// Unset override fields keep the base value.
func (s *DocumentSettings) Merge(override *DocumentSettings) *DocumentSettings {
	out := *s
	if override == nil {
		return &out
	}
	if override.WIPLimit != nil {
		out.WIPLimit = override.WIPLimit
	}
	if override.ClaimDurationSeconds != nil {
		out.ClaimDurationSeconds = override.ClaimDurationSeconds
	}
	if override.AllowedAppendTypes != nil {
		out.AllowedAppendTypes = override.AllowedAppendTypes
	}
	if override.RequireClaimToComplete != nil {
		out.RequireClaimToComplete = override.RequireClaimToComplete
	}
	if override.DeleteRetentionSeconds != nil {
		out.DeleteRetentionSeconds = override.DeleteRetentionSeconds
	}
	if override.Labels != nil {
		out.Labels = override.Labels
	}
	return &out
}

// EffectiveClaimDuration returns the claim duration with the default applied.
func (s *DocumentSettings) EffectiveClaimDuration() time.Duration {
	if s.ClaimDurationSeconds != nil {
		return time.Duration(*s.ClaimDurationSeconds) * time.Second
	}
	return DefaultClaimDurationSeconds * time.Second
}

// EffectiveRetention returns the soft-delete retention with the default
// applied.
func (s *DocumentSettings) EffectiveRetention() time.Duration {
	if s.DeleteRetentionSeconds != nil {
		return time.Duration(*s.DeleteRetentionSeconds) * time.Second
	}
	return DefaultDeleteRetentionSeconds * time.Second
}

// ClaimRequired reports whether completing a claimed task demands the
// claimer's authorship. Defaults to true.
func (s *DocumentSettings) ClaimRequired() bool {
	if s.RequireClaimToComplete != nil {
		return *s.RequireClaimToComplete
	}
	return true
}
