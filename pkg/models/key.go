package models

import (
	"encoding/json"
	"time"
)

// Permission is the plane a capability key grants access to.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionAppend Permission = "append"
	PermissionWrite  Permission = "write"
)

// permissionRank orders planes for the hierarchy check. Higher covers lower.
var permissionRank = map[Permission]int{
	PermissionRead:   1,
	PermissionAppend: 2,
	PermissionWrite:  3,
}

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// Covers reports whether a key with permission p satisfies a plane requiring
// other. Write covers append covers read; never the reverse.
func (p Permission) Covers(other Permission) bool {
	return permissionRank[p] >= permissionRank[other] && permissionRank[other] > 0
}

// ScopeType is the granularity a capability key is bound to.
type ScopeType string

const (
	ScopeWorkspace ScopeType = "workspace"
	ScopeFolder    ScopeType = "folder"
	ScopeFile      ScopeType = "file"
)

// Valid reports whether s is a known scope type.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeWorkspace, ScopeFolder, ScopeFile:
		return true
	}
	return false
}

// narrowness orders scopes: a minted key's scope must be equal to or narrower
// than the minting key's.
var scopeNarrowness = map[ScopeType]int{
	ScopeWorkspace: 1,
	ScopeFolder:    2,
	ScopeFile:      3,
}

// NarrowerOrEqual reports whether s is at most as broad as other.
func (s ScopeType) NarrowerOrEqual(other ScopeType) bool {
	return scopeNarrowness[s] >= scopeNarrowness[other]
}

// CapabilityKey is the stored form of a capability. The plaintext key never
// lands here; only its SHA-256 hash and a short prefix for display.
type CapabilityKey struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	WorkspaceID string     `gorm:"not null;size:36;index" json:"workspaceId"`
	KeyHash     string     `gorm:"uniqueIndex;not null;size:64" json:"-"`
	KeyPrefix   string     `gorm:"not null;size:16" json:"keyPrefix"`
	Permission  Permission `gorm:"not null;size:16" json:"permission"`
	ScopeType   ScopeType  `gorm:"not null;size:16" json:"scopeType"`
	ScopePath   string     `gorm:"size:1024" json:"scopePath,omitempty"`
	DisplayName string     `gorm:"size:255" json:"displayName,omitempty"`
	BoundAuthor string     `gorm:"size:255" json:"boundAuthor,omitempty"`
	WIPLimit    *int       `json:"wipLimit,omitempty"`
	Allowed     string     `gorm:"type:text" json:"-"`
	Primary     bool       `gorm:"column:is_primary;default:false" json:"primary"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`

	// Parsed allowed append types (not stored in DB)
	ParsedAllowed []string `gorm:"-" json:"allowedTypes,omitempty"`
}

// TableName returns the table name for CapabilityKey.
func (CapabilityKey) TableName() string {
	return "capability_keys"
}

// AllowedTypes returns the parsed allowed append types; nil means no restriction.
func (k *CapabilityKey) AllowedTypes() ([]string, error) {
	if k.ParsedAllowed != nil {
		return k.ParsedAllowed, nil
	}
	if k.Allowed == "" {
		return nil, nil
	}
	var types []string
	if err := json.Unmarshal([]byte(k.Allowed), &types); err != nil {
		return nil, err
	}
	k.ParsedAllowed = types
	return types, nil
}

// SetAllowedTypes stores the allowed append types as the JSON column value.
func (k *CapabilityKey) SetAllowedTypes(types []string) error {
	if len(types) == 0 {
		k.Allowed = ""
		k.ParsedAllowed = nil
		return nil
	}
	data, err := json.Marshal(types)
	if err != nil {
		return err
	}
	k.Allowed = string(data)
	k.ParsedAllowed = types
	return nil
}

// Revoked reports whether the key has been revoked.
func (k *CapabilityKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *CapabilityKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
