package models

import "time"

// IdempotencyRecord is a stored response snapshot for an Idempotency-Key.
// Replays with a matching request digest get the snapshot back verbatim;
// a different digest under the same key is a client bug and is rejected.
type IdempotencyRecord struct {
	ID          string `gorm:"primaryKey;size:36" json:"-"`
	WorkspaceID string `gorm:"not null;size:36;uniqueIndex:idx_idem_ws_route_key" json:"-"`
	Route       string `gorm:"not null;size:255;uniqueIndex:idx_idem_ws_route_key" json:"-"`
	Key         string `gorm:"not null;size:256;uniqueIndex:idx_idem_ws_route_key" json:"-"`

	// RequestDigest is the SHA-256 over method, canonical path and raw body.
	RequestDigest string `gorm:"not null;size:64" json:"-"`

	StatusCode   int       `gorm:"not null" json:"-"`
	ResponseBody string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"-"`
	ExpiresAt    time.Time `gorm:"index" json:"-"`
}

// TableName returns the table name for IdempotencyRecord.
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
