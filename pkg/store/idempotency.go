package store

import (
	"context"
	"fmt"
	"time"

	"github.com/carrelhq/carrel/pkg/models"
)

// GetIdempotencyRecord retrieves the stored response for a workspace, route
// and idempotency key. Expired records read as not found; the reaper removes
// them for real.
func (s *Store) GetIdempotencyRecord(ctx context.Context, workspaceID, route, key string, now time.Time) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND route = ? AND key = ?", workspaceID, route, key).
		First(&rec).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrIdempotencyNotFound)
	}
	if now.After(rec.ExpiresAt) {
		return nil, models.ErrIdempotencyNotFound
	}
	return &rec, nil
}

// PutIdempotencyRecord stores a response snapshot. Losing a race to another
// writer of the same key is fine: first completion wins and the loser's
// response was equivalent by definition of the digest check.
func (s *Store) PutIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil
		}
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency removes records past their TTL.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&models.IdempotencyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
