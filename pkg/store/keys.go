package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carrelhq/carrel/pkg/models"
)

// CreateKey persists a capability key record. The plaintext never reaches the
// store; callers hash it first (capability.HashKey).
func (s *Store) CreateKey(ctx context.Context, key *models.CapabilityKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create capability key: %w", err)
	}
	return nil
}

// CreateKeys persists a batch of key records in one transaction. Used for the
// primary triple at bootstrap and the per-file triples at file creation.
func (s *Store) CreateKeys(ctx context.Context, keys []*models.CapabilityKey) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(keys).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create capability keys: %w", err)
	}
	return nil
}

// GetKeyByHash retrieves a key by its SHA-256 hash. This is the hot path of
// every request; the unique index on key_hash serves it.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*models.CapabilityKey, error) {
	return getByField[models.CapabilityKey](s.db, ctx, "key_hash", hash, models.ErrKeyNotFound)
}

// GetKey retrieves a key by ID inside a workspace.
func (s *Store) GetKey(ctx context.Context, workspaceID, keyID string) (*models.CapabilityKey, error) {
	return getScoped[models.CapabilityKey](s.db, ctx, workspaceID, "id", keyID, models.ErrKeyNotFound)
}

// ListKeys returns every key record for the workspace, newest first. Records
// carry prefixes only; hashes stay out of listings at the handler layer.
func (s *Store) ListKeys(ctx context.Context, workspaceID string) ([]*models.CapabilityKey, error) {
	var keys []*models.CapabilityKey
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list capability keys: %w", err)
	}
	return keys, nil
}

// TouchKey updates last_used_at. Best effort: the resolver throttles calls
// and ignores failures, so a lost touch costs nothing.
func (s *Store) TouchKey(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.CapabilityKey{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// RevokeKey sets revoked_at on a key. Revoking an already-revoked key is a
// no-op; the original revocation time stands.
func (s *Store) RevokeKey(ctx context.Context, workspaceID, keyID string, at time.Time) (*models.CapabilityKey, error) {
	var key *models.CapabilityKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		key, err = getScoped[models.CapabilityKey](tx, ctx, workspaceID, "id", keyID, models.ErrKeyNotFound)
		if err != nil {
			return err
		}
		if key.Revoked() {
			return nil
		}
		key.RevokedAt = &at
		return tx.Model(key).Update("revoked_at", at).Error
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// revokeFileKeys revokes every live key scoped to exactly this file path.
// Runs on the given handle so rotation and deletion can fold it into their
// transactions.
func revokeFileKeys(tx *gorm.DB, ctx context.Context, workspaceID, path string, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&models.CapabilityKey{}).
		Where("workspace_id = ? AND scope_type = ? AND scope_path = ? AND revoked_at IS NULL",
			workspaceID, models.ScopeFile, path).
		Update("revoked_at", at)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke file keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RotateFileKeys revokes every live key scoped to the file and inserts the
// replacement triple in the same transaction, so there is no instant where
// the file has no keys at all.
func (s *Store) RotateFileKeys(ctx context.Context, workspaceID, path string, replacement []*models.CapabilityKey, at time.Time) (int64, error) {
	var revoked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		revoked, err = revokeFileKeys(tx, ctx, workspaceID, path, at)
		if err != nil {
			return err
		}
		if len(replacement) == 0 {
			return nil
		}
		return tx.Create(replacement).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, models.ErrDuplicateKey
		}
		return 0, err
	}
	return revoked, nil
}

// retargetKeys rewrites the scope path of keys that follow a renamed file or
// folder. For files the match is exact; for folders every key scoped at or
// under the old prefix moves with it.
func retargetKeys(tx *gorm.DB, ctx context.Context, workspaceID, from, to string) error {
	err := tx.WithContext(ctx).
		Model(&models.CapabilityKey{}).
		Where("workspace_id = ? AND scope_path = ?", workspaceID, from).
		Update("scope_path", to).Error
	if err != nil {
		return fmt.Errorf("failed to retarget keys: %w", err)
	}

	var nested []*models.CapabilityKey
	q := tx.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if err := prefixRange(q, "scope_path", from).Find(&nested).Error; err != nil {
		return fmt.Errorf("failed to load nested keys: %w", err)
	}
	for _, k := range nested {
		newPath := to + k.ScopePath[len(from):]
		if err := tx.WithContext(ctx).Model(k).Update("scope_path", newPath).Error; err != nil {
			return fmt.Errorf("failed to retarget key %s: %w", k.ID, err)
		}
	}
	return nil
}
