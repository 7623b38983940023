package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carrelhq/carrel/pkg/docpath"
	"github.com/carrelhq/carrel/pkg/models"
)

// CreateWebhook persists a webhook subscription.
func (s *Store) CreateWebhook(ctx context.Context, hook *models.Webhook) error {
	if err := s.db.WithContext(ctx).Create(hook).Error; err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

// GetWebhook retrieves a webhook by ID inside a workspace.
func (s *Store) GetWebhook(ctx context.Context, workspaceID, id string) (*models.Webhook, error) {
	return getScoped[models.Webhook](s.db, ctx, workspaceID, "id", id, models.ErrWebhookNotFound)
}

// ListWebhooks returns every webhook of the workspace, newest first.
func (s *Store) ListWebhooks(ctx context.Context, workspaceID string) ([]*models.Webhook, error) {
	var hooks []*models.Webhook
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return hooks, nil
}

// WebhookPatch carries the mutable subscription fields. Nil means unchanged.
type WebhookPatch struct {
	URL         *string
	Events      []string
	Folder      *string
	Recursive   *bool
	IncludeURLs *bool
	Filters     *models.WebhookFilters
	Disabled    *bool
}

// UpdateWebhook applies a patch. Flipping Disabled off also resets the
// failure streak, so a re-enabled hook starts with a clean slate.
func (s *Store) UpdateWebhook(ctx context.Context, workspaceID, id string, patch WebhookPatch) (*models.Webhook, error) {
	var hook *models.Webhook
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		hook, err = getScoped[models.Webhook](tx, ctx, workspaceID, "id", id, models.ErrWebhookNotFound)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if patch.URL != nil {
			hook.URL = *patch.URL
			updates["url"] = *patch.URL
		}
		if patch.Events != nil {
			if err := hook.SetEvents(patch.Events); err != nil {
				return fmt.Errorf("failed to encode events: %w", err)
			}
			updates["events"] = hook.Events
		}
		if patch.Folder != nil {
			hook.Folder = *patch.Folder
			updates["folder"] = *patch.Folder
		}
		if patch.Recursive != nil {
			hook.Recursive = *patch.Recursive
			updates["recursive"] = *patch.Recursive
		}
		if patch.IncludeURLs != nil {
			hook.IncludeURLs = *patch.IncludeURLs
			updates["include_urls"] = *patch.IncludeURLs
		}
		if patch.Filters != nil {
			if err := hook.SetFilters(patch.Filters); err != nil {
				return fmt.Errorf("failed to encode filters: %w", err)
			}
			updates["filters"] = hook.Filters
		}
		if patch.Disabled != nil {
			hook.Disabled = *patch.Disabled
			updates["disabled"] = *patch.Disabled
			if !*patch.Disabled {
				hook.ConsecutiveFailures = 0
				updates["consecutive_failures"] = 0
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(hook).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return hook, nil
}

// DeleteWebhook removes a subscription.
func (s *Store) DeleteWebhook(ctx context.Context, workspaceID, id string) error {
	res := s.db.WithContext(ctx).
		Where("workspace_id = ? AND id = ?", workspaceID, id).
		Delete(&models.Webhook{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete webhook: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrWebhookNotFound
	}
	return nil
}

// WebhooksForEvent returns the enabled webhooks of a workspace subscribed to
// the event at the given path. Folder-scoped subscriptions match when the
// path is the folder itself, directly inside it, or (recursive) anywhere
// below it.
func (s *Store) WebhooksForEvent(ctx context.Context, workspaceID, event, path string) ([]*models.Webhook, error) {
	var hooks []*models.Webhook
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND disabled = ?", workspaceID, false).
		Find(&hooks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load webhooks: %w", err)
	}

	matched := hooks[:0]
	for _, h := range hooks {
		if !h.SubscribedTo(event) {
			continue
		}
		if h.Folder != "" && path != "" {
			if !docpath.Within(h.Folder, path) {
				continue
			}
			if !h.Recursive && docpath.Parent(path) != h.Folder {
				continue
			}
		}
		matched = append(matched, h)
	}
	return matched, nil
}

// RecordDeliveryResult updates a webhook's delivery bookkeeping and applies
// the consecutive-failure circuit: once the streak reaches disableAfter the
// hook is switched off until someone re-enables it. Returns whether this
// result tripped the circuit.
func (s *Store) RecordDeliveryResult(ctx context.Context, id string, status int, success bool, disableAfter int, at time.Time) (bool, error) {
	var tripped bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hook, err := getByField[models.Webhook](tx, ctx, "id", id, models.ErrWebhookNotFound)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"last_delivery_at": at,
			"last_status":      status,
		}
		if success {
			updates["consecutive_failures"] = 0
		} else {
			failures := hook.ConsecutiveFailures + 1
			updates["consecutive_failures"] = failures
			if disableAfter > 0 && failures >= disableAfter && !hook.Disabled {
				updates["disabled"] = true
				tripped = true
			}
		}
		return tx.Model(hook).Updates(updates).Error
	})
	if err != nil {
		return false, err
	}
	return tripped, nil
}
