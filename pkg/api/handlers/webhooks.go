package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carrelhq/carrel/pkg/api/middleware"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/docpath"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/webhook"
)

// Webhooks serves subscription management: registration, listing, patching,
// deletion and synchronous test deliveries.
type Webhooks struct {
	store      *store.Store
	dispatcher *webhook.Dispatcher
	journal    *webhook.Journal
}

// NewWebhooks creates the webhook management handler.
func NewWebhooks(st *store.Store, dispatcher *webhook.Dispatcher, journal *webhook.Journal) *Webhooks {
	return &Webhooks{store: st, dispatcher: dispatcher, journal: journal}
}

// webhookRequest registers a subscription.
type webhookRequest struct {
	URL         string                 `json:"url"`
	Events      []string               `json:"events"`
	Folder      string                 `json:"folder,omitempty"`
	Recursive   *bool                  `json:"recursive,omitempty"`
	IncludeURLs bool                   `json:"includeUrls,omitempty"`
	Filters     *models.WebhookFilters `json:"filters,omitempty"`
}

// webhookView is the listing shape: the record with its secret masked.
type webhookView struct {
	*models.Webhook
	Secret string `json:"secret"`
}

func newWebhookView(h *models.Webhook) webhookView {
	_, _ = h.GetEvents()
	_, _ = h.GetFilters()
	return webhookView{Webhook: h, Secret: h.MaskedSecret()}
}

// Create registers a webhook. The signing secret is generated server-side
// and appears exactly once, in this response.
func (h *Webhooks) Create(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())

	var req webhookRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	if req.URL == "" {
		respond.Err(w, r, apierr.New(apierr.CodeInvalidWebhookURL, "url is required"))
		return
	}
	if len(req.Events) == 0 {
		respond.Err(w, r, apierr.InvalidRequest("events is required"))
		return
	}
	for _, e := range req.Events {
		if !models.ValidWebhookEvent(e) {
			respond.Err(w, r, apierr.New(apierr.CodeInvalidEventType, "unknown event type").
				WithDetail("event", e).
				WithDetail("allowed", models.WebhookEvents))
			return
		}
	}

	folder := req.Folder
	if folder != "" {
		norm, err := docpath.NormalizeFolder(folder)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
		if err := capability.AuthorizePath(key, norm); err != nil {
			respond.Err(w, r, err)
			return
		}
		folder = norm
	} else if key.ScopeType != models.ScopeWorkspace {
		folder = key.ScopePath
	}

	if err := h.dispatcher.Guard().Check(r.Context(), req.URL); err != nil {
		respond.Err(w, r, apierr.New(apierr.CodeInvalidWebhookURL, "webhook URL is not allowed").
			WithDetail("ssrf", err.Error()))
		return
	}

	id, err := capability.NewWebhookID()
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	secret, err := capability.NewWebhookSecret()
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	recursive := true
	if req.Recursive != nil {
		recursive = *req.Recursive
	}

	hook := &models.Webhook{
		ID:          id,
		WorkspaceID: key.WorkspaceID,
		URL:         req.URL,
		Folder:      folder,
		Recursive:   recursive,
		IncludeURLs: req.IncludeURLs,
		Secret:      secret,
	}
	if err := hook.SetEvents(req.Events); err != nil {
		respond.Err(w, r, err)
		return
	}
	if req.Filters != nil {
		if err := hook.SetFilters(req.Filters); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	if err := h.store.CreateWebhook(r.Context(), hook); err != nil {
		respond.Err(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, struct {
		*models.Webhook
		Secret string `json:"secret"`
	}{Webhook: hook, Secret: secret})
}

// List returns the workspace's webhooks, secrets masked.
func (h *Webhooks) List(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	hooks, err := h.store.ListWebhooks(r.Context(), key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	views := make([]webhookView, 0, len(hooks))
	for _, hook := range hooks {
		views = append(views, newWebhookView(hook))
	}
	respond.JSON(w, http.StatusOK, views)
}

const recentDeliveries = 20

// Get returns one webhook with its recent delivery journal.
func (h *Webhooks) Get(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	hook, err := h.load(r, key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	var deliveries []*webhook.DeliveryRecord
	if h.journal != nil {
		deliveries, err = h.journal.Recent(hook.ID, recentDeliveries)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	respond.JSON(w, http.StatusOK, struct {
		webhookView
		Deliveries []*webhook.DeliveryRecord `json:"deliveries"`
	}{webhookView: newWebhookView(hook), Deliveries: deliveries})
}

// webhookPatch re-enables or adjusts a subscription.
type webhookPatch struct {
	URL      *string  `json:"url,omitempty"`
	Events   []string `json:"events,omitempty"`
	Disabled *bool    `json:"disabled,omitempty"`
}

// Patch updates a webhook: url, events, or the disabled flag. Re-enabling
// resets the failure circuit.
func (h *Webhooks) Patch(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	hook, err := h.load(r, key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	var req webhookPatch
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	for _, e := range req.Events {
		if !models.ValidWebhookEvent(e) {
			respond.Err(w, r, apierr.New(apierr.CodeInvalidEventType, "unknown event type").
				WithDetail("event", e).
				WithDetail("allowed", models.WebhookEvents))
			return
		}
	}
	if req.URL != nil {
		if err := h.dispatcher.Guard().Check(r.Context(), *req.URL); err != nil {
			respond.Err(w, r, apierr.New(apierr.CodeInvalidWebhookURL, "webhook URL is not allowed").
				WithDetail("ssrf", err.Error()))
			return
		}
	}

	updated, err := h.store.UpdateWebhook(r.Context(), key.WorkspaceID, hook.ID, store.WebhookPatch{
		URL:      req.URL,
		Events:   req.Events,
		Disabled: req.Disabled,
	})
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, newWebhookView(updated))
}

// Delete removes a webhook and drops its journal entries.
func (h *Webhooks) Delete(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	hook, err := h.load(r, key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	if err := h.store.DeleteWebhook(r.Context(), key.WorkspaceID, hook.ID); err != nil {
		respond.Err(w, r, err)
		return
	}
	if h.journal != nil {
		if err := h.journal.DropWebhook(hook.ID); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	respond.JSON(w, http.StatusOK, struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}{ID: hook.ID, Deleted: true})
}

// Test delivers a synthetic append event synchronously and reports what the
// receiver answered.
func (h *Webhooks) Test(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	hook, err := h.load(r, key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	ev, err := webhook.NewEvent(models.EventAppend, key.WorkspaceID, hook.Folder, time.Now().UTC(), map[string]any{
		"test": true,
	})
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	rec, err := h.dispatcher.Test(r.Context(), hook, ev)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Delivered  bool   `json:"delivered"`
		StatusCode int    `json:"statusCode,omitempty"`
		Error      string `json:"error,omitempty"`
	}{
		Delivered:  rec.State == webhook.DeliveryDelivered,
		StatusCode: rec.LastStatus,
		Error:      rec.LastError,
	})
}

func (h *Webhooks) load(r *http.Request, workspaceID string) (*models.Webhook, error) {
	id := chi.URLParam(r, "webhookId")
	hook, err := h.store.GetWebhook(r.Context(), workspaceID, id)
	if err != nil {
		if errors.Is(err, models.ErrWebhookNotFound) {
			return nil, apierr.New(apierr.CodeWebhookNotFound, "webhook not found").
				WithDetail("id", id)
		}
		return nil, err
	}
	return hook, nil
}
