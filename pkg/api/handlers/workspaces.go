package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/carrelhq/carrel/pkg/api/middleware"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/api/session"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
)

// Workspaces serves the lifecycle surface: bootstrap, the session-gated
// claim, and the write-key overview.
type Workspaces struct {
	store    *store.Store
	sessions *session.Service
	baseURL  string
}

// NewWorkspaces creates the workspace lifecycle handler. sessions may be nil,
// which disables claiming.
func NewWorkspaces(st *store.Store, sessions *session.Service, baseURL string) *Workspaces {
	return &Workspaces{store: st, sessions: sessions, baseURL: baseURL}
}

// bootstrapRequest optionally names the new workspace.
type bootstrapRequest struct {
	Name string `json:"name,omitempty"`
}

// Bootstrap creates a workspace with its primary key triple. Unauthenticated
// by design: holding the returned URLs is the entire access model.
func (h *Workspaces) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.ContentLength != 0 {
		if err := respond.DecodeJSON(r, &req); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	id, err := capability.NewWorkspaceID()
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	minted, err := mintTriple(id, models.ScopeWorkspace, "", true)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	ws := &models.Workspace{ID: id, Name: req.Name}
	if err := h.store.CreateWorkspace(r.Context(), ws); err != nil {
		respond.Err(w, r, err)
		return
	}
	records := make([]*models.CapabilityKey, len(minted))
	for i, mk := range minted {
		records[i] = mk.record
	}
	if err := h.store.CreateKeys(r.Context(), records); err != nil {
		respond.Err(w, r, err)
		return
	}

	urls := tripleURLs(h.baseURL, minted)
	keys := make([]mintedKeyResponse, len(minted))
	for i, mk := range minted {
		keys[i] = mk.response(h.baseURL)
	}

	w.Header().Set("Location", urls[string(models.PermissionWrite)])
	respond.JSON(w, http.StatusCreated, struct {
		Workspace *models.Workspace   `json:"workspace"`
		URLs      map[string]string   `json:"urls"`
		Keys      []mintedKeyResponse `json:"keys"`
	}{Workspace: ws, URLs: urls, Keys: keys})
}

// GetByID always answers 404. Workspaces are not enumerable; the route
// exists so the refusal is deliberate rather than accidental.
func (h *Workspaces) GetByID(w http.ResponseWriter, r *http.Request) {
	respond.Err(w, r, apierr.New(apierr.CodeNotFound, "not found"))
}

// Claim binds the workspace to the authenticated session subject. Requires
// a workspace-scoped write key and a valid session cookie.
func (h *Workspaces) Claim(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	if key.ScopeType != models.ScopeWorkspace {
		respond.Err(w, r, apierr.PermissionDenied("claiming needs a workspace-scoped write key"))
		return
	}
	subject, err := h.subject(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	ws, err := h.store.ClaimWorkspace(r.Context(), key.WorkspaceID, subject, time.Now().UTC())
	if err != nil {
		if errors.Is(err, models.ErrWorkspaceClaimed) {
			respond.Err(w, r, apierr.WorkspaceAlreadyClaimed(ws.ClaimedBy))
			return
		}
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Claimed     bool       `json:"claimed"`
		WorkspaceID string     `json:"workspaceId"`
		Message     string     `json:"message"`
		ClaimedBy   string     `json:"claimedBy"`
		ClaimedAt   *time.Time `json:"claimedAt"`
	}{Claimed: true, WorkspaceID: ws.ID, Message: "claimed", ClaimedBy: ws.ClaimedBy, ClaimedAt: ws.ClaimedAt})
}

// Release clears the claim. Only the claiming subject may release.
func (h *Workspaces) Release(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	if key.ScopeType != models.ScopeWorkspace {
		respond.Err(w, r, apierr.PermissionDenied("claiming needs a workspace-scoped write key"))
		return
	}
	subject, err := h.subject(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	ws, err := h.store.ReleaseWorkspaceClaim(r.Context(), key.WorkspaceID, subject)
	if err != nil {
		if errors.Is(err, models.ErrWorkspaceClaimed) {
			respond.Err(w, r, apierr.WorkspaceAlreadyClaimed(ws.ClaimedBy))
			return
		}
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Released bool `json:"released"`
	}{Released: true})
}

// subject extracts the verified session subject or the UNAUTHORIZED refusal.
func (h *Workspaces) subject(r *http.Request) (string, error) {
	if h.sessions == nil {
		return "", apierr.New(apierr.CodeUnauthorized, "sessions are not configured")
	}
	subject, err := h.sessions.Subject(r)
	if err != nil {
		return "", apierr.New(apierr.CodeUnauthorized, "a valid session is required")
	}
	return subject, nil
}

// Overview serves the workspace summary behind a workspace write key.
func (h *Workspaces) Overview(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	if key.ScopeType != models.ScopeWorkspace {
		// A file-scoped write key's root is its file, not an overview.
		respond.Err(w, r, apierr.PermissionDenied("the overview needs a workspace-scoped key"))
		return
	}

	ws, err := h.store.GetWorkspace(r.Context(), key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	stats, err := h.store.Stats(r.Context(), key.WorkspaceID, "", time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	settings, err := ws.GetSettings()
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, struct {
		Workspace *models.Workspace        `json:"workspace"`
		Stats     *store.FolderStats       `json:"stats"`
		Settings  *models.DocumentSettings `json:"settings"`
		Claimed   bool                     `json:"claimed"`
	}{
		Workspace: ws,
		Stats:     stats,
		Settings:  settings,
		Claimed:   ws.ClaimedBy != "",
	})
}
