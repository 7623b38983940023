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
)

// Keys serves scoped-key minting, listing and revocation. Every operation
// requires a write key; a minted key can never exceed the minting key's
// permission or escape its scope.
type Keys struct {
	store   *store.Store
	baseURL string
}

// NewKeys creates the key management handler.
func NewKeys(st *store.Store, baseURL string) *Keys {
	return &Keys{store: st, baseURL: baseURL}
}

// mintRequest shapes a key mint. Paths mints one file-scoped key per entry;
// otherwise a single key with the given scope is minted.
type mintRequest struct {
	Permission       string   `json:"permission"`
	ScopeType        string   `json:"scopeType,omitempty"`
	ScopePath        string   `json:"scopePath,omitempty"`
	Paths            []string `json:"paths,omitempty"`
	DisplayName      string   `json:"displayName,omitempty"`
	BoundAuthor      string   `json:"boundAuthor,omitempty"`
	WIPLimit         *int     `json:"wipLimit,omitempty"`
	AllowedTypes     []string `json:"allowedTypes,omitempty"`
	ExpiresInSeconds *int     `json:"expiresInSeconds,omitempty"`
}

// Mint creates one or more scoped keys. Plaintext appears in this response
// and never again.
func (h *Keys) Mint(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())

	var req mintRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}

	perm := models.Permission(req.Permission)
	if !perm.Valid() {
		respond.Err(w, r, apierr.InvalidRequest("permission must be read, append or write").
			WithDetail("permission", req.Permission))
		return
	}
	if req.WIPLimit != nil && *req.WIPLimit < 1 {
		respond.Err(w, r, apierr.InvalidRequest("wipLimit must be at least 1"))
		return
	}
	for _, t := range req.AllowedTypes {
		if !models.ValidAppendType(t) {
			respond.Err(w, r, apierr.New(apierr.CodeTypeNotAllowed, "unknown append type").
				WithDetail("type", t))
			return
		}
	}
	var expiresAt *time.Time
	if req.ExpiresInSeconds != nil {
		if *req.ExpiresInSeconds < 1 {
			respond.Err(w, r, apierr.InvalidRequest("expiresInSeconds must be at least 1"))
			return
		}
		t := time.Now().UTC().Add(time.Duration(*req.ExpiresInSeconds) * time.Second)
		expiresAt = &t
	}

	scopes, err := mintScopes(key, req)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	minted := make([]mintedKey, 0, len(scopes))
	records := make([]*models.CapabilityKey, 0, len(scopes))
	for _, sc := range scopes {
		mk, err := mintOne(key.WorkspaceID, perm, sc.scopeType, sc.scopePath, false)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
		mk.record.DisplayName = req.DisplayName
		mk.record.BoundAuthor = req.BoundAuthor
		mk.record.WIPLimit = req.WIPLimit
		mk.record.ExpiresAt = expiresAt
		if req.AllowedTypes != nil {
			if err := mk.record.SetAllowedTypes(req.AllowedTypes); err != nil {
				respond.Err(w, r, err)
				return
			}
		}
		minted = append(minted, mk)
		records = append(records, mk.record)
	}

	if err := h.store.CreateKeys(r.Context(), records); err != nil {
		respond.Err(w, r, err)
		return
	}

	responses := make([]mintedKeyResponse, len(minted))
	for i, mk := range minted {
		responses[i] = mk.response(h.baseURL)
	}
	if len(responses) == 1 && len(req.Paths) == 0 {
		respond.JSON(w, http.StatusCreated, responses[0])
		return
	}
	respond.JSON(w, http.StatusCreated, responses)
}

// mintScope is one resolved (scopeType, scopePath) pair.
type mintScope struct {
	scopeType models.ScopeType
	scopePath string
}

// mintScopes resolves and validates the scopes a mint request asks for.
func mintScopes(minter *models.CapabilityKey, req mintRequest) ([]mintScope, error) {
	perm := models.Permission(req.Permission)

	if len(req.Paths) > 0 {
		if req.ScopeType != "" || req.ScopePath != "" {
			return nil, apierr.InvalidRequest("paths and scopeType/scopePath are mutually exclusive")
		}
		scopes := make([]mintScope, 0, len(req.Paths))
		for _, raw := range req.Paths {
			path, err := docpath.Normalize(raw)
			if err != nil {
				return nil, err
			}
			if err := capability.ValidateMint(minter, perm, models.ScopeFile, path); err != nil {
				return nil, err
			}
			scopes = append(scopes, mintScope{scopeType: models.ScopeFile, scopePath: path})
		}
		return scopes, nil
	}

	scopeType := models.ScopeType(req.ScopeType)
	if req.ScopeType == "" {
		if req.ScopePath == "" {
			// No scope given: the minted key inherits the minter's.
			if err := capability.ValidateMint(minter, perm, minter.ScopeType, minter.ScopePath); err != nil {
				return nil, err
			}
			return []mintScope{{scopeType: minter.ScopeType, scopePath: minter.ScopePath}}, nil
		}
		scopeType = models.ScopeFolder
	}
	if !scopeType.Valid() {
		return nil, apierr.InvalidRequest("scopeType must be workspace, folder or file").
			WithDetail("scopeType", req.ScopeType)
	}

	scopePath := ""
	if scopeType != models.ScopeWorkspace {
		var err error
		if scopeType == models.ScopeFolder {
			scopePath, err = docpath.NormalizeFolder(req.ScopePath)
		} else {
			scopePath, err = docpath.Normalize(req.ScopePath)
		}
		if err != nil {
			return nil, err
		}
		if scopePath == "" {
			return nil, apierr.InvalidRequest("scopePath is required for folder and file scopes")
		}
	}
	if err := capability.ValidateMint(minter, perm, scopeType, scopePath); err != nil {
		return nil, err
	}
	return []mintScope{{scopeType: scopeType, scopePath: scopePath}}, nil
}

// List returns the workspace's key records, prefixes only. ?includeRevoked
// keeps dead keys in the answer.
func (h *Keys) List(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	includeRevoked := r.URL.Query().Get("includeRevoked") == "true"

	keys, err := h.store.ListKeys(r.Context(), key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	out := make([]*models.CapabilityKey, 0, len(keys))
	for _, k := range keys {
		if k.Revoked() && !includeRevoked {
			continue
		}
		_, _ = k.AllowedTypes()
		out = append(out, k)
	}
	respond.JSON(w, http.StatusOK, out)
}

// Revoke kills one key. Revoking the presented key itself is allowed;
// revoking a primary write key needs ?force=true.
func (h *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	keyID := chi.URLParam(r, "keyId")

	target, err := h.store.GetKey(r.Context(), key.WorkspaceID, keyID)
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			respond.Err(w, r, apierr.New(apierr.CodeKeyNotFound, "key not found").
				WithDetail("id", keyID))
			return
		}
		respond.Err(w, r, err)
		return
	}
	if target.Primary && target.Permission == models.PermissionWrite &&
		r.URL.Query().Get("force") != "true" {
		respond.Err(w, r, apierr.InvalidRequest(
			"revoking the primary write key locks the workspace; pass force=true to do it anyway"))
		return
	}

	revoked, err := h.store.RevokeKey(r.Context(), key.WorkspaceID, keyID, time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		ID      string     `json:"id"`
		Revoked bool       `json:"revoked"`
		At      *time.Time `json:"revokedAt"`
	}{ID: revoked.ID, Revoked: true, At: revoked.RevokedAt})
}
