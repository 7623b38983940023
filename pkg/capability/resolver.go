package capability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/docpath"
	"github.com/carrelhq/carrel/pkg/models"
)

// KeySource is the slice of the store the resolver needs.
type KeySource interface {
	GetKeyByHash(ctx context.Context, hash string) (*models.CapabilityKey, error)
	TouchKey(ctx context.Context, id string, usedAt time.Time) error
}

// Resolver turns plaintext keys from URLs into authorized key records.
type Resolver struct {
	source KeySource

	// touchInterval suppresses lastUsedAt writes: a key is touched at most
	// once per interval.
	touchInterval time.Duration
	lastTouch     sync.Map
}

// NewResolver creates a Resolver backed by the given key source.
func NewResolver(source KeySource) *Resolver {
	return &Resolver{
		source:        source,
		touchInterval: time.Minute,
	}
}

// Resolve looks up a plaintext key and checks liveness. Revoked and expired
// keys resolve to errors that render as 404; the caller never learns which.
func (r *Resolver) Resolve(ctx context.Context, plaintext string) (*models.CapabilityKey, error) {
	if plaintext == "" || len(plaintext) > 128 {
		return nil, apierr.New(apierr.CodeInvalidKey, "unknown key")
	}

	key, err := r.source.GetKeyByHash(ctx, HashKey(plaintext))
	if err != nil {
		if errors.Is(err, models.ErrKeyNotFound) {
			return nil, apierr.New(apierr.CodeInvalidKey, "unknown key")
		}
		return nil, err
	}

	now := time.Now().UTC()
	if key.Revoked() {
		return nil, apierr.New(apierr.CodeKeyRevoked, "key has been revoked")
	}
	if key.Expired(now) {
		return nil, apierr.New(apierr.CodeKeyExpired, "key has expired")
	}

	r.touch(ctx, key.ID, now)
	return key, nil
}

// touch records key usage, at most once per touchInterval per key, outside
// any request transaction. Failures are ignored; usage tracking is advisory.
func (r *Resolver) touch(ctx context.Context, keyID string, now time.Time) {
	if last, ok := r.lastTouch.Load(keyID); ok {
		if t, ok := last.(time.Time); ok && now.Sub(t) < r.touchInterval {
			return
		}
	}
	r.lastTouch.Store(keyID, now)
	_ = r.source.TouchKey(ctx, keyID, now)
}

// Authorize checks that key may act on the given plane and path. The plane is
// the permission the route requires; the permission hierarchy lets a stronger
// key through. Path checks follow the key's scope.
func Authorize(key *models.CapabilityKey, plane models.Permission, path string) error {
	if !key.Permission.Covers(plane) {
		return apierr.PermissionDenied("key does not grant " + string(plane))
	}
	return AuthorizePath(key, path)
}

// AuthorizePath checks only the scope containment of path under the key.
func AuthorizePath(key *models.CapabilityKey, path string) error {
	switch key.ScopeType {
	case models.ScopeWorkspace:
		return nil
	case models.ScopeFolder:
		if docpath.Within(key.ScopePath, path) {
			return nil
		}
	case models.ScopeFile:
		if path == key.ScopePath {
			return nil
		}
	}
	return apierr.PermissionDenied("path is outside of key scope")
}

// ValidateMint checks that a minting key may produce a key with the requested
// permission and scope: permission must not escalate, scope must not widen.
func ValidateMint(minter *models.CapabilityKey, permission models.Permission, scopeType models.ScopeType, scopePath string) error {
	if !minter.Permission.Covers(permission) {
		return apierr.PermissionDenied("cannot mint a stronger permission than the minting key")
	}
	if !scopeType.NarrowerOrEqual(minter.ScopeType) {
		return apierr.PermissionDenied("cannot mint a broader scope than the minting key")
	}
	switch minter.ScopeType {
	case models.ScopeWorkspace:
		return nil
	case models.ScopeFolder:
		if docpath.Within(minter.ScopePath, scopePath) {
			return nil
		}
	case models.ScopeFile:
		if scopePath == minter.ScopePath {
			return nil
		}
	}
	return apierr.PermissionDenied("minted scope is outside the minting key's scope")
}
