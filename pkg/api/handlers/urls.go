package handlers

import (
	"net/url"
	"strings"

	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/models"
)

// planePrefix maps a plane to its URL segment.
var planePrefix = map[models.Permission]string{
	models.PermissionRead:   "r",
	models.PermissionAppend: "a",
	models.PermissionWrite:  "w",
}

// escapePath escapes each path segment individually so slashes survive.
func escapePath(path string) string {
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func planeURL(base, plaintext string, plane models.Permission, path string) string {
	u := strings.TrimSuffix(base, "/") + "/" + planePrefix[plane] + "/" + plaintext
	if path != "" {
		u += "/" + escapePath(path)
	}
	return u
}

// PlaneURLs builds the capability URLs a key of the given permission can
// serve for path, one per covered plane. A write key yields all three planes,
// an append key two, a read key one.
func PlaneURLs(base, plaintext string, perm models.Permission, path string) map[string]string {
	urls := make(map[string]string, 3)
	for _, plane := range []models.Permission{models.PermissionRead, models.PermissionAppend, models.PermissionWrite} {
		if perm.Covers(plane) {
			urls[string(plane)] = planeURL(base, plaintext, plane, path)
		}
	}
	return urls
}

// mintedKey pairs a stored key record with its plaintext, which exists only
// in the response that minted it.
type mintedKey struct {
	record    *models.CapabilityKey
	plaintext string
}

// mintedKeyResponse is the minted-key wire shape: the key record fields plus
// the one-time plaintext and its plane URLs.
type mintedKeyResponse struct {
	*models.CapabilityKey
	Key  string            `json:"key"`
	URLs map[string]string `json:"urls"`
}

func (m mintedKey) response(base string) mintedKeyResponse {
	return mintedKeyResponse{
		CapabilityKey: m.record,
		Key:           m.plaintext,
		URLs:          PlaneURLs(base, m.plaintext, m.record.Permission, m.record.ScopePath),
	}
}

// mintOne mints a single key record. The caller persists it.
func mintOne(workspaceID string, perm models.Permission, scopeType models.ScopeType, scopePath string, primary bool) (mintedKey, error) {
	plaintext, err := capability.MintKey()
	if err != nil {
		return mintedKey{}, err
	}
	id, err := capability.NewKeyID()
	if err != nil {
		return mintedKey{}, err
	}
	return mintedKey{
		record: &models.CapabilityKey{
			ID:          id,
			WorkspaceID: workspaceID,
			KeyHash:     capability.HashKey(plaintext),
			KeyPrefix:   capability.Prefix(plaintext),
			Permission:  perm,
			ScopeType:   scopeType,
			ScopePath:   scopePath,
			Primary:     primary,
		},
		plaintext: plaintext,
	}, nil
}

// mintTriple mints a read, an append and a write key over the same scope.
// The write key is marked primary when requested.
func mintTriple(workspaceID string, scopeType models.ScopeType, scopePath string, primary bool) ([]mintedKey, error) {
	perms := []models.Permission{models.PermissionRead, models.PermissionAppend, models.PermissionWrite}
	keys := make([]mintedKey, 0, len(perms))
	for _, perm := range perms {
		mk, err := mintOne(workspaceID, perm, scopeType, scopePath, primary && perm == models.PermissionWrite)
		if err != nil {
			return nil, err
		}
		keys = append(keys, mk)
	}
	return keys, nil
}

// tripleURLs maps each key of a triple at its own plane with no path suffix:
// the read key under /r, the append key under /a, the write key under /w.
func tripleURLs(base string, keys []mintedKey) map[string]string {
	urls := make(map[string]string, len(keys))
	for _, mk := range keys {
		urls[string(mk.record.Permission)] = planeURL(base, mk.plaintext, mk.record.Permission, "")
	}
	return urls
}
