// Package middleware provides HTTP middleware for the carrel capability
// planes: key resolution, rate limiting, idempotent replay, request
// logging, and panic recovery.
package middleware

import (
	"context"
	"net/http"

	"github.com/carrelhq/carrel/pkg/models"
)

type contextKey string

const (
	capabilityKeyKey contextKey = "capabilityKey"
	plaintextKey     contextKey = "capabilityPlaintext"
	planeKey         contextKey = "capabilityPlane"
)

// KeyFromContext returns the capability key resolved by PlaneAuth, or nil
// when the request did not pass through a plane.
func KeyFromContext(ctx context.Context) *models.CapabilityKey {
	key, _ := ctx.Value(capabilityKeyKey).(*models.CapabilityKey)
	return key
}

// PlaintextFromContext returns the presented key string. Handlers need it
// to build capability URLs for the key that was actually used.
func PlaintextFromContext(ctx context.Context) string {
	plaintext, _ := ctx.Value(plaintextKey).(string)
	return plaintext
}

// PlaneFromContext returns the plane the request arrived on.
func PlaneFromContext(ctx context.Context) models.Permission {
	plane, _ := ctx.Value(planeKey).(models.Permission)
	return plane
}

// WithKey seeds a request context with an authorized key. Test helper.
func WithKey(r *http.Request, key *models.CapabilityKey, plaintext string, plane models.Permission) *http.Request {
	ctx := r.Context()
	ctx = context.WithValue(ctx, capabilityKeyKey, key)
	ctx = context.WithValue(ctx, plaintextKey, plaintext)
	ctx = context.WithValue(ctx, planeKey, plane)
	return r.WithContext(ctx)
}
