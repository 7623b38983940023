package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/models"
)

// PlaneAuth resolves the {key} URL segment and requires that the key's
// permission covers the plane. Scope checks against the request path stay
// with the handlers, which know what path they operate on. All refusals
// here render as 404 through the error taxonomy.
func PlaneAuth(resolver *capability.Resolver, plane models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := chi.URLParam(r, "key")

			key, err := resolver.Resolve(r.Context(), plaintext)
			if err != nil {
				respond.Err(w, r, err)
				return
			}
			if !key.Permission.Covers(plane) {
				respond.Err(w, r, apierr.PermissionDenied("key does not grant "+string(plane)))
				return
			}

			next.ServeHTTP(w, WithKey(r, key, plaintext, plane))
		})
	}
}
