package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/carrelhq/carrel/internal/telemetry"
)

// Tracer starts one span per request. The span records the chi route
// pattern rather than the concrete URL, so capability keys never reach a
// trace backend. With telemetry disabled the no-op tracer makes this
// middleware free.
func Tracer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartRequestSpan(r.Context(), r.Method, "",
			telemetry.ClientAddr(r.RemoteAddr))
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		// The pattern is only known once routing has happened.
		if rctx := chi.RouteContext(ctx); rctx != nil {
			span.SetAttributes(telemetry.HTTPRoute(rctx.RoutePattern()))
		}
		span.SetAttributes(telemetry.HTTPStatus(ww.Status()))
	})
}
