package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/carrelhq/carrel/internal/logger"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/capability"
)

// RequestLogger logs one line per completed request. Capability keys appear
// in URLs, so the key segment of plane paths is redacted down to its display
// prefix before anything reaches the log.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := sanitizePath(r.URL.Path)
		quiet := r.URL.Path == "/healthz" || r.URL.Path == "/readyz"

		logger.DebugCtx(r.Context(), "request started",
			"requestId", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", path,
			"remote", r.RemoteAddr,
		)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		logFn := logger.InfoCtx
		if quiet {
			logFn = logger.DebugCtx
		}
		logFn(r.Context(), "request completed",
			"requestId", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", elapsed.String(),
		)
	})
}

// sanitizePath replaces the key segment of /r, /a, and /w paths with its
// first PrefixLength characters. Everything else passes through unchanged.
func sanitizePath(path string) string {
	segments := strings.Split(path, "/")
	if len(segments) < 3 {
		return path
	}
	switch segments[1] {
	case "r", "a", "w":
	default:
		return path
	}
	key := segments[2]
	if len(key) > capability.PrefixLength {
		segments[2] = key[:capability.PrefixLength] + "..."
	}
	return strings.Join(segments, "/")
}

// Recoverer converts panics into INTERNAL responses. http.ErrAbortHandler
// passes through so aborted requests keep their net/http semantics.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorCtx(r.Context(), "panic recovered",
					"requestId", chimw.GetReqID(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				respond.Err(w, r, apierr.Internal())
			}
		}()
		next.ServeHTTP(w, r)
	})
}
