package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/carrelhq/carrel/pkg/api/handlers"
	"github.com/carrelhq/carrel/pkg/api/middleware"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/api/session"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/webhook"
)

// RouterDeps carries everything the route table wires together. Dispatcher,
// journal, limiters, sessions and metrics may each be nil; the affected
// surface degrades rather than failing to route.
type RouterDeps struct {
	Store      *store.Store
	Resolver   *capability.Resolver
	Dispatcher *webhook.Dispatcher
	Journal    *webhook.Journal
	Sessions   *session.Service
	KeyLimiter middleware.Limiter
	IPLimiter  middleware.Limiter
	Metrics    Metrics
	Limits     handlers.Limits
	PublicURL  string

	// IdempotencyTTL bounds replay-cache records. Zero means 24h.
	IdempotencyTTL time.Duration

	// RequestTimeout bounds a single request end to end.
	RequestTimeout time.Duration

	// CORSOrigins enables CORS when non-empty.
	CORSOrigins []string
}

// NewRouter builds the full capability-plane route table.
//
// Three planes share one handler set, differing only in the permission the
// key must grant:
//
//	/r/{key}  read
//	/a/{key}  append
//	/w/{key}  write
//
// Bootstrap and the probes sit outside the planes.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = 24 * time.Hour
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}

	publisher := handlers.NewPublisher(deps.Dispatcher, deps.PublicURL)
	files := handlers.NewFiles(deps.Store, publisher, deps.Limits, deps.PublicURL)
	appends := handlers.NewAppends(deps.Store, publisher, deps.Metrics, deps.Limits, deps.PublicURL)
	folders := handlers.NewFolders(deps.Store, publisher, deps.Limits, deps.PublicURL)
	keys := handlers.NewKeys(deps.Store, deps.PublicURL)
	webhooks := handlers.NewWebhooks(deps.Store, deps.Dispatcher, deps.Journal)
	workspaces := handlers.NewWorkspaces(deps.Store, deps.Sessions, deps.PublicURL)
	tasks := handlers.NewTasks(deps.Store)
	health := handlers.NewHealth(deps.Store)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Tracer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(chimw.Timeout(deps.RequestTimeout))
	r.Use(middleware.BodyLimit(deps.Limits.MaxBodyBytes))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "If-Match", "Idempotency-Key"},
			ExposedHeaders:   []string{"ETag", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "Idempotency-Replayed", "X-Export-Checksum"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness)

	// Bootstrap is the only unauthenticated mutation; the IP limiter keeps
	// it from being a workspace firehose.
	bootstrap := func(r chi.Router) {
		r.Use(middleware.IPRateLimit(deps.IPLimiter, deps.Metrics))
		r.Post("/", workspaces.Bootstrap)
	}
	r.Route("/bootstrap", bootstrap)
	r.Route("/api/workspaces", func(r chi.Router) {
		r.Group(bootstrap)
		r.Get("/{workspaceId}", workspaces.GetByID)
	})

	plane := func(r chi.Router, perm models.Permission) {
		r.Use(middleware.PlaneAuth(deps.Resolver, perm))
		r.Use(middleware.KeyRateLimit(deps.KeyLimiter, deps.Metrics))
	}

	r.Route("/r/{key}", func(r chi.Router) {
		plane(r, models.PermissionRead)

		r.Get("/", readRoot(files, folders))
		r.Get("/raw", files.Raw)
		r.Get("/meta", files.Meta)
		r.Get("/structure", files.Structure)
		r.Get("/section/{heading}", files.Section)
		r.Get("/tail", files.Tail)
		r.Get("/settings", files.GetSettings)

		r.Get("/ops/tasks", tasks.List)
		r.Get("/ops/folders/search", folders.Search)
		r.Get("/ops/folders/stats", folders.Stats)
		r.Get("/ops/file/append/{appendId}", appends.GetAppend)

		r.Get("/folders", folders.List)
		r.Get("/folders/*", folders.List)

		r.Get("/*", files.Get)
	})

	r.Route("/a/{key}", func(r chi.Router) {
		plane(r, models.PermissionAppend)
		r.Use(middleware.Idempotency(deps.Store, deps.IdempotencyTTL))

		r.Post("/", appends.SubmitRoot)
		r.Post("/folders/*", folders.Bulk)
		r.Post("/*", appends.Submit)
	})

	r.Route("/w/{key}", func(r chi.Router) {
		plane(r, models.PermissionWrite)
		r.Use(middleware.Idempotency(deps.Store, deps.IdempotencyTTL))

		r.Get("/", writeRoot(files, workspaces))
		r.Put("/", files.PutRoot)
		r.Patch("/", files.RenameRoot)
		r.Delete("/", files.DeleteRoot)

		r.Post("/recover", files.Recover)
		r.Post("/rotate", files.Rotate)
		r.Post("/move", files.Move)
		r.Get("/settings", files.GetSettings)
		r.Patch("/settings", files.PatchSettings)

		r.Post("/claim", workspaces.Claim)
		r.Delete("/claim", workspaces.Release)

		r.Route("/keys", func(r chi.Router) {
			r.Post("/", keys.Mint)
			r.Get("/", keys.List)
			r.Delete("/{keyId}", keys.Revoke)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", webhooks.Create)
			r.Get("/", webhooks.List)
			r.Get("/{webhookId}", webhooks.Get)
			r.Patch("/{webhookId}", webhooks.Patch)
			r.Delete("/{webhookId}", webhooks.Delete)
			r.Post("/{webhookId}/test", webhooks.Test)
		})

		r.Post("/folders/*", folders.Create)
		r.Patch("/folders/*", folders.Rename)
		r.Delete("/folders/*", folders.Delete)

		r.Put("/*", files.Put)
		r.Patch("/*", files.Rename)
		r.Delete("/*", files.Delete)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.Err(w, r, apierr.New(apierr.CodeNotFound, "not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.Err(w, r, apierr.New(apierr.CodeInvalidRequest, "method not allowed"))
	})

	return r
}

// readRoot dispatches the bare read URL: a file key serves its own file,
// anything else lists its scope root.
func readRoot(files *handlers.Files, folders *handlers.Folders) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := middleware.KeyFromContext(r.Context())
		if key.ScopeType == models.ScopeFile {
			files.ServeRead(w, r, key.ScopePath)
			return
		}
		folders.List(w, r)
	}
}

// writeRoot dispatches the bare write URL: a workspace key gets the
// overview, a file key reads its own file.
func writeRoot(files *handlers.Files, workspaces *handlers.Workspaces) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := middleware.KeyFromContext(r.Context())
		if key.ScopeType == models.ScopeFile {
			files.ServeRead(w, r, key.ScopePath)
			return
		}
		workspaces.Overview(w, r)
	}
}
