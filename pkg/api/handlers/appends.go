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
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/tasklog"
)

// Appends serves append submission and single-append reads.
type Appends struct {
	store     *store.Store
	publisher *Publisher
	metrics   AppendMetrics
	limits    Limits
	baseURL   string
}

// NewAppends creates the append handler.
func NewAppends(st *store.Store, publisher *Publisher, metrics AppendMetrics, limits Limits, baseURL string) *Appends {
	return &Appends{store: st, publisher: publisher, metrics: metrics, limits: limits, baseURL: baseURL}
}

// appendEntry is one append on the wire.
type appendEntry struct {
	Type                 string   `json:"type,omitempty"`
	Text                 string   `json:"text"`
	Author               string   `json:"author,omitempty"`
	Ref                  string   `json:"ref,omitempty"`
	Priority             *int     `json:"priority,omitempty"`
	Labels               []string `json:"labels,omitempty"`
	ClaimDurationSeconds *int     `json:"claimDurationSeconds,omitempty"`
}

// appendRequest is either a single entry (fields at the top level) or a
// batch under "appends". CreateIfMissing creates the target file instead of
// failing with not-found.
type appendRequest struct {
	appendEntry
	Appends         []appendEntry `json:"appends,omitempty"`
	CreateIfMissing bool          `json:"createIfMissing,omitempty"`
}

// appendResult is the per-append response shape.
type appendResult struct {
	AppendID  string        `json:"appendId"`
	Path      string        `json:"path"`
	Seq       int64         `json:"seq"`
	Type      string        `json:"type"`
	Author    string        `json:"author"`
	CreatedAt time.Time     `json:"createdAt"`
	Task      *tasklog.Task `json:"task,omitempty"`
}

// Submit serves the wildcard append submission.
func (h *Appends) Submit(w http.ResponseWriter, r *http.Request) {
	path, err := wildcardPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	h.submit(w, r, path)
}

// SubmitRoot serves appends addressed by the key scope or ?path=.
func (h *Appends) SubmitRoot(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	h.submit(w, r, path)
}

func (h *Appends) submit(w http.ResponseWriter, r *http.Request, path string) {
	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	var req appendRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}

	entries := req.Appends
	batch := len(entries) > 0
	if !batch {
		entries = []appendEntry{req.appendEntry}
	}
	if len(entries) > h.limits.MaxBatchAppends {
		respond.Err(w, r, apierr.Newf(apierr.CodeInvalidRequest,
			"batch exceeds %d appends", h.limits.MaxBatchAppends))
		return
	}

	proposed := make([]store.ProposedAppend, 0, len(entries))
	for _, e := range entries {
		p, err := h.normalize(e, key)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
		proposed = append(proposed, p)
	}

	result, err := h.store.AppendBatch(r.Context(), store.AppendBatchParams{
		WorkspaceID:     key.WorkspaceID,
		Path:            path,
		Key:             key,
		WritePlane:      key.Permission.Covers(models.PermissionWrite),
		CreateIfMissing: req.CreateIfMissing,
		Appends:         proposed,
		Now:             time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			respond.Err(w, r, apierr.FileNotFound(path))
			return
		}
		respond.Err(w, r, err)
		return
	}

	results := h.render(path, result)
	h.publishEvents(r, key, path, result)

	if batch {
		respond.JSON(w, http.StatusCreated, results)
		return
	}
	respond.JSON(w, http.StatusCreated, results[0])
}

// normalize applies the wire defaults and handler-level size checks.
func (h *Appends) normalize(e appendEntry, key *models.CapabilityKey) (store.ProposedAppend, error) {
	if e.Type == "" {
		e.Type = models.AppendComment
	}
	if !models.ValidAppendType(e.Type) {
		return store.ProposedAppend{}, apierr.Newf(apierr.CodeTypeNotAllowed,
			"unknown append type %q", e.Type).WithDetail("allowed", models.AppendTypes)
	}
	if e.Author == "" {
		e.Author = key.BoundAuthor
	}
	if e.Author == "" {
		e.Author = "anonymous"
	}
	if !models.ValidAuthor(e.Author) {
		return store.ProposedAppend{}, apierr.Newf(apierr.CodeInvalidAuthor,
			"author %q is reserved or contains invalid characters", e.Author)
	}
	if int64(len(e.Text)) > h.limits.MaxAppendBytes {
		return store.ProposedAppend{}, apierr.PayloadTooLarge(h.limits.MaxAppendBytes)
	}
	if e.ClaimDurationSeconds != nil && *e.ClaimDurationSeconds < models.MinClaimDurationSeconds {
		return store.ProposedAppend{}, apierr.Newf(apierr.CodeInvalidRequest,
			"claimDurationSeconds must be at least %d", models.MinClaimDurationSeconds)
	}
	return store.ProposedAppend{
		Type:                 e.Type,
		Author:               e.Author,
		Text:                 e.Text,
		Ref:                  e.Ref,
		Priority:             e.Priority,
		Labels:               e.Labels,
		ClaimDurationSeconds: e.ClaimDurationSeconds,
	}, nil
}

// render maps the written batch to wire results with task echoes.
func (h *Appends) render(path string, result *store.AppendBatchResult) []appendResult {
	results := make([]appendResult, 0, len(result.Appends))
	for _, a := range result.Appends {
		results = append(results, appendResult{
			AppendID:  a.AppendID(),
			Path:      path,
			Seq:       a.Seq,
			Type:      a.Type,
			Author:    a.Author,
			CreatedAt: a.CreatedAt,
			Task:      taskEcho(result.Tasks, a),
		})
	}
	return results
}

// taskEcho resolves the task an append acted on, if any.
func taskEcho(tasks *tasklog.FileTasks, a *models.Append) *tasklog.Task {
	if tasks == nil {
		return nil
	}
	switch a.Type {
	case models.AppendTask:
		return tasks.Get(a.Seq)
	case models.AppendClaim, models.AppendResponse, models.AppendCancel,
		models.AppendRenew, models.AppendBlock:
		return tasks.Resolve(a.Ref)
	}
	return nil
}

// publishEvents emits the webhook events an accepted batch implies: one
// append.created per entry, the task lifecycle event its type maps to, and
// file.created when the batch auto-created its file.
func (h *Appends) publishEvents(r *http.Request, key *models.CapabilityKey, path string, result *store.AppendBatchResult) {
	ctx := r.Context()
	plaintext := middleware.PlaintextFromContext(ctx)
	urls := PlaneURLs(h.baseURL, plaintext, key.Permission, path)

	if result.FileCreated {
		h.publisher.publish(ctx, models.EventFileCreated, key.WorkspaceID, path, map[string]any{
			"path":      path,
			"etag":      result.File.ETag,
			"sizeBytes": result.File.SizeBytes,
		}, eventOpts{urls: urls})
	}

	for _, a := range result.Appends {
		if h.metrics != nil {
			h.metrics.RecordAppend(a.Type)
		}
		labels, _ := a.GetLabels()
		data := map[string]any{
			"appendId": a.AppendID(),
			"type":     a.Type,
			"author":   a.Author,
			"text":     a.Text,
		}
		if a.Ref != "" {
			data["ref"] = a.Ref
		}
		opts := eventOpts{urls: urls, appendType: a.Type, author: a.Author, labels: labels}
		h.publisher.publish(ctx, models.EventAppendCreated, key.WorkspaceID, path, data, opts)

		if event, task := taskEvent(result.Tasks, a); event != "" {
			taskData := map[string]any{
				"appendId": a.AppendID(),
				"author":   a.Author,
			}
			if task != nil {
				taskData["taskId"] = task.ID
				taskData["state"] = string(task.State)
			}
			h.publisher.publish(ctx, event, key.WorkspaceID, path, taskData, opts)
		}
	}
}

// taskEvent maps an accepted append to the lifecycle event it implies. A
// cancel only counts as task.cancelled when it actually cancelled its task;
// releasing a claim is not a task event. Renews move an expiry without
// changing state, so they emit nothing.
func taskEvent(tasks *tasklog.FileTasks, a *models.Append) (string, *tasklog.Task) {
	if tasks == nil {
		return "", nil
	}
	switch a.Type {
	case models.AppendTask:
		return models.EventTaskCreated, tasks.Get(a.Seq)
	case models.AppendClaim:
		return models.EventTaskClaimed, tasks.Resolve(a.Ref)
	case models.AppendResponse:
		return models.EventTaskCompleted, tasks.Resolve(a.Ref)
	case models.AppendCancel:
		task := tasks.Resolve(a.Ref)
		if task != nil && task.State == tasklog.StateCancelled {
			return models.EventTaskCancelled, task
		}
		return "", nil
	case models.AppendBlock:
		return models.EventTaskBlocked, tasks.Resolve(a.Ref)
	}
	return "", nil
}

// GetAppend serves one append by its wire ID.
func (h *Appends) GetAppend(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	id := chi.URLParam(r, "appendId")
	seq, ok := models.ParseAppendID(id)
	if !ok {
		respond.Err(w, r, apierr.Newf(apierr.CodeAppendNotFound, "no append %q", id))
		return
	}

	file, err := h.store.GetFileByPath(r.Context(), key.WorkspaceID, path)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			respond.Err(w, r, apierr.FileNotFound(path))
			return
		}
		respond.Err(w, r, err)
		return
	}

	a, err := h.store.GetAppendBySeq(r.Context(), file.ID, seq)
	if err != nil {
		if errors.Is(err, models.ErrAppendNotFound) {
			respond.Err(w, r, apierr.Newf(apierr.CodeAppendNotFound, "no append %q", id))
			return
		}
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, newAppendView(a))
}
