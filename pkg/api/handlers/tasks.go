package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/carrelhq/carrel/pkg/api/middleware"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/tasklog"
)

// Tasks serves the cross-file task rollup for workspace and folder keys.
type Tasks struct {
	store *store.Store
}

// NewTasks creates the task rollup handler.
func NewTasks(st *store.Store) *Tasks {
	return &Tasks{store: st}
}

// scopedTask is a task annotated with the file it lives in.
type scopedTask struct {
	Path string `json:"path"`
	*tasklog.Task
}

// List reduces every file in the key's scope and returns the tasks,
// filterable by ?state, ?author and ?label.
func (h *Tasks) List(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	if key.ScopeType == models.ScopeFile {
		respond.Err(w, r, apierr.PermissionDenied("task rollup needs a workspace or folder key"))
		return
	}

	q := r.URL.Query()
	stateFilter := q.Get("state")
	if stateFilter != "" && !validTaskState(stateFilter) {
		respond.Err(w, r, apierr.InvalidRequest("unknown task state").
			WithDetail("state", stateFilter))
		return
	}
	authorFilter := q.Get("author")
	labelFilter := q.Get("label")

	scoped, err := h.store.TasksInScope(r.Context(), key.WorkspaceID, key.ScopePath, time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	out := make([]scopedTask, 0, len(scoped))
	for _, st := range scoped {
		t := st.Task
		if stateFilter != "" && string(t.State) != stateFilter {
			continue
		}
		if authorFilter != "" && t.Author != authorFilter {
			continue
		}
		if labelFilter != "" && !hasLabel(t.Labels, labelFilter) {
			continue
		}
		out = append(out, scopedTask{Path: st.Path, Task: t})
	}

	// Highest priority first, unprioritized last, then oldest first.
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority, out[j].Priority
		switch {
		case pi != nil && pj != nil && *pi != *pj:
			return *pi > *pj
		case pi != nil && pj == nil:
			return true
		case pi == nil && pj != nil:
			return false
		}
		return out[i].Created.Before(out[j].Created)
	})

	respond.JSON(w, http.StatusOK, struct {
		Tasks []scopedTask `json:"tasks"`
		Total int          `json:"total"`
	}{Tasks: out, Total: len(out)})
}

func validTaskState(s string) bool {
	switch tasklog.TaskState(s) {
	case tasklog.StateOpen, tasklog.StateClaimed, tasklog.StateBlocked,
		tasklog.StateDone, tasklog.StateCancelled:
		return true
	}
	return false
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
