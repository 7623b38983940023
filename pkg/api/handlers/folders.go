package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carrelhq/carrel/pkg/api/middleware"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/archive"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/docpath"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
)

// Folders serves the virtual folder surface: listings, markers, renames,
// cascade deletes, stats, search, zip export and bulk seeding. Folders are
// prefixes over file paths; only explicit markers exist as rows.
type Folders struct {
	store     *store.Store
	publisher *Publisher
	limits    Limits
	baseURL   string
}

// NewFolders creates the folder operations handler.
func NewFolders(st *store.Store, publisher *Publisher, limits Limits, baseURL string) *Folders {
	return &Folders{store: st, publisher: publisher, limits: limits, baseURL: baseURL}
}

// folderPath extracts and normalizes the folder path from the route
// remainder. The empty remainder addresses the workspace root.
func folderPath(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", apierr.InvalidPath(raw, "bad percent-encoding")
	}
	return docpath.NormalizeFolder(decoded)
}

// authorizeFolder checks the key can reach the folder. The workspace root is
// only reachable by workspace-scoped keys; everything else goes through the
// usual scope fence.
func authorizeFolder(key *models.CapabilityKey, path string) error {
	if path == "" {
		if key.ScopeType != models.ScopeWorkspace {
			return apierr.PermissionDenied("path is outside of key scope")
		}
		return nil
	}
	return capability.AuthorizePath(key, path)
}

// folderChild is one listing entry. Files carry their metadata and the
// capability URLs the presented key can vouch for; subfolders carry a file
// count.
type folderChild struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	Type      string            `json:"type"`
	SizeBytes int64             `json:"sizeBytes,omitempty"`
	ETag      string            `json:"etag,omitempty"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
	FileCount int               `json:"fileCount,omitempty"`
	URLs      map[string]string `json:"urls,omitempty"`
	Tasks     map[string]int    `json:"tasks,omitempty"`
}

// List serves folder listings. ?recursive=true flattens the subtree,
// ?includeDeleted=true includes soft-deleted files flagged, ?limit caps the
// number of entries. ?action=export (or a trailing /export segment) streams
// the subtree as a zip instead.
func (h *Folders) List(w http.ResponseWriter, r *http.Request) {
	path, err := folderPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	if r.URL.Query().Get("action") == "export" {
		h.export(w, r, path)
		return
	}
	if path == "export" || strings.HasSuffix(path, "/export") {
		h.export(w, r, strings.TrimSuffix(strings.TrimSuffix(path, "export"), "/"))
		return
	}

	key := middleware.KeyFromContext(r.Context())
	if err := authorizeFolder(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	q := r.URL.Query()
	recursive := q.Get("recursive") == "true"
	includeDeleted := q.Get("includeDeleted") == "true"
	limit := 0
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			respond.Err(w, r, apierr.InvalidRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	exists, err := h.store.FolderExists(r.Context(), key.WorkspaceID, path)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if !exists {
		respond.Err(w, r, apierr.New(apierr.CodeFolderNotFound, "folder not found").
			WithDetail("path", path))
		return
	}

	files, err := h.store.ListFiles(r.Context(), key.WorkspaceID, path, includeDeleted)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	markers, err := h.store.ListFolderMarkers(r.Context(), key.WorkspaceID, path)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	children := h.fold(r, key, path, files, markers, recursive)
	truncated := false
	if limit > 0 && len(children) > limit {
		children = children[:limit]
		truncated = true
	}

	respond.JSON(w, http.StatusOK, struct {
		Path      string        `json:"path"`
		Children  []folderChild `json:"children"`
		Truncated bool          `json:"truncated,omitempty"`
	}{Path: path, Children: children, Truncated: truncated})
}

// fold turns the flat subtree into listing entries: every file directly in
// the folder, plus one entry per distinct immediate subfolder. Recursive
// listings skip the folding and return every file flattened.
func (h *Folders) fold(r *http.Request, key *models.CapabilityKey, prefix string, files []*models.File, markers []*models.Folder, recursive bool) []folderChild {
	plaintext := middleware.PlaintextFromContext(r.Context())
	children := make([]folderChild, 0, len(files))
	subCounts := make(map[string]int)

	for _, f := range files {
		rel := f.Path
		if prefix != "" {
			rel = f.Path[len(prefix)+1:]
		}
		if i := strings.IndexByte(rel, '/'); i >= 0 && !recursive {
			subCounts[rel[:i]]++
			continue
		}

		child := folderChild{
			Name:      docpath.Base(f.Path),
			Path:      f.Path,
			Type:      "file",
			SizeBytes: f.SizeBytes,
			ETag:      f.ETag,
			UpdatedAt: &f.UpdatedAt,
			Deleted:   f.Deleted(),
			URLs:      PlaneURLs(h.baseURL, plaintext, key.Permission, f.Path),
		}
		if tasks, err := h.store.TasksForFile(r.Context(), f, time.Now().UTC()); err == nil {
			counts := make(map[string]int, 5)
			for state, n := range tasks.Counts() {
				if n > 0 {
					counts[string(state)] = n
				}
			}
			if len(counts) > 0 {
				child.Tasks = counts
			}
		}
		children = append(children, child)
	}

	if !recursive {
		for _, m := range markers {
			rel := m.Path
			if prefix != "" {
				rel = m.Path[len(prefix)+1:]
			}
			if i := strings.IndexByte(rel, '/'); i >= 0 {
				rel = rel[:i]
			}
			if _, seen := subCounts[rel]; !seen {
				subCounts[rel] = 0
			}
		}
		for name, count := range subCounts {
			children = append(children, folderChild{
				Name:      name,
				Path:      docpath.Join(prefix, name),
				Type:      "folder",
				FileCount: count,
			})
		}
	}

	// Folders first, then files, each block in path order.
	sortChildren(children)
	return children
}

func sortChildren(children []folderChild) {
	rank := func(c folderChild) string {
		if c.Type == "folder" {
			return "0" + c.Path
		}
		return "1" + c.Path
	}
	sort.Slice(children, func(a, b int) bool {
		return rank(children[a]) < rank(children[b])
	})
}

// createRequest names a folder to materialize.
type createRequest struct {
	Name string `json:"name"`
}

// Create materializes a folder marker so the folder exists even while empty.
func (h *Folders) Create(w http.ResponseWriter, r *http.Request) {
	base, err := folderPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	var req createRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	name, err := docpath.NormalizeFolder(req.Name)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if name == "" {
		respond.Err(w, r, apierr.InvalidRequest("folder name is required"))
		return
	}
	path := docpath.Join(base, name)

	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	folder, err := h.store.CreateFolderMarker(r.Context(), key.WorkspaceID, path)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateFolder) {
			respond.Err(w, r, apierr.New(apierr.CodeFolderExists, "folder already exists").
				WithDetail("path", path))
			return
		}
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, folder)
}

// renameFolderRequest carries the rename destination.
type renameFolderRequest struct {
	NewPath string `json:"newPath"`
}

// Rename moves the whole subtree, markers, files and scoped keys included.
func (h *Folders) Rename(w http.ResponseWriter, r *http.Request) {
	from, err := folderPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if from == "" {
		respond.Err(w, r, apierr.InvalidRequest("the workspace root cannot be renamed"))
		return
	}

	var req renameFolderRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	to, err := docpath.NormalizeFolder(req.NewPath)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if to == "" {
		respond.Err(w, r, apierr.InvalidRequest("newPath is required"))
		return
	}

	key := middleware.KeyFromContext(r.Context())
	for _, p := range []string{from, to} {
		if err := capability.AuthorizePath(key, p); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	moved, err := h.store.RenameFolder(r.Context(), key.WorkspaceID, from, to)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrFolderNotFound):
			respond.Err(w, r, apierr.New(apierr.CodeFolderNotFound, "folder not found").
				WithDetail("path", from))
		case errors.Is(err, models.ErrDuplicateFolder), errors.Is(err, models.ErrDuplicatePath):
			respond.Err(w, r, apierr.New(apierr.CodeFolderExists, "destination already exists").
				WithDetail("path", to))
		default:
			respond.Err(w, r, err)
		}
		return
	}

	respond.JSON(w, http.StatusOK, struct {
		From       string `json:"from"`
		To         string `json:"to"`
		FilesMoved int64  `json:"filesMoved"`
	}{From: from, To: to, FilesMoved: moved})
}

// Delete removes a folder. Empty folders delete directly; a non-empty one
// needs ?cascade=true plus a confirmPath repeating the folder basename, so
// the client has to say what it is destroying.
func (h *Folders) Delete(w http.ResponseWriter, r *http.Request) {
	path, err := folderPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if path == "" {
		respond.Err(w, r, apierr.InvalidRequest("the workspace root cannot be deleted"))
		return
	}

	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	cascade := r.URL.Query().Get("cascade") == "true"
	if cascade {
		if confirm := r.URL.Query().Get("confirmPath"); confirm != docpath.Base(path) {
			respond.Err(w, r, apierr.New(apierr.CodeConfirmPathMismatch,
				"confirmPath must repeat the folder basename").
				WithDetail("path", path).
				WithDetail("expected", docpath.Base(path)))
			return
		}
	}

	retention, err := h.retention(r, key.WorkspaceID)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	now := time.Now().UTC()
	deleted, err := h.store.DeleteFolder(r.Context(), key.WorkspaceID, path, cascade, retention, now)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrFolderNotFound):
			respond.Err(w, r, apierr.New(apierr.CodeFolderNotFound, "folder not found").
				WithDetail("path", path))
		case errors.Is(err, models.ErrFolderNotEmpty):
			respond.Err(w, r, apierr.New(apierr.CodeFolderNotEmpty,
				"folder is not empty; pass cascade=true to delete its files").
				WithDetail("path", path))
		default:
			respond.Err(w, r, err)
		}
		return
	}

	h.publisher.publish(r.Context(), models.EventFileDeleted, key.WorkspaceID, path, map[string]any{
		"path":         path,
		"folder":       true,
		"filesDeleted": deleted,
	}, eventOpts{})

	respond.JSON(w, http.StatusOK, struct {
		Path         string `json:"path"`
		FilesDeleted int64  `json:"filesDeleted"`
	}{Path: path, FilesDeleted: deleted})
}

func (h *Folders) retention(r *http.Request, workspaceID string) (time.Duration, error) {
	ws, err := h.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		return 0, err
	}
	settings, err := ws.GetSettings()
	if err != nil {
		return 0, err
	}
	return settings.EffectiveRetention(), nil
}

// Stats serves the aggregate numbers over a subtree. ?path= addresses the
// folder; absent means the key's scope root.
func (h *Folders) Stats(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := opsFolderPath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	stats, err := h.store.Stats(r.Context(), key.WorkspaceID, path, time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Path string `json:"path"`
		*store.FolderStats
	}{Path: path, FolderStats: stats})
}

// opsFolderPath resolves the folder an ops query addresses: ?path= when
// given, the key's own scope otherwise. File keys have no folder to query.
func opsFolderPath(r *http.Request, key *models.CapabilityKey) (string, error) {
	if key.ScopeType == models.ScopeFile {
		return "", apierr.PermissionDenied("folder queries need a workspace or folder key")
	}
	raw := r.URL.Query().Get("path")
	if raw == "" {
		return key.ScopePath, nil
	}
	path, err := docpath.NormalizeFolder(raw)
	if err != nil {
		return "", err
	}
	if err := authorizeFolder(key, path); err != nil {
		return "", err
	}
	return path, nil
}

const maxSearchResults = 100

// Search scans file contents and append texts under a folder for a
// substring.
func (h *Folders) Search(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := opsFolderPath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		respond.Err(w, r, apierr.InvalidRequest("q query parameter is required"))
		return
	}

	results, err := h.store.Search(r.Context(), key.WorkspaceID, path, query, maxSearchResults)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Path    string               `json:"path"`
		Query   string               `json:"q"`
		Results []store.SearchResult `json:"results"`
	}{Path: path, Query: query, Results: results})
}

// export streams the live subtree as a zip. The archive is built in memory
// so its checksum can travel in a header ahead of the bytes.
func (h *Folders) export(w http.ResponseWriter, r *http.Request, path string) {
	key := middleware.KeyFromContext(r.Context())
	if err := authorizeFolder(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}
	if format := r.URL.Query().Get("format"); format != "" && format != "zip" {
		respond.Err(w, r, apierr.InvalidRequest("unknown export format").WithDetail("format", format))
		return
	}

	files, err := h.store.ListFiles(r.Context(), key.WorkspaceID, path, false)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	markers, err := h.store.ListFolderMarkers(r.Context(), key.WorkspaceID, path)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if path != "" && len(files) == 0 && len(markers) == 0 {
		exists, err := h.store.FolderExists(r.Context(), key.WorkspaceID, path)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
		if !exists {
			respond.Err(w, r, apierr.New(apierr.CodeFolderNotFound, "folder not found").
				WithDetail("path", path))
			return
		}
	}

	entries := make([]archive.File, 0, len(files))
	for _, f := range files {
		entries = append(entries, archive.File{
			Path:     f.Path,
			Content:  []byte(f.Content),
			Modified: f.UpdatedAt,
		})
	}
	folders := make([]string, 0, len(markers))
	for _, m := range markers {
		folders = append(folders, m.Path)
	}

	export, err := archive.BuildZip(path, entries, folders, h.limits.MaxExportBytes)
	if err != nil {
		if errors.Is(err, archive.ErrTooLarge) {
			respond.Err(w, r, apierr.PayloadTooLarge(h.limits.MaxExportBytes))
			return
		}
		respond.Err(w, r, err)
		return
	}

	name := docpath.Base(path)
	if name == "" || path == "" {
		name = "workspace"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	w.Header().Set("X-Export-Checksum", export.Checksum)
	respond.Raw(w, http.StatusOK, "application/zip", export.Data)
}

// bulkEntry is one file in a bulk seed.
type bulkEntry struct {
	Path        string                   `json:"path"`
	Filename    string                   `json:"filename"`
	Content     string                   `json:"content"`
	ContentType string                   `json:"contentType,omitempty"`
	Settings    *models.DocumentSettings `json:"settings,omitempty"`
}

// bulkRequest seeds many files under a folder in one transaction.
type bulkRequest struct {
	Files  []bulkEntry `json:"files"`
	Author string      `json:"author,omitempty"`
}

// Bulk seeds files under the folder named by the wildcard, which must end in
// a /bulk segment. All-or-nothing: one bad entry fails the batch.
func (h *Folders) Bulk(w http.ResponseWriter, r *http.Request) {
	raw, err := folderPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if raw != "bulk" && !strings.HasSuffix(raw, "/bulk") {
		respond.Err(w, r, apierr.New(apierr.CodeNotFound, "not found"))
		return
	}
	base := strings.TrimSuffix(strings.TrimSuffix(raw, "bulk"), "/")

	key := middleware.KeyFromContext(r.Context())
	if err := authorizeFolder(key, base); err != nil {
		respond.Err(w, r, err)
		return
	}

	var req bulkRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	if len(req.Files) == 0 {
		respond.Err(w, r, apierr.InvalidRequest("files is required"))
		return
	}
	if len(req.Files) > h.limits.MaxBulkFiles {
		respond.Err(w, r, apierr.Newf(apierr.CodeInvalidRequest,
			"bulk exceeds %d files", h.limits.MaxBulkFiles))
		return
	}
	author := req.Author
	if author == "" {
		author = key.BoundAuthor
	}
	if author == "" {
		author = "anonymous"
	}

	seeds := make([]store.BulkFile, 0, len(req.Files))
	for _, e := range req.Files {
		rel := e.Path
		if rel == "" {
			rel = e.Filename
		}
		norm, err := docpath.Normalize(rel)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
		full := docpath.Join(base, norm)
		if err := capability.AuthorizePath(key, full); err != nil {
			respond.Err(w, r, err)
			return
		}
		if int64(len(e.Content)) > h.limits.MaxFileBytes {
			respond.Err(w, r, apierr.PayloadTooLarge(h.limits.MaxFileBytes))
			return
		}
		if e.Settings != nil {
			if err := validateSettings(e.Settings); err != nil {
				respond.Err(w, r, err)
				return
			}
		}
		seeds = append(seeds, store.BulkFile{
			Path:        full,
			Content:     []byte(e.Content),
			ContentType: e.ContentType,
			Settings:    e.Settings,
		})
	}

	results, err := h.store.BulkSeedFiles(r.Context(), key.WorkspaceID, seeds, author, time.Now().UTC())
	if err != nil {
		if errors.Is(err, models.ErrDuplicatePath) {
			respond.Err(w, r, apierr.New(apierr.CodeFileExists, "a seeded path is soft-deleted").
				WithDetail("folder", base))
			return
		}
		respond.Err(w, r, err)
		return
	}

	plaintext := middleware.PlaintextFromContext(r.Context())
	for _, res := range results {
		if res.Created {
			h.publisher.publish(r.Context(), models.EventFileCreated, key.WorkspaceID, res.Path, map[string]any{
				"path": res.Path,
				"bulk": true,
			}, eventOpts{urls: PlaneURLs(h.baseURL, plaintext, key.Permission, res.Path)})
		}
	}

	respond.JSON(w, http.StatusCreated, struct {
		Folder  string             `json:"folder"`
		Results []store.BulkResult `json:"results"`
	}{Folder: base, Results: results})
}
