package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carrelhq/carrel/pkg/api/middleware"
	"github.com/carrelhq/carrel/pkg/api/respond"
	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/docpath"
	"github.com/carrelhq/carrel/pkg/markdown"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/tasklog"
)

// Files serves document reads and writes plus the file sub-resources.
type Files struct {
	store     *store.Store
	publisher *Publisher
	limits    Limits
	baseURL   string
}

// NewFiles creates the file operations handler.
func NewFiles(st *store.Store, publisher *Publisher, limits Limits, baseURL string) *Files {
	return &Files{store: st, publisher: publisher, limits: limits, baseURL: baseURL}
}

// wildcardPath extracts and normalizes the document path from the route
// remainder. chi matches on the escaped path, so the value is unescaped
// exactly once here.
func wildcardPath(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", apierr.InvalidPath(raw, "bad percent-encoding")
	}
	return docpath.Normalize(decoded)
}

// queryPath normalizes the ?path= query parameter.
func queryPath(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		return "", apierr.InvalidRequest("path query parameter is required")
	}
	return docpath.Normalize(raw)
}

// scopedFilePath resolves the file a sub-resource request addresses: the
// key's own file for file-scoped keys, the ?path= query for everything else.
func scopedFilePath(r *http.Request, key *models.CapabilityKey) (string, error) {
	if key.ScopeType == models.ScopeFile {
		return key.ScopePath, nil
	}
	path, err := queryPath(r)
	if err != nil {
		return "", err
	}
	if err := capability.AuthorizePath(key, path); err != nil {
		return "", err
	}
	return path, nil
}

// loadFile fetches a file and refuses soft-deleted ones with FILE_DELETED.
func (f *Files) loadFile(r *http.Request, workspaceID, path string) (*models.File, error) {
	file, err := f.store.GetFileByPath(r.Context(), workspaceID, path)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return nil, apierr.FileNotFound(path)
		}
		return nil, err
	}
	if file.Deleted() {
		return nil, apierr.FileDeleted(path, deleteDeadline(file))
	}
	return file, nil
}

func deleteDeadline(file *models.File) string {
	if file.DeleteExpiresAt == nil {
		return ""
	}
	return file.DeleteExpiresAt.UTC().Format(time.RFC3339)
}

// fileView is the metadata-plus-content wire shape of a document.
type fileView struct {
	Path        string                    `json:"path"`
	Filename    string                    `json:"filename"`
	Content     string                    `json:"content"`
	ETag        string                    `json:"etag"`
	SizeBytes   int64                     `json:"sizeBytes"`
	ContentType string                    `json:"contentType"`
	Settings    *models.DocumentSettings  `json:"settings,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
}

// emptySettings reports whether every settings field is unset.
func emptySettings(s *models.DocumentSettings) bool {
	return s == nil || (s.WIPLimit == nil && s.ClaimDurationSeconds == nil &&
		s.AllowedAppendTypes == nil && s.RequireClaimToComplete == nil &&
		s.DeleteRetentionSeconds == nil && s.Labels == nil)
}

func newFileView(file *models.File) fileView {
	settings, _ := file.GetSettings()
	if emptySettings(settings) {
		settings = nil
	}
	return fileView{
		Path:        file.Path,
		Filename:    docpath.Base(file.Path),
		Content:     file.Content,
		ETag:        file.ETag,
		SizeBytes:   file.SizeBytes,
		ContentType: file.ContentType,
		Settings:    settings,
		CreatedAt:   file.CreatedAt,
		UpdatedAt:   file.UpdatedAt,
	}
}

// appendView adds the wire ID to an append row.
type appendView struct {
	ID string `json:"id"`
	*models.Append
}

func newAppendView(a *models.Append) appendView {
	_, _ = a.GetLabels()
	return appendView{ID: a.AppendID(), Append: a}
}

func appendViews(appends []*models.Append) []appendView {
	views := make([]appendView, 0, len(appends))
	for _, a := range appends {
		views = append(views, newAppendView(a))
	}
	return views
}

// Get serves the wildcard content read.
func (f *Files) Get(w http.ResponseWriter, r *http.Request) {
	path, err := wildcardPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}
	f.ServeRead(w, r, path)
}

// ServeRead answers a content read for an already-authorized path,
// dispatching on the format query.
func (f *Files) ServeRead(w http.ResponseWriter, r *http.Request, path string) {
	key := middleware.KeyFromContext(r.Context())
	file, err := f.loadFile(r, key.WorkspaceID, path)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "content":
		w.Header().Set("ETag", file.ETag)
		respond.JSON(w, http.StatusOK, newFileView(file))
	case "raw":
		w.Header().Set("ETag", file.ETag)
		respond.Raw(w, http.StatusOK, "text/markdown; charset=utf-8", []byte(file.Content))
	case "parsed":
		f.serveParsed(w, r, file)
	default:
		respond.Err(w, r, apierr.InvalidRequest("unknown format").WithDetail("format", format))
	}
}

func (f *Files) serveParsed(w http.ResponseWriter, r *http.Request, file *models.File) {
	appends, err := f.store.ListAppends(r.Context(), file.ID, 0, 0)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	tasks, err := f.store.TasksForFile(r.Context(), file, time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	frontmatter, body := markdown.Frontmatter(file.Content)

	w.Header().Set("ETag", file.ETag)
	respond.JSON(w, http.StatusOK, struct {
		Path        string          `json:"path"`
		Frontmatter map[string]any  `json:"frontmatter,omitempty"`
		Content     string          `json:"content"`
		ETag        string          `json:"etag"`
		Appends     []appendView    `json:"appends"`
		Tasks       []*tasklog.Task `json:"tasks"`
	}{
		Path:        file.Path,
		Frontmatter: frontmatter,
		Content:     body,
		ETag:        file.ETag,
		Appends:     appendViews(appends),
		Tasks:       tasks.Tasks,
	})
}

// Raw serves the bare markdown body of the addressed file.
func (f *Files) Raw(w http.ResponseWriter, r *http.Request) {
	f.subResource(w, r, func(file *models.File) {
		w.Header().Set("ETag", file.ETag)
		respond.Raw(w, http.StatusOK, "text/markdown; charset=utf-8", []byte(file.Content))
	})
}

// Meta serves file metadata without content.
func (f *Files) Meta(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	file, err := f.store.GetFileByPath(r.Context(), key.WorkspaceID, path)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			respond.Err(w, r, apierr.FileNotFound(path))
			return
		}
		respond.Err(w, r, err)
		return
	}
	tasks, err := f.store.TasksForFile(r.Context(), file, time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	settings, _ := file.GetSettings()
	if emptySettings(settings) {
		settings = nil
	}

	respond.JSON(w, http.StatusOK, struct {
		Path            string                    `json:"path"`
		Filename        string                    `json:"filename"`
		SizeBytes       int64                     `json:"sizeBytes"`
		ETag            string                    `json:"etag"`
		ContentType     string                    `json:"contentType"`
		AppendCount     int64                     `json:"appendCount"`
		Tasks           map[tasklog.TaskState]int `json:"tasks"`
		Settings        *models.DocumentSettings  `json:"settings,omitempty"`
		Deleted         bool                      `json:"deleted,omitempty"`
		DeleteExpiresAt *time.Time                `json:"deleteExpiresAt,omitempty"`
		CreatedAt       time.Time                 `json:"createdAt"`
		UpdatedAt       time.Time                 `json:"updatedAt"`
	}{
		Path:            file.Path,
		Filename:        docpath.Base(file.Path),
		SizeBytes:       file.SizeBytes,
		ETag:            file.ETag,
		ContentType:     file.ContentType,
		AppendCount:     file.AppendSeq,
		Tasks:           tasks.Counts(),
		Settings:        settings,
		Deleted:         file.Deleted(),
		DeleteExpiresAt: file.DeleteExpiresAt,
		CreatedAt:       file.CreatedAt,
		UpdatedAt:       file.UpdatedAt,
	})
}

// Structure serves the heading outline.
func (f *Files) Structure(w http.ResponseWriter, r *http.Request) {
	f.subResource(w, r, func(file *models.File) {
		respond.JSON(w, http.StatusOK, struct {
			Path     string             `json:"path"`
			Headings []markdown.Heading `json:"headings"`
		}{Path: file.Path, Headings: markdown.Structure(file.Content)})
	})
}

// Section serves the text under one exactly-matching heading.
func (f *Files) Section(w http.ResponseWriter, r *http.Request) {
	heading, err := url.PathUnescape(chi.URLParam(r, "heading"))
	if err != nil {
		respond.Err(w, r, apierr.InvalidRequest("bad percent-encoding in heading"))
		return
	}
	f.subResource(w, r, func(file *models.File) {
		content, ok := markdown.Section(file.Content, heading)
		if !ok {
			respond.Err(w, r, apierr.New(apierr.CodeSectionNotFound, "section not found").
				WithDetail("heading", heading))
			return
		}
		level := 0
		for _, h := range markdown.Structure(file.Content) {
			if h.Text == heading {
				level = h.Level
				break
			}
		}
		respond.JSON(w, http.StatusOK, struct {
			Path    string `json:"path"`
			Heading string `json:"heading"`
			Level   int    `json:"level"`
			Content string `json:"content"`
		}{Path: file.Path, Heading: heading, Level: level, Content: content})
	})
}

const (
	defaultTailBytes = 10000
	maxTailLines     = 1000
	maxTailBytes     = 100000
)

// Tail serves the last lines or bytes of the document. Without parameters
// the last 10000 bytes are returned.
func (f *Files) Tail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lines := 0
	bytes := defaultTailBytes

	if v := q.Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxTailLines {
			respond.Err(w, r, apierr.InvalidRequest("lines must be between 1 and 1000"))
			return
		}
		lines = parsed
	}
	if v := q.Get("bytes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxTailBytes {
			respond.Err(w, r, apierr.InvalidRequest("bytes must be between 1 and 100000"))
			return
		}
		bytes = parsed
	}

	f.subResource(w, r, func(file *models.File) {
		var content string
		var truncated bool
		if lines > 0 {
			content, truncated = markdown.Tail(file.Content, lines)
		} else {
			content, truncated = markdown.TailBytes(file.Content, bytes)
		}
		respond.JSON(w, http.StatusOK, struct {
			Path          string `json:"path"`
			Content       string `json:"content"`
			BytesReturned int    `json:"bytesReturned"`
			Truncated     bool   `json:"truncated"`
		}{Path: file.Path, Content: content, BytesReturned: len(content), Truncated: truncated})
	})
}

// subResource resolves the addressed live file and hands it to serve.
func (f *Files) subResource(w http.ResponseWriter, r *http.Request, serve func(file *models.File)) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	file, err := f.loadFile(r, key.WorkspaceID, path)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	serve(file)
}

// putRequest is the write body. Content is the whole document.
type putRequest struct {
	Content     string                   `json:"content"`
	ContentType string                   `json:"contentType,omitempty"`
	Settings    *models.DocumentSettings `json:"settings,omitempty"`
}

// Put serves the wildcard create-or-replace write.
func (f *Files) Put(w http.ResponseWriter, r *http.Request) {
	path, err := wildcardPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	f.put(w, r, path)
}

// PutRoot serves writes addressed by the key scope or ?path=.
func (f *Files) PutRoot(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	f.put(w, r, path)
}

func (f *Files) put(w http.ResponseWriter, r *http.Request, path string) {
	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	var req putRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	if int64(len(req.Content)) > f.limits.MaxFileBytes {
		respond.Err(w, r, apierr.PayloadTooLarge(f.limits.MaxFileBytes))
		return
	}
	if req.Settings != nil {
		if err := validateSettings(req.Settings); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)
	ifNoneMatch := r.Header.Get("If-None-Match") == "*"

	file, created, err := f.store.PutFile(r.Context(), store.PutFileParams{
		WorkspaceID: key.WorkspaceID,
		Path:        path,
		Content:     []byte(req.Content),
		ContentType: req.ContentType,
		Settings:    req.Settings,
		IfMatch:     ifMatch,
		IfNoneMatch: ifNoneMatch,
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicatePath) {
			respond.Err(w, r, apierr.New(apierr.CodeFileExists, "file already exists").
				WithDetail("path", path))
			return
		}
		if errors.Is(err, models.ErrFileNotFound) {
			respond.Err(w, r, apierr.FileNotFound(path))
			return
		}
		respond.Err(w, r, err)
		return
	}

	plaintext := middleware.PlaintextFromContext(r.Context())
	urls := PlaneURLs(f.baseURL, plaintext, key.Permission, path)

	event := models.EventFileUpdated
	status := http.StatusOK
	if created {
		event = models.EventFileCreated
		status = http.StatusCreated
	}
	f.publisher.publish(r.Context(), event, key.WorkspaceID, path, map[string]any{
		"path":      path,
		"etag":      file.ETag,
		"sizeBytes": file.SizeBytes,
	}, eventOpts{urls: urls})

	w.Header().Set("ETag", file.ETag)
	respond.JSON(w, status, struct {
		*models.File
		Created bool              `json:"created"`
		URLs    map[string]string `json:"urls,omitempty"`
	}{File: file, Created: created, URLs: urls})
}

// renameRequest addresses a rename through the file's write plane. The file
// stays in its folder; newPath is accepted as a full-path alias.
type renameRequest struct {
	Filename string `json:"filename"`
	NewPath  string `json:"newPath"`
}

// Rename serves the wildcard rename.
func (f *Files) Rename(w http.ResponseWriter, r *http.Request) {
	path, err := wildcardPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	f.rename(w, r, path)
}

// RenameRoot serves renames addressed by the key scope or ?path=.
func (f *Files) RenameRoot(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	f.rename(w, r, path)
}

func (f *Files) rename(w http.ResponseWriter, r *http.Request, from string) {
	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, from); err != nil {
		respond.Err(w, r, err)
		return
	}

	var req renameRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}

	var to string
	switch {
	case req.Filename != "":
		if strings.ContainsRune(req.Filename, '/') {
			respond.Err(w, r, apierr.InvalidRequest("filename must not contain /"))
			return
		}
		if parent := docpath.Parent(from); parent != "" {
			to = parent + "/" + req.Filename
		} else {
			to = req.Filename
		}
	case req.NewPath != "":
		to = req.NewPath
	default:
		respond.Err(w, r, apierr.InvalidRequest("filename is required"))
		return
	}

	to, err := docpath.Normalize(to)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if err := capability.AuthorizePath(key, to); err != nil {
		respond.Err(w, r, err)
		return
	}

	f.moveFile(w, r, from, to)
}

// moveRequest relocates a file into a destination folder.
type moveRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Move serves folder-destination moves for workspace and folder keys. The
// file keeps its basename under the destination.
func (f *Files) Move(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	if key.ScopeType == models.ScopeFile {
		respond.Err(w, r, apierr.PermissionDenied("file keys rename through PATCH"))
		return
	}

	var req moveRequest
	if err := respond.DecodeJSON(r, &req); err != nil {
		respond.Err(w, r, err)
		return
	}
	from, err := docpath.Normalize(req.Source)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	dest, err := docpath.NormalizeFolder(req.Destination)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	to := docpath.Base(from)
	if dest != "" {
		to = dest + "/" + to
	}
	for _, p := range []string{from, to} {
		if err := capability.AuthorizePath(key, p); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	f.moveFile(w, r, from, to)
}

func (f *Files) moveFile(w http.ResponseWriter, r *http.Request, from, to string) {
	key := middleware.KeyFromContext(r.Context())
	file, err := f.store.RenameFile(r.Context(), key.WorkspaceID, from, to)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrFileNotFound):
			respond.Err(w, r, apierr.FileNotFound(from))
		case errors.Is(err, models.ErrDuplicatePath):
			respond.Err(w, r, apierr.New(apierr.CodeConflict, "destination already exists").
				WithDetail("path", to))
		default:
			respond.Err(w, r, err)
		}
		return
	}

	plaintext := middleware.PlaintextFromContext(r.Context())
	f.publisher.publish(r.Context(), models.EventFileUpdated, key.WorkspaceID, to, map[string]any{
		"from": from,
		"to":   to,
		"etag": file.ETag,
	}, eventOpts{urls: PlaneURLs(f.baseURL, plaintext, key.Permission, to)})

	respond.JSON(w, http.StatusOK, struct {
		From string       `json:"from"`
		To   string       `json:"to"`
		File *models.File `json:"file"`
	}{From: from, To: to, File: file})
}

// Delete serves the wildcard soft delete.
func (f *Files) Delete(w http.ResponseWriter, r *http.Request) {
	path, err := wildcardPath(r)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	f.delete(w, r, path)
}

// DeleteRoot serves deletes addressed by the key scope or ?path=.
func (f *Files) DeleteRoot(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	f.delete(w, r, path)
}

func (f *Files) delete(w http.ResponseWriter, r *http.Request, path string) {
	key := middleware.KeyFromContext(r.Context())
	if err := capability.AuthorizePath(key, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	retention, err := f.effectiveRetention(r, key.WorkspaceID, path)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	now := time.Now().UTC()
	file, already, err := f.store.SoftDeleteFile(r.Context(), key.WorkspaceID, path, retention, now)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			respond.Err(w, r, apierr.FileNotFound(path))
			return
		}
		respond.Err(w, r, err)
		return
	}

	if !already {
		f.publisher.publish(r.Context(), models.EventFileDeleted, key.WorkspaceID, path, map[string]any{
			"path":            path,
			"deleteExpiresAt": deleteDeadline(file),
		}, eventOpts{})
	}

	respond.JSON(w, http.StatusOK, struct {
		Path            string     `json:"path"`
		AlreadyDeleted  bool       `json:"alreadyDeleted,omitempty"`
		DeletedAt       *time.Time `json:"deletedAt"`
		DeleteExpiresAt *time.Time `json:"deleteExpiresAt"`
	}{
		Path:            path,
		AlreadyDeleted:  already,
		DeletedAt:       file.DeletedAt,
		DeleteExpiresAt: file.DeleteExpiresAt,
	})
}

// effectiveRetention merges workspace and file settings for the delete
// retention window.
func (f *Files) effectiveRetention(r *http.Request, workspaceID, path string) (time.Duration, error) {
	ws, err := f.store.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		return 0, err
	}
	wsSettings, err := ws.GetSettings()
	if err != nil {
		return 0, err
	}
	file, err := f.store.GetFileByPath(r.Context(), workspaceID, path)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			return 0, apierr.FileNotFound(path)
		}
		return 0, err
	}
	fileSettings, err := file.GetSettings()
	if err != nil {
		return 0, err
	}
	return wsSettings.Merge(fileSettings).EffectiveRetention(), nil
}

// Recover clears a soft delete within the retention window. With
// ?rotateUrls=true the file's keys are rotated right after and the fresh
// triple is returned.
func (f *Files) Recover(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}

	now := time.Now().UTC()
	_, recovered, err := f.store.RecoverFile(r.Context(), key.WorkspaceID, path, now)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			respond.Err(w, r, apierr.FileNotFound(path))
			return
		}
		respond.Err(w, r, err)
		return
	}

	result := struct {
		Path      string              `json:"path"`
		Recovered bool                `json:"recovered"`
		Keys      []mintedKeyResponse `json:"keys,omitempty"`
		URLs      map[string]string   `json:"urls,omitempty"`
	}{Path: path, Recovered: recovered}

	if r.URL.Query().Get("rotateUrls") == "true" {
		keys, urls, err := f.rotateFileKeys(r, key.WorkspaceID, path, now)
		if err != nil {
			respond.Err(w, r, err)
			return
		}
		result.Keys = keys
		result.URLs = urls
	}

	respond.JSON(w, http.StatusOK, result)
}

// Rotate revokes every live key scoped to the file and mints a fresh triple.
func (f *Files) Rotate(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	path, err := scopedFilePath(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	if _, err := f.loadFile(r, key.WorkspaceID, path); err != nil {
		respond.Err(w, r, err)
		return
	}

	keys, urls, err := f.rotateFileKeys(r, key.WorkspaceID, path, time.Now().UTC())
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Path string              `json:"path"`
		Keys []mintedKeyResponse `json:"keys"`
		URLs map[string]string   `json:"urls"`
	}{Path: path, Keys: keys, URLs: urls})
}

func (f *Files) rotateFileKeys(r *http.Request, workspaceID, path string, now time.Time) ([]mintedKeyResponse, map[string]string, error) {
	minted, err := mintTriple(workspaceID, models.ScopeFile, path, false)
	if err != nil {
		return nil, nil, err
	}
	records := make([]*models.CapabilityKey, len(minted))
	for i, mk := range minted {
		records[i] = mk.record
	}
	if _, err := f.store.RotateFileKeys(r.Context(), workspaceID, path, records, now); err != nil {
		return nil, nil, err
	}

	responses := make([]mintedKeyResponse, len(minted))
	for i, mk := range minted {
		responses[i] = mk.response(f.baseURL)
	}
	return responses, tripleURLs(f.baseURL, minted), nil
}

// GetSettings reads workspace settings for workspace keys and file settings
// for file keys.
func (f *Files) GetSettings(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())
	settings, err := f.settingsForScope(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, struct {
		Scope    string                   `json:"scope"`
		Settings *models.DocumentSettings `json:"settings"`
	}{Scope: string(key.ScopeType), Settings: settings})
}

func (f *Files) settingsForScope(r *http.Request, key *models.CapabilityKey) (*models.DocumentSettings, error) {
	switch key.ScopeType {
	case models.ScopeWorkspace:
		ws, err := f.store.GetWorkspace(r.Context(), key.WorkspaceID)
		if err != nil {
			return nil, err
		}
		return ws.GetSettings()
	case models.ScopeFile:
		file, err := f.loadFile(r, key.WorkspaceID, key.ScopePath)
		if err != nil {
			return nil, err
		}
		return file.GetSettings()
	default:
		return nil, apierr.InvalidRequest("settings are addressed by workspace or file keys")
	}
}

// PatchSettings merges a settings patch into the addressed scope. Set fields
// replace, unset fields keep their value.
func (f *Files) PatchSettings(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())

	var patch models.DocumentSettings
	if err := respond.DecodeJSON(r, &patch); err != nil {
		respond.Err(w, r, err)
		return
	}
	if err := validateSettings(&patch); err != nil {
		respond.Err(w, r, err)
		return
	}

	current, err := f.settingsForScope(r, key)
	if err != nil {
		respond.Err(w, r, err)
		return
	}
	merged := current.Merge(&patch)

	switch key.ScopeType {
	case models.ScopeWorkspace:
		if _, err := f.store.UpdateWorkspaceSettings(r.Context(), key.WorkspaceID, merged); err != nil {
			respond.Err(w, r, err)
			return
		}
	case models.ScopeFile:
		if _, err := f.store.UpdateFileSettings(r.Context(), key.WorkspaceID, key.ScopePath, merged); err != nil {
			respond.Err(w, r, err)
			return
		}
	}

	respond.JSON(w, http.StatusOK, struct {
		Scope    string                   `json:"scope"`
		Settings *models.DocumentSettings `json:"settings"`
	}{Scope: string(key.ScopeType), Settings: merged})
}

// validateSettings checks the bounds of a settings payload.
func validateSettings(s *models.DocumentSettings) error {
	if s.WIPLimit != nil && *s.WIPLimit < 1 {
		return apierr.InvalidRequest("wipLimit must be at least 1")
	}
	if s.ClaimDurationSeconds != nil && *s.ClaimDurationSeconds < models.MinClaimDurationSeconds {
		return apierr.Newf(apierr.CodeInvalidRequest, "claimDurationSeconds must be at least %d", models.MinClaimDurationSeconds)
	}
	if s.DeleteRetentionSeconds != nil && *s.DeleteRetentionSeconds < models.MinDeleteRetentionSeconds {
		return apierr.Newf(apierr.CodeInvalidRequest, "deleteRetentionSeconds must be at least %d", models.MinDeleteRetentionSeconds)
	}
	for _, t := range s.AllowedAppendTypes {
		if !models.ValidAppendType(t) {
			return apierr.New(apierr.CodeTypeNotAllowed, "unknown append type").WithDetail("type", t)
		}
	}
	return nil
}
