package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/models"
)

func TestComputeETag(t *testing.T) {
	a := ComputeETag([]byte("hello"))
	if len(a) != 16 {
		t.Errorf("etag length = %d, want 16", len(a))
	}
	if a != ComputeETag([]byte("hello")) {
		t.Error("etag is not deterministic")
	}
	if a == ComputeETag([]byte("world")) {
		t.Error("different content produced the same etag")
	}
}

func TestPutFileCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_put")

	f, created, err := s.PutFile(ctx, PutFileParams{
		WorkspaceID: "ws_put",
		Path:        "notes/plan.md",
		Content:     []byte("# Plan\n"),
	})
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if !created {
		t.Error("expected created=true for a new path")
	}
	if f.ETag != ComputeETag([]byte("# Plan\n")) {
		t.Errorf("ETag = %q, want content hash", f.ETag)
	}
	if f.SizeBytes != 7 {
		t.Errorf("SizeBytes = %d, want 7", f.SizeBytes)
	}
	if f.ContentType != "text/markdown" {
		t.Errorf("ContentType = %q, want text/markdown default", f.ContentType)
	}
	if f.AppendSeq != 0 {
		t.Errorf("AppendSeq = %d, want 0", f.AppendSeq)
	}

	got, err := s.GetFileByPath(ctx, "ws_put", "notes/plan.md")
	if err != nil {
		t.Fatalf("GetFileByPath: %v", err)
	}
	if got.Content != "# Plan\n" {
		t.Errorf("Content = %q", got.Content)
	}

	byID, err := s.GetFileByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFileByID: %v", err)
	}
	if byID.Path != "notes/plan.md" {
		t.Errorf("GetFileByID path = %q", byID.Path)
	}

	plain, _, err := s.PutFile(ctx, PutFileParams{
		WorkspaceID: "ws_put",
		Path:        "notes/raw.txt",
		Content:     []byte("x"),
		ContentType: "text/plain",
	})
	if err != nil {
		t.Fatalf("PutFile with content type: %v", err)
	}
	if plain.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", plain.ContentType)
	}
}

func TestPutFileReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_replace")

	first := mustPutFile(t, s, "ws_replace", "doc.md", "v1")

	f, created, err := s.PutFile(ctx, PutFileParams{
		WorkspaceID: "ws_replace",
		Path:        "doc.md",
		Content:     []byte("version two"),
		Settings:    &models.DocumentSettings{WIPLimit: intp(2)},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if created {
		t.Error("replace reported created=true")
	}
	if f.ETag == first.ETag {
		t.Error("replace did not change the etag")
	}
	if f.SizeBytes != int64(len("version two")) {
		t.Errorf("SizeBytes = %d", f.SizeBytes)
	}

	got, err := s.GetFileByPath(ctx, "ws_replace", "doc.md")
	if err != nil {
		t.Fatalf("GetFileByPath: %v", err)
	}
	if got.Content != "version two" {
		t.Errorf("Content = %q", got.Content)
	}
	settings, err := got.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings == nil || settings.WIPLimit == nil || *settings.WIPLimit != 2 {
		t.Errorf("settings did not survive the replace: %+v", settings)
	}
}

func TestPutFileConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_cond")

	f := mustPutFile(t, s, "ws_cond", "doc.md", "v1")

	t.Run("if match ok", func(t *testing.T) {
		_, _, err := s.PutFile(ctx, PutFileParams{
			WorkspaceID: "ws_cond", Path: "doc.md",
			Content: []byte("v2"), IfMatch: f.ETag,
		})
		if err != nil {
			t.Fatalf("matching If-Match failed: %v", err)
		}
	})

	t.Run("if match stale", func(t *testing.T) {
		_, _, err := s.PutFile(ctx, PutFileParams{
			WorkspaceID: "ws_cond", Path: "doc.md",
			Content: []byte("v3"), IfMatch: f.ETag, // etag of v1, now stale
		})
		if !apierr.IsCode(err, apierr.CodeConflict) {
			t.Fatalf("stale If-Match = %v, want CONFLICT", err)
		}
		if got := apierr.AsError(err).HTTPStatus(); got != 412 {
			t.Errorf("status = %d, want 412", got)
		}
	})

	t.Run("if match on missing file", func(t *testing.T) {
		_, _, err := s.PutFile(ctx, PutFileParams{
			WorkspaceID: "ws_cond", Path: "nope.md",
			Content: []byte("x"), IfMatch: "0011223344556677",
		})
		if !errors.Is(err, models.ErrFileNotFound) {
			t.Errorf("If-Match on missing file = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("if none match refuses replace", func(t *testing.T) {
		_, _, err := s.PutFile(ctx, PutFileParams{
			WorkspaceID: "ws_cond", Path: "doc.md",
			Content: []byte("x"), IfNoneMatch: true,
		})
		if !errors.Is(err, models.ErrDuplicatePath) {
			t.Errorf("If-None-Match on existing = %v, want ErrDuplicatePath", err)
		}
	})

	t.Run("if none match creates", func(t *testing.T) {
		_, created, err := s.PutFile(ctx, PutFileParams{
			WorkspaceID: "ws_cond", Path: "fresh.md",
			Content: []byte("x"), IfNoneMatch: true,
		})
		if err != nil {
			t.Fatalf("If-None-Match create: %v", err)
		}
		if !created {
			t.Error("expected created=true")
		}
	})
}

func TestPutFileDeletedPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_del")

	mustPutFile(t, s, "ws_del", "doc.md", "v1")
	if _, _, err := s.SoftDeleteFile(ctx, "ws_del", "doc.md", time.Hour, now); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}

	_, _, err := s.PutFile(ctx, PutFileParams{
		WorkspaceID: "ws_del", Path: "doc.md", Content: []byte("v2"),
	})
	if !apierr.IsCode(err, apierr.CodeFileDeleted) {
		t.Fatalf("put on deleted path = %v, want FILE_DELETED", err)
	}
	if got := apierr.AsError(err).HTTPStatus(); got != 410 {
		t.Errorf("status = %d, want 410", got)
	}
}

func TestSoftDeleteAndRecover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_sd")

	mustPutFile(t, s, "ws_sd", "doc.md", "content")

	f, already, err := s.SoftDeleteFile(ctx, "ws_sd", "doc.md", time.Hour, now)
	if err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}
	if already {
		t.Error("first delete reported already=true")
	}
	if !f.Deleted() {
		t.Error("file not marked deleted")
	}
	if f.DeleteExpiresAt == nil || !f.DeleteExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("DeleteExpiresAt = %v, want %v", f.DeleteExpiresAt, now.Add(time.Hour))
	}

	// Deleting again later reports already and keeps the original deadline.
	f2, already2, err := s.SoftDeleteFile(ctx, "ws_sd", "doc.md", time.Hour, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if !already2 {
		t.Error("second delete should report already=true")
	}
	if !f2.DeleteExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("deadline moved on repeated delete: %v", f2.DeleteExpiresAt)
	}

	rf, recovered, err := s.RecoverFile(ctx, "ws_sd", "doc.md", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("RecoverFile: %v", err)
	}
	if !recovered {
		t.Error("expected recovered=true")
	}
	if rf.Deleted() {
		t.Error("file still deleted after recovery")
	}
	got, err := s.GetFileByPath(ctx, "ws_sd", "doc.md")
	if err != nil {
		t.Fatalf("GetFileByPath after recovery: %v", err)
	}
	if got.Deleted() || got.Content != "content" {
		t.Errorf("recovered file wrong: deleted=%v content=%q", got.Deleted(), got.Content)
	}

	// Recovering a live file is a no-op.
	_, recovered2, err := s.RecoverFile(ctx, "ws_sd", "doc.md", now)
	if err != nil {
		t.Fatalf("recover live file: %v", err)
	}
	if recovered2 {
		t.Error("recovering a live file reported recovered=true")
	}

	if _, _, err := s.RecoverFile(ctx, "ws_sd", "missing.md", now); !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("recover missing = %v, want ErrFileNotFound", err)
	}
}

func TestRecoverPastDeadline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_late")

	mustPutFile(t, s, "ws_late", "doc.md", "content")
	if _, _, err := s.SoftDeleteFile(ctx, "ws_late", "doc.md", time.Hour, now); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}

	_, _, err := s.RecoverFile(ctx, "ws_late", "doc.md", now.Add(2*time.Hour))
	if !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("recover past deadline = %v, want ErrFileNotFound", err)
	}
}

func TestRenameFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_mv")

	mustPutFile(t, s, "ws_mv", "drafts/old.md", "content")
	fileKey := &models.CapabilityKey{
		ID: "ck_filekey", WorkspaceID: "ws_mv", KeyHash: "hash-file", KeyPrefix: "carrel_k",
		Permission: models.PermissionRead, ScopeType: models.ScopeFile, ScopePath: "drafts/old.md",
	}
	wsKey := &models.CapabilityKey{
		ID: "ck_wskey", WorkspaceID: "ws_mv", KeyHash: "hash-ws", KeyPrefix: "carrel_k",
		Permission: models.PermissionWrite, ScopeType: models.ScopeWorkspace,
	}
	if err := s.CreateKeys(ctx, []*models.CapabilityKey{fileKey, wsKey}); err != nil {
		t.Fatalf("CreateKeys: %v", err)
	}

	f, err := s.RenameFile(ctx, "ws_mv", "drafts/old.md", "drafts/new.md")
	if err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	if f.Path != "drafts/new.md" {
		t.Errorf("Path = %q, want drafts/new.md", f.Path)
	}
	if _, err := s.GetFileByPath(ctx, "ws_mv", "drafts/old.md"); !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("old path still resolves: %v", err)
	}
	if _, err := s.GetFileByPath(ctx, "ws_mv", "drafts/new.md"); err != nil {
		t.Errorf("new path missing: %v", err)
	}

	// File keys follow the file; broader keys stay put.
	k, err := s.GetKey(ctx, "ws_mv", "ck_filekey")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if k.ScopePath != "drafts/new.md" {
		t.Errorf("file key scope = %q, want drafts/new.md", k.ScopePath)
	}
	wk, err := s.GetKey(ctx, "ws_mv", "ck_wskey")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if wk.ScopePath != "" {
		t.Errorf("workspace key scope changed to %q", wk.ScopePath)
	}

	t.Run("destination occupied", func(t *testing.T) {
		mustPutFile(t, s, "ws_mv", "a.md", "a")
		mustPutFile(t, s, "ws_mv", "b.md", "b")
		if _, err := s.RenameFile(ctx, "ws_mv", "a.md", "b.md"); !errors.Is(err, models.ErrDuplicatePath) {
			t.Errorf("rename onto live file = %v, want ErrDuplicatePath", err)
		}
	})

	t.Run("destination holds a deleted file", func(t *testing.T) {
		mustPutFile(t, s, "ws_mv", "held.md", "x")
		if _, _, err := s.SoftDeleteFile(ctx, "ws_mv", "held.md", time.Hour, now); err != nil {
			t.Fatalf("SoftDeleteFile: %v", err)
		}
		// A soft-deleted row keeps its path reserved until recovered or reaped.
		if _, err := s.RenameFile(ctx, "ws_mv", "a.md", "held.md"); !errors.Is(err, models.ErrDuplicatePath) {
			t.Errorf("rename onto deleted path = %v, want ErrDuplicatePath", err)
		}
	})

	t.Run("renaming a deleted file", func(t *testing.T) {
		mustPutFile(t, s, "ws_mv", "dead.md", "x")
		if _, _, err := s.SoftDeleteFile(ctx, "ws_mv", "dead.md", time.Hour, now); err != nil {
			t.Fatalf("SoftDeleteFile: %v", err)
		}
		if _, err := s.RenameFile(ctx, "ws_mv", "dead.md", "alive.md"); !apierr.IsCode(err, apierr.CodeFileDeleted) {
			t.Errorf("rename of deleted file = %v, want FILE_DELETED", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		if _, err := s.RenameFile(ctx, "ws_mv", "ghost.md", "real.md"); !errors.Is(err, models.ErrFileNotFound) {
			t.Errorf("rename of missing file = %v, want ErrFileNotFound", err)
		}
	})
}

func TestListFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_list")

	// Seeded out of order; listings come back sorted by path.
	mustPutFile(t, s, "ws_list", "notes/z.md", "z")
	mustPutFile(t, s, "ws_list", "notes/a.md", "a")
	mustPutFile(t, s, "ws_list", "top.md", "t")
	mustPutFile(t, s, "ws_list", "notesextra.md", "sibling")
	mustPutFile(t, s, "ws_list", "notes/sub/deep.md", "d")

	all, err := s.ListFiles(ctx, "ws_list", "", false)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Path > all[i].Path {
			t.Errorf("listing out of order: %q before %q", all[i-1].Path, all[i].Path)
		}
	}

	// The prefix is a folder, not a string prefix: notesextra.md stays out.
	scoped, err := s.ListFiles(ctx, "ws_list", "notes", false)
	if err != nil {
		t.Fatalf("ListFiles(notes): %v", err)
	}
	want := []string{"notes/a.md", "notes/sub/deep.md", "notes/z.md"}
	if len(scoped) != len(want) {
		t.Fatalf("scoped len = %d, want %d", len(scoped), len(want))
	}
	for i, f := range scoped {
		if f.Path != want[i] {
			t.Errorf("scoped[%d] = %q, want %q", i, f.Path, want[i])
		}
	}

	if _, _, err := s.SoftDeleteFile(ctx, "ws_list", "notes/z.md", time.Hour, now); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}
	live, err := s.ListFiles(ctx, "ws_list", "notes", false)
	if err != nil {
		t.Fatalf("ListFiles after delete: %v", err)
	}
	if len(live) != 2 {
		t.Errorf("live len = %d, want 2", len(live))
	}
	withDeleted, err := s.ListFiles(ctx, "ws_list", "notes", true)
	if err != nil {
		t.Fatalf("ListFiles includeDeleted: %v", err)
	}
	if len(withDeleted) != 3 {
		t.Errorf("includeDeleted len = %d, want 3", len(withDeleted))
	}
}

func TestHardDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_reap")

	mustPutFile(t, s, "ws_reap", "keep.md", "keep")
	expired := mustAppend(t, s, "ws_reap", "expired.md", now,
		ProposedAppend{Type: models.AppendComment, Author: "alice", Text: "one"},
		ProposedAppend{Type: models.AppendComment, Author: "alice", Text: "two"},
	).File

	key := &models.CapabilityKey{
		ID: "ck_expired", WorkspaceID: "ws_reap", KeyHash: "hash-exp", KeyPrefix: "carrel_k",
		Permission: models.PermissionRead, ScopeType: models.ScopeFile, ScopePath: "expired.md",
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if _, _, err := s.SoftDeleteFile(ctx, "ws_reap", "keep.md", time.Hour, now); err != nil {
		t.Fatalf("SoftDeleteFile keep: %v", err)
	}
	if _, _, err := s.SoftDeleteFile(ctx, "ws_reap", "expired.md", time.Minute, now); err != nil {
		t.Fatalf("SoftDeleteFile expired: %v", err)
	}

	reaped, err := s.HardDeleteExpired(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("HardDeleteExpired: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	if _, err := s.GetFileByPath(ctx, "ws_reap", "expired.md"); !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("reaped file still readable: %v", err)
	}
	rows, err := s.ListAppends(ctx, expired.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListAppends: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("appends survived the reap: %d rows", len(rows))
	}
	k, err := s.GetKey(ctx, "ws_reap", "ck_expired")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if !k.Revoked() {
		t.Error("file key not revoked by the reap")
	}

	// keep.md is deleted but inside its window; still recoverable.
	kept, err := s.GetFileByPath(ctx, "ws_reap", "keep.md")
	if err != nil {
		t.Fatalf("GetFileByPath keep: %v", err)
	}
	if !kept.Deleted() {
		t.Error("keep.md should still be soft-deleted")
	}

	again, err := s.HardDeleteExpired(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second reap: %v", err)
	}
	if again != 0 {
		t.Errorf("second reap = %d, want 0", again)
	}
}
