package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carrelhq/carrel/pkg/models"
)

func TestFolderMarkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws_markers")

	if _, err := s.CreateFolderMarker(ctx, "ws_markers", "docs"); err != nil {
		t.Fatalf("CreateFolderMarker: %v", err)
	}
	if _, err := s.CreateFolderMarker(ctx, "ws_markers", "docs"); !errors.Is(err, models.ErrDuplicateFolder) {
		t.Errorf("duplicate marker = %v, want ErrDuplicateFolder", err)
	}
	if _, err := s.CreateFolderMarker(ctx, "ws_markers", "docs/sub"); err != nil {
		t.Fatalf("CreateFolderMarker sub: %v", err)
	}
	if _, err := s.CreateFolderMarker(ctx, "ws_markers", "other"); err != nil {
		t.Fatalf("CreateFolderMarker other: %v", err)
	}

	all, err := s.ListFolderMarkers(ctx, "ws_markers", "")
	if err != nil {
		t.Fatalf("ListFolderMarkers: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}

	// Under a prefix the marker at the prefix itself is not its own child.
	under, err := s.ListFolderMarkers(ctx, "ws_markers", "docs")
	if err != nil {
		t.Fatalf("ListFolderMarkers(docs): %v", err)
	}
	if len(under) != 1 || under[0].Path != "docs/sub" {
		t.Errorf("markers under docs = %v, want [docs/sub]", markerPaths(under))
	}
}

func markerPaths(markers []*models.Folder) []string {
	out := make([]string, len(markers))
	for i, m := range markers {
		out[i] = m.Path
	}
	return out
}

func TestFolderExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_exists")

	if _, err := s.CreateFolderMarker(ctx, "ws_exists", "docs"); err != nil {
		t.Fatalf("CreateFolderMarker: %v", err)
	}
	mustPutFile(t, s, "ws_exists", "proj/readme.md", "hi")
	mustPutFile(t, s, "ws_exists", "ghost/a.md", "x")
	if _, _, err := s.SoftDeleteFile(ctx, "ws_exists", "ghost/a.md", time.Hour, now); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{"", true},          // root always exists
		{"docs", true},      // explicit marker
		{"proj", true},      // implied by a live file
		{"nope", false},     // nothing there
		{"ghost", false},    // only a soft-deleted file inside
		{"proj/sub", false}, // file is a sibling, not a child
	}
	for _, tc := range cases {
		got, err := s.FolderExists(ctx, "ws_exists", tc.path)
		if err != nil {
			t.Fatalf("FolderExists(%q): %v", tc.path, err)
		}
		if got != tc.want {
			t.Errorf("FolderExists(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestRenameFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_mvdir")

	mustPutFile(t, s, "ws_mvdir", "a/doc.md", "doc")
	mustPutFile(t, s, "ws_mvdir", "a/sub/deep.md", "deep")
	mustPutFile(t, s, "ws_mvdir", "a/dead.md", "dead")
	if _, _, err := s.SoftDeleteFile(ctx, "ws_mvdir", "a/dead.md", time.Hour, now); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}
	if _, err := s.CreateFolderMarker(ctx, "ws_mvdir", "a"); err != nil {
		t.Fatalf("CreateFolderMarker a: %v", err)
	}
	if _, err := s.CreateFolderMarker(ctx, "ws_mvdir", "a/empty"); err != nil {
		t.Fatalf("CreateFolderMarker a/empty: %v", err)
	}

	folderKey := &models.CapabilityKey{
		ID: "ck_folder", WorkspaceID: "ws_mvdir", KeyHash: "hash-folder", KeyPrefix: "carrel_k",
		Permission: models.PermissionAppend, ScopeType: models.ScopeFolder, ScopePath: "a",
	}
	fileKey := &models.CapabilityKey{
		ID: "ck_nested", WorkspaceID: "ws_mvdir", KeyHash: "hash-nested", KeyPrefix: "carrel_k",
		Permission: models.PermissionRead, ScopeType: models.ScopeFile, ScopePath: "a/doc.md",
	}
	if err := s.CreateKeys(ctx, []*models.CapabilityKey{folderKey, fileKey}); err != nil {
		t.Fatalf("CreateKeys: %v", err)
	}

	moved, err := s.RenameFolder(ctx, "ws_mvdir", "a", "b")
	if err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}
	// Soft-deleted rows move too, so recovery lands at the new path.
	if moved != 3 {
		t.Errorf("moved = %d, want 3", moved)
	}

	if _, err := s.GetFileByPath(ctx, "ws_mvdir", "b/doc.md"); err != nil {
		t.Errorf("b/doc.md missing after rename: %v", err)
	}
	if _, err := s.GetFileByPath(ctx, "ws_mvdir", "b/sub/deep.md"); err != nil {
		t.Errorf("b/sub/deep.md missing after rename: %v", err)
	}
	dead, err := s.GetFileByPath(ctx, "ws_mvdir", "b/dead.md")
	if err != nil {
		t.Fatalf("b/dead.md missing after rename: %v", err)
	}
	if !dead.Deleted() {
		t.Error("moved file lost its deleted flag")
	}
	if _, err := s.GetFileByPath(ctx, "ws_mvdir", "a/doc.md"); !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("old path still resolves: %v", err)
	}

	markers, err := s.ListFolderMarkers(ctx, "ws_mvdir", "")
	if err != nil {
		t.Fatalf("ListFolderMarkers: %v", err)
	}
	got := markerPaths(markers)
	if len(got) != 2 || got[0] != "b" || got[1] != "b/empty" {
		t.Errorf("markers after rename = %v, want [b b/empty]", got)
	}

	fk, err := s.GetKey(ctx, "ws_mvdir", "ck_folder")
	if err != nil {
		t.Fatalf("GetKey folder: %v", err)
	}
	if fk.ScopePath != "b" {
		t.Errorf("folder key scope = %q, want b", fk.ScopePath)
	}
	nk, err := s.GetKey(ctx, "ws_mvdir", "ck_nested")
	if err != nil {
		t.Fatalf("GetKey nested: %v", err)
	}
	if nk.ScopePath != "b/doc.md" {
		t.Errorf("nested key scope = %q, want b/doc.md", nk.ScopePath)
	}

	t.Run("missing source", func(t *testing.T) {
		if _, err := s.RenameFolder(ctx, "ws_mvdir", "ghost", "x"); !errors.Is(err, models.ErrFolderNotFound) {
			t.Errorf("got %v, want ErrFolderNotFound", err)
		}
	})

	t.Run("destination exists", func(t *testing.T) {
		if _, err := s.CreateFolderMarker(ctx, "ws_mvdir", "occupied"); err != nil {
			t.Fatalf("CreateFolderMarker: %v", err)
		}
		if _, err := s.RenameFolder(ctx, "ws_mvdir", "b", "occupied"); !errors.Is(err, models.ErrDuplicateFolder) {
			t.Errorf("got %v, want ErrDuplicateFolder", err)
		}
	})
}

func TestDeleteFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_rmdir")

	mustPutFile(t, s, "ws_rmdir", "trash/a.md", "a")
	mustPutFile(t, s, "ws_rmdir", "trash/sub/b.md", "b")
	mustPutFile(t, s, "ws_rmdir", "trash/gone.md", "g")
	mustPutFile(t, s, "ws_rmdir", "outside.md", "o")
	if _, _, err := s.SoftDeleteFile(ctx, "ws_rmdir", "trash/gone.md", time.Hour, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("SoftDeleteFile: %v", err)
	}
	if _, err := s.CreateFolderMarker(ctx, "ws_rmdir", "trash"); err != nil {
		t.Fatalf("CreateFolderMarker: %v", err)
	}
	key := &models.CapabilityKey{
		ID: "ck_survivor", WorkspaceID: "ws_rmdir", KeyHash: "hash-surv", KeyPrefix: "carrel_k",
		Permission: models.PermissionRead, ScopeType: models.ScopeFile, ScopePath: "trash/a.md",
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if _, err := s.DeleteFolder(ctx, "ws_rmdir", "trash", false, time.Hour, now); !errors.Is(err, models.ErrFolderNotEmpty) {
		t.Fatalf("delete without cascade = %v, want ErrFolderNotEmpty", err)
	}

	deleted, err := s.DeleteFolder(ctx, "ws_rmdir", "trash", true, time.Hour, now)
	if err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	// Only live rows get stamped; gone.md already was deleted.
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	a, err := s.GetFileByPath(ctx, "ws_rmdir", "trash/a.md")
	if err != nil {
		t.Fatalf("GetFileByPath: %v", err)
	}
	if !a.Deleted() || !a.DeleteExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("trash/a.md not stamped: deleted=%v expires=%v", a.Deleted(), a.DeleteExpiresAt)
	}
	gone, err := s.GetFileByPath(ctx, "ws_rmdir", "trash/gone.md")
	if err != nil {
		t.Fatalf("GetFileByPath gone: %v", err)
	}
	if !gone.DeleteExpiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("earlier deadline moved: %v", gone.DeleteExpiresAt)
	}

	// Markers are gone, files are gone: the folder no longer exists.
	exists, err := s.FolderExists(ctx, "ws_rmdir", "trash")
	if err != nil {
		t.Fatalf("FolderExists: %v", err)
	}
	if exists {
		t.Error("trash still exists after delete")
	}

	// File keys follow their files into retention rather than dying here.
	k, err := s.GetKey(ctx, "ws_rmdir", "ck_survivor")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if k.Revoked() {
		t.Error("file key revoked by folder delete")
	}

	outside, err := s.GetFileByPath(ctx, "ws_rmdir", "outside.md")
	if err != nil {
		t.Fatalf("GetFileByPath outside: %v", err)
	}
	if outside.Deleted() {
		t.Error("file outside the folder was deleted")
	}

	if _, err := s.DeleteFolder(ctx, "ws_rmdir", "ghost", true, time.Hour, now); !errors.Is(err, models.ErrFolderNotFound) {
		t.Errorf("delete of missing folder = %v, want ErrFolderNotFound", err)
	}
}

func TestDeleteEmptyFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_rmempty")

	if _, err := s.CreateFolderMarker(ctx, "ws_rmempty", "drafts"); err != nil {
		t.Fatalf("CreateFolderMarker: %v", err)
	}

	// No cascade needed when nothing lives under the marker.
	deleted, err := s.DeleteFolder(ctx, "ws_rmempty", "drafts", false, time.Hour, now)
	if err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}

	exists, err := s.FolderExists(ctx, "ws_rmempty", "drafts")
	if err != nil {
		t.Fatalf("FolderExists: %v", err)
	}
	if exists {
		t.Error("drafts still exists after delete")
	}
}
