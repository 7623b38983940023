// Package archive builds zip exports of folder subtrees. Exports are
// buffered so the checksum header can precede the bytes on the wire.
package archive

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrTooLarge is returned when the export's uncompressed input exceeds the
// configured limit.
var ErrTooLarge = errors.New("export exceeds the size limit")

// File is one document to export.
type File struct {
	Path     string
	Content  []byte
	Modified time.Time
}

// Export is a finished zip and the checksum of its exact bytes.
type Export struct {
	Data     []byte
	Checksum string
}

// BuildZip assembles files (and explicit empty folders) into a zip whose
// entry names are relative to prefix. Entries are written in sorted order so
// the same subtree always produces the same bytes and the same checksum.
// maxBytes caps the summed content size; zero or negative disables the cap.
func BuildZip(prefix string, files []File, folders []string, maxBytes int64) (*Export, error) {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Path < sorted[b].Path })

	// Directory entries make the zip unpack into the folder shape the
	// workspace had: one per ancestor of every file, plus the explicit
	// markers. Each carries the newest timestamp seen beneath it.
	dirs := make(map[string]time.Time)
	noteDir := func(name string, mod time.Time) {
		if prev, ok := dirs[name]; !ok || mod.After(prev) {
			dirs[name] = mod
		}
	}
	for _, f := range folders {
		if rel := relativeName(prefix, f); rel != "" {
			noteDir(rel+"/", time.Time{})
		}
	}

	var total int64
	for _, f := range sorted {
		total += int64(len(f.Content))
		if maxBytes > 0 && total > maxBytes {
			return nil, ErrTooLarge
		}
		rel := relativeName(prefix, f.Path)
		for dir := parentDir(rel); dir != ""; dir = parentDir(dir[:len(dir)-1]) {
			noteDir(dir, f.Modified)
		}
	}

	dirNames := make([]string, 0, len(dirs))
	for name := range dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, name := range dirNames {
		header := zip.FileHeader{
			Name:     name,
			Modified: dirs[name],
		}
		if _, err := w.CreateHeader(&header); err != nil {
			return nil, fmt.Errorf("failed to write folder entry %q: %w", name, err)
		}
	}

	for _, f := range sorted {
		rel := relativeName(prefix, f.Path)
		if rel == "" {
			continue
		}
		header := zip.FileHeader{
			Name:     rel,
			Modified: f.Modified,
			Method:   zip.Deflate,
		}
		header.UncompressedSize64 = uint64(len(f.Content))
		dst, err := w.CreateHeader(&header)
		if err != nil {
			return nil, fmt.Errorf("failed to write entry %q: %w", rel, err)
		}
		if _, err := dst.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to write entry %q: %w", rel, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	data := buf.Bytes()
	return &Export{
		Data:     data,
		Checksum: fmt.Sprintf("sha256:%x", sha256.Sum256(data)),
	}, nil
}

// relativeName strips the export prefix from a docpath.
func relativeName(prefix, path string) string {
	if prefix == "" {
		return path
	}
	return strings.TrimPrefix(path, prefix+"/")
}

// parentDir returns the enclosing directory of a relative name with a
// trailing slash, or "" at the top.
func parentDir(rel string) string {
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return ""
	}
	return rel[:idx+1]
}
