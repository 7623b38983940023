// Package docpath validates and normalizes document paths. Paths are relative,
// slash-separated byte strings; there is no filesystem underneath, so the rules
// here are the only thing standing between a request path and a storage key.
//
// The HTTP layer percent-decodes exactly once before calling into this package.
// Nothing here decodes again, so "%2e%2e" that survives one decode is a literal
// segment, not a traversal.
package docpath

import (
	"strings"

	"github.com/carrelhq/carrel/pkg/apierr"
)

// Path limits, enforced after normalization.
const (
	// MaxPathLen is the maximum length of a normalized path in bytes.
	MaxPathLen = 1024
	// MaxSegmentLen is the maximum length of a single path segment in bytes.
	MaxSegmentLen = 255
)

// Normalize validates raw and returns the canonical file path: no leading or
// trailing slash, no duplicate slashes, every segment checked. The empty path
// is invalid for files; folder prefixes go through NormalizeFolder instead.
func Normalize(raw string) (string, error) {
	p, err := normalize(raw)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", apierr.InvalidPath(raw, "empty path")
	}
	return p, nil
}

// NormalizeFolder validates raw as a folder prefix. The empty string (and "/")
// normalize to "" meaning the workspace root.
func NormalizeFolder(raw string) (string, error) {
	return normalize(raw)
}

func normalize(raw string) (string, error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] < 0x20 {
			return "", apierr.InvalidPath(truncate(raw), "control character in path")
		}
	}

	segments := make([]string, 0, 8)
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			// Leading slash, trailing slash, or duplicate slashes collapse away.
			continue
		}
		if seg == "." || seg == ".." {
			return "", apierr.InvalidPath(truncate(raw), "dot segment in path")
		}
		if len(seg) > MaxSegmentLen {
			return "", apierr.InvalidPath(truncate(raw), "path segment too long")
		}
		segments = append(segments, seg)
	}

	p := strings.Join(segments, "/")
	if len(p) > MaxPathLen {
		return "", apierr.InvalidPath(truncate(raw), "path too long")
	}
	return p, nil
}

// truncate caps a raw path for error details so oversized input does not get
// echoed back whole.
func truncate(raw string) string {
	if len(raw) > 128 {
		return raw[:128] + "..."
	}
	return raw
}

// Depth returns the number of segments in a normalized path. The root prefix
// "" has depth 0.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

// Parent returns the folder prefix containing path, or "" for top-level paths.
func Parent(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// Base returns the last segment of a normalized path.
func Base(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// Within reports whether path sits at or under the folder prefix. The root
// prefix contains everything.
func Within(prefix, path string) bool {
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Rebase swaps the prefix of a path during a folder rename. The caller
// guarantees Within(from, path).
func Rebase(from, to, path string) string {
	if from == "" {
		if to == "" {
			return path
		}
		return to + "/" + path
	}
	rest := strings.TrimPrefix(path, from)
	rest = strings.TrimPrefix(rest, "/")
	if to == "" {
		return rest
	}
	if rest == "" {
		return to
	}
	return to + "/" + rest
}

// Join appends a relative path to a folder prefix.
func Join(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	if rel == "" {
		return prefix
	}
	return prefix + "/" + rel
}
