package store

import (
	"context"
	"strings"
	"time"
)

// SearchMatch locates one hit inside a file: either a content line or an
// append.
type SearchMatch struct {
	In       string `json:"in"`
	Line     int    `json:"line,omitempty"`
	AppendID string `json:"appendId,omitempty"`
	Snippet  string `json:"snippet"`
}

// SearchResult is one matching file with the hits that put it there.
type SearchResult struct {
	Path      string        `json:"path"`
	ETag      string        `json:"etag"`
	SizeBytes int64         `json:"sizeBytes"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Matches   []SearchMatch `json:"matches"`
}

const maxSnippetLen = 200

// Search scans live file contents and append texts under prefix for a
// case-insensitive substring. Results come back in path order; maxResults
// caps the number of files returned, zero meaning no cap.
func (s *Store) Search(ctx context.Context, workspaceID, prefix, query string, maxResults int) ([]SearchResult, error) {
	needle := strings.ToLower(query)
	files, err := s.ListFiles(ctx, workspaceID, prefix, false)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, f := range files {
		if maxResults > 0 && len(results) >= maxResults {
			break
		}
		var matches []SearchMatch
		for i, line := range strings.Split(f.Content, "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, SearchMatch{
					In:      "content",
					Line:    i + 1,
					Snippet: snippet(line),
				})
			}
		}
		if f.AppendSeq > 0 {
			appends, err := s.ListAppends(ctx, f.ID, 0, 0)
			if err != nil {
				return nil, err
			}
			for _, a := range appends {
				if strings.Contains(strings.ToLower(a.Text), needle) {
					matches = append(matches, SearchMatch{
						In:       "append",
						AppendID: a.AppendID(),
						Snippet:  snippet(a.Text),
					})
				}
			}
		}
		if len(matches) > 0 {
			results = append(results, SearchResult{
				Path:      f.Path,
				ETag:      f.ETag,
				SizeBytes: f.SizeBytes,
				UpdatedAt: f.UpdatedAt,
				Matches:   matches,
			})
		}
	}
	return results, nil
}

// snippet bounds a matched line for the wire.
func snippet(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > maxSnippetLen {
		return line[:maxSnippetLen]
	}
	return line
}
