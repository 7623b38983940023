// Package markdown provides the read-side analysis of stored documents:
// heading structure, section extraction, tail windows and YAML frontmatter.
// Documents are treated as plain text with ATX headings; no rendering happens
// here or anywhere else in the server.
package markdown

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Heading is one ATX heading found in a document.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Line  int    `json:"line"`
}

// Structure scans content for ATX headings ("#" through "######"). Headings
// inside fenced code blocks do not count. Line numbers are 1-based.
func Structure(content string) []Heading {
	headings := []Heading{}
	inFence := false
	fenceMarker := ""

	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimLeft(line, " \t")

		if marker := fenceOf(trimmed); marker != "" {
			if !inFence {
				inFence = true
				fenceMarker = marker
			} else if strings.HasPrefix(trimmed, fenceMarker) {
				inFence = false
			}
			continue
		}
		if inFence {
			continue
		}

		level, text, ok := parseHeading(line)
		if !ok {
			continue
		}
		headings = append(headings, Heading{Level: level, Text: text, Line: i + 1})
	}
	return headings
}

// fenceOf returns the opening fence marker ("```" or "~~~") if the line
// starts one, else "".
func fenceOf(trimmed string) string {
	if strings.HasPrefix(trimmed, "```") {
		return "```"
	}
	if strings.HasPrefix(trimmed, "~~~") {
		return "~~~"
	}
	return ""
}

// parseHeading parses an ATX heading line. The hash run must be 1-6 long and
// followed by a space or the end of the line.
func parseHeading(line string) (int, string, bool) {
	s := line
	level := 0
	for level < len(s) && s[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, "", false
	}
	rest := s[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, "", false
	}
	text := strings.TrimSpace(rest)
	// Trailing hash runs are decoration, not content.
	text = strings.TrimRight(text, "#")
	text = strings.TrimRight(text, " \t")
	return level, text, true
}

// Section returns the slice of content from the heading whose text exactly
// matches name through the line before the next heading of the same or a
// shallower level. The match is case-sensitive. Returns false when no heading
// matches.
func Section(content, name string) (string, bool) {
	lines := strings.Split(content, "\n")
	headings := Structure(content)

	for i, h := range headings {
		if h.Text != name {
			continue
		}
		start := h.Line - 1
		end := len(lines)
		for _, next := range headings[i+1:] {
			if next.Level <= h.Level {
				end = next.Line - 1
				break
			}
		}
		return strings.Join(lines[start:end], "\n"), true
	}
	return "", false
}

// Tail returns the last n lines of content and whether anything was cut off.
func Tail(content string, n int) (string, bool) {
	if n <= 0 {
		return "", len(content) > 0
	}
	lines := strings.Split(content, "\n")
	if len(lines) <= n {
		return content, false
	}
	return strings.Join(lines[len(lines)-n:], "\n"), true
}

// TailBytes returns the last n bytes of content, snapped forward to the next
// line boundary so the window never starts mid-line, and whether anything was
// cut off.
func TailBytes(content string, n int) (string, bool) {
	if n <= 0 {
		return "", len(content) > 0
	}
	if len(content) <= n {
		return content, false
	}
	tail := content[len(content)-n:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail, true
}

// Frontmatter splits a leading YAML frontmatter block from content. The block
// opens with "---" on the first line and closes with "---" or "...". Returns
// the parsed mapping (nil when absent or unparseable) and the body after the
// block. Broken YAML is not an error: the document simply reads as having no
// frontmatter.
func Frontmatter(content string) (map[string]any, string) {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return nil, content
	}

	rest := strings.TrimPrefix(content, "---\n")
	end := -1
	offset := 0
	for {
		idx := strings.Index(rest[offset:], "\n")
		lineStart := offset
		var line string
		if idx < 0 {
			line = rest[offset:]
		} else {
			line = rest[offset : offset+idx]
		}
		if line == "---" || line == "..." {
			end = lineStart
			break
		}
		if idx < 0 {
			break
		}
		offset += idx + 1
	}
	if end < 0 {
		return nil, content
	}

	block := rest[:end]
	body := rest[end:]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}

	var meta map[string]any
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil || meta == nil {
		return nil, content
	}
	return meta, body
}
