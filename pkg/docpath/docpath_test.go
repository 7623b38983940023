package docpath

import (
	"strings"
	"testing"

	"github.com/carrelhq/carrel/pkg/apierr"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"simple", "notes.md", "notes.md", false},
		{"nested", "docs/guides/intro.md", "docs/guides/intro.md", false},
		{"leading slash stripped", "/notes.md", "notes.md", false},
		{"trailing slash stripped", "docs/notes.md/", "docs/notes.md", false},
		{"duplicate slashes collapsed", "docs//notes.md", "docs/notes.md", false},
		{"many slashes", "a///b////c.md", "a/b/c.md", false},
		{"dotdot rejected", "../etc/passwd", "", true},
		{"dotdot inside rejected", "docs/../secret.md", "", true},
		{"dot segment rejected", "docs/./notes.md", "", true},
		{"empty rejected", "", "", true},
		{"only slashes rejected", "///", "", true},
		{"nul rejected", "docs/a\x00b.md", "", true},
		{"control char rejected", "docs/a\x01b.md", "", true},
		{"tab rejected", "docs/a\tb.md", "", true},
		{"decoded dotdot rejected", "..", "", true},
		{"literal percent kept", "docs/%2e%2e/notes.md", "docs/%2e%2e/notes.md", false},
		{"unicode kept", "docs/日本語.md", "docs/日本語.md", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) expected error, got %q", tt.raw, got)
				}
				if !apierr.IsCode(err, apierr.CodeInvalidPath) {
					t.Errorf("Normalize(%q) error code = %v, want INVALID_PATH", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeLimits(t *testing.T) {
	longSegment := strings.Repeat("a", MaxSegmentLen)
	if _, err := Normalize(longSegment); err != nil {
		t.Errorf("segment at limit should pass: %v", err)
	}
	if _, err := Normalize(longSegment + "a"); err == nil {
		t.Error("segment over limit should fail")
	}

	under := longSegment + "/" + strings.Repeat("b", MaxSegmentLen)
	if _, err := Normalize(under); err != nil {
		t.Errorf("path under limit should pass: %v", err)
	}

	// Five max-size segments normalize to 1279 bytes, over MaxPathLen.
	over := strings.Join([]string{longSegment, longSegment, longSegment, longSegment, longSegment}, "/")
	if _, err := Normalize(over); err == nil {
		t.Error("path over limit should fail")
	}
}

func TestNormalizeFolder(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"/", "", false},
		{"docs", "docs", false},
		{"docs/guides/", "docs/guides", false},
		{"../x", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeFolder(tt.raw)
		if tt.wantErr != (err != nil) {
			t.Errorf("NormalizeFolder(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeFolder(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	if got := Depth(""); got != 0 {
		t.Errorf("Depth(\"\") = %d, want 0", got)
	}
	if got := Depth("a/b/c.md"); got != 3 {
		t.Errorf("Depth = %d, want 3", got)
	}
	if got := Parent("a/b/c.md"); got != "a/b" {
		t.Errorf("Parent = %q, want %q", got, "a/b")
	}
	if got := Parent("c.md"); got != "" {
		t.Errorf("Parent top-level = %q, want empty", got)
	}
	if got := Base("a/b/c.md"); got != "c.md" {
		t.Errorf("Base = %q, want %q", got, "c.md")
	}

	if !Within("", "anything/at/all.md") {
		t.Error("root prefix should contain everything")
	}
	if !Within("docs", "docs/a.md") {
		t.Error("docs should contain docs/a.md")
	}
	if Within("docs", "docsx/a.md") {
		t.Error("docs should not contain docsx/a.md")
	}
	if !Within("docs", "docs") {
		t.Error("prefix should contain itself")
	}
}

func TestRebase(t *testing.T) {
	tests := []struct {
		from, to, path, want string
	}{
		{"docs", "archive", "docs/a.md", "archive/a.md"},
		{"docs", "archive", "docs", "archive"},
		{"docs/sub", "top", "docs/sub/deep/x.md", "top/deep/x.md"},
		{"", "pre", "a.md", "pre/a.md"},
		{"docs", "", "docs/a.md", "a.md"},
	}
	for _, tt := range tests {
		if got := Rebase(tt.from, tt.to, tt.path); got != tt.want {
			t.Errorf("Rebase(%q, %q, %q) = %q, want %q", tt.from, tt.to, tt.path, got, tt.want)
		}
	}
}
