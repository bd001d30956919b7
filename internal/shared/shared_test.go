package shared

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeTrackName(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		artist string
		want   string
	}{
		{
			name:   "simple",
			title:  "One More Time",
			artist: "Daft Punk",
			want:   "daft punk - one more time",
		},
		{
			name:   "strips featured artists",
			title:  "Get Lucky",
			artist: "Daft Punk feat. Pharrell Williams",
			want:   "daft punk - get lucky",
		},
		{
			name:   "strips ft abbreviation",
			title:  "Latch",
			artist: "Disclosure ft. Sam Smith",
			want:   "disclosure - latch",
		},
		{
			name:   "strips parenthesized qualifiers",
			title:  "Strobe (Radio Edit)",
			artist: "deadmau5",
			want:   "deadmau5 - strobe",
		},
		{
			name:   "strips bracketed qualifiers",
			title:  "Opus [Extended Mix]",
			artist: "Eric Prydz",
			want:   "eric prydz - opus",
		},
		{
			name:   "drops punctuation and collapses spaces",
			title:  "Around   the World!",
			artist: "Daft, Punk",
			want:   "daft punk - around the world",
		},
		{
			name:   "keeps hyphens",
			title:  "Re-Brazil",
			artist: "Bonobo",
			want:   "bonobo - re-brazil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTrackName(tt.title, tt.artist)
			if got != tt.want {
				t.Errorf("NormalizeTrackName(%q, %q) = %q, want %q", tt.title, tt.artist, got, tt.want)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Warmup Mix", "Warmup Mix"},
		{"slashes", "House / Techno", "House - Techno"},
		{"colon", "Deep: 2026", "Deep- 2026"},
		{"wildcards dropped", "Best*Of?", "BestOf"},
		{"angle brackets become parens", "<Live>", "(Live)"},
		{"trailing dots trimmed", "Mixes...", "Mixes"},
		{"empty falls back", "", "untitled"},
		{"only separators falls back", "...", "untitled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.input); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{"equal", "daft punk - around the world", "daft punk - around the world", 100},
		{"empty left", "", "something", 0},
		{"empty right", "something", "", 0},
		{"one substitution", "kitten", "mitten", 83},
		{"completely different", "abc", "xyz", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Similarity(tt.a, tt.b); got != tt.want {
				t.Errorf("Similarity(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}

	t.Run("near match clears typical threshold", func(t *testing.T) {
		got := Similarity("daft punk - around the world", "daft punk - around the worl")
		if got < 90 {
			t.Errorf("expected a near match above 90, got %d", got)
		}
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "0:00"},
		{59, "0:59"},
		{61, "1:01"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{3725, "1:02:05"},
		{-5, "0:00"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestHashFile(t *testing.T) {
	t.Run("known digest", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sample.txt")
		if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
			t.Fatalf("failed to write sample: %v", err)
		}

		got, err := HashFile(path)
		if err != nil {
			t.Fatalf("HashFile failed: %v", err)
		}
		want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
		if got != want {
			t.Errorf("HashFile = %s, want %s", got, want)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := HashFile(filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Error("expected an error for a missing file")
		}
	})
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Error("expected unique IDs")
	}
	if len(a) != 36 || strings.Count(a, "-") != 4 {
		t.Errorf("unexpected ID shape: %q", a)
	}
}
