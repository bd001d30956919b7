// package shared defines helpers used across the cratesync packages:
// logging, ID generation, name normalization, and file hashing.
package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new [log.Logger] instance with the specified [io.Writer], with timestamps and caller reporting enabled.
//
// The writer defaults to [os.Stderr]
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// NewRotatingWriter returns a size-capped, self-rotating log sink at path.
func NewRotatingWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
	}
}

// WithLogger creates a child [log.Logger] with the specified key-value pairs added to all log entries.
func WithLogger(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}

// SetLogLevel sets the [log.Level] for the given [log.Logger].
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// GenerateID generates a new v4 [uuid.UUID] as a string
func GenerateID() string {
	return uuid.New().String()
}

var (
	featPattern   = regexp.MustCompile(`(?i)\s*(feat\.?|featuring|ft\.?)\s+.*`)
	parenPattern  = regexp.MustCompile(`\s*\([^)]*\)\s*`)
	brackPattern  = regexp.MustCompile(`\s*\[[^\]]*\]\s*`)
	punctPattern  = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)
	spacesPattern = regexp.MustCompile(`\s+`)
)

// NormalizeTrackName produces the canonical "artist - title" form used for
// fuzzy matching: featured-artist suffixes, parenthesized qualifiers, and
// punctuation stripped, case folded, whitespace collapsed.
func NormalizeTrackName(title, artist string) string {
	a := featPattern.ReplaceAllString(artist, "")
	t := parenPattern.ReplaceAllString(title, " ")
	t = brackPattern.ReplaceAllString(t, " ")
	a = punctPattern.ReplaceAllString(a, "")
	t = punctPattern.ReplaceAllString(t, "")
	a = spacesPattern.ReplaceAllString(strings.TrimSpace(strings.ToLower(a)), " ")
	t = spacesPattern.ReplaceAllString(strings.TrimSpace(strings.ToLower(t)), " ")
	return a + " - " + t
}

// SanitizeName maps a playlist name to a filesystem-safe directory name.
// The mapping is deterministic so repeated runs land in the same directory.
func SanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-", "\\", "-", ":", "-", "*", "", "?", "",
		"\"", "'", "<", "(", ">", ")", "|", "-",
	)
	s := replacer.Replace(name)
	s = strings.Trim(strings.TrimSpace(s), ".")
	if s == "" {
		s = "untitled"
	}
	return s
}

// FormatDuration renders seconds as M:SS or H:MM:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// HashFile computes the SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Similarity returns the normalized Levenshtein similarity of two strings as
// a percentage in [0, 100]. Equal strings score 100.
func Similarity(a, b string) int {
	if a == b {
		return 100
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	dist := prev[len(rb)]
	longer := len(ra)
	if len(rb) > longer {
		longer = len(rb)
	}
	return (longer - dist) * 100 / longer
}
