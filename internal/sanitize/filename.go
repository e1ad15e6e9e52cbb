// Package sanitize builds safe output file names from episode titles.
package sanitize

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxFilenameLength is the maximum number of runes in the filename base.
	MaxFilenameLength = 120
	// DefaultExt is the default extension used when none is provided.
	DefaultExt = "ts"
	// DefaultName is the replacement name when the title is empty.
	DefaultName = "episode"
)

var (
	unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// ToSafeFilename builds a cross-platform safe filename from title and extension (without dot in ext).
// Titles are truncated on rune boundaries so multi-byte text stays valid UTF-8.
func ToSafeFilename(title, ext string) string {
	name := spaceRuns.ReplaceAllString(title, " ")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, name)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")
	if name == "" {
		name = DefaultName
	}
	if utf8.RuneCountInString(name) > MaxFilenameLength {
		name = strings.TrimRight(string([]rune(name)[:MaxFilenameLength]), " .")
	}
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = DefaultExt
	}
	return filepath.Clean(name + "." + ext)
}
