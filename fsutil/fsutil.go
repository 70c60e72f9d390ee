// Package fsutil holds the filesystem helpers shared by the pipeline:
// name sanitization, collision-safe directory creation, long path handling
// and idempotent deletes.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxNameLength bounds a sanitized name in bytes. It leaves room for a
	// ".html" extension or a "_<uuid>" collision suffix within the usual
	// 255 byte file name limit.
	MaxNameLength = 200

	// DefaultSubjectLabel prefixes the generated name of a message without subject.
	DefaultSubjectLabel = "Без темы"

	placeholder = '_'
	longPrefix  = `\\?\`
)

// Sanitize makes text usable as a single path element. It trims surrounding
// whitespace, truncates to MaxNameLength bytes on a rune boundary, replaces
// characters that are invalid in file names and strips trailing dots and
// spaces. Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	text = truncate(text, MaxNameLength)
	text = strings.Map(func(r rune) rune {
		if invalidRune(r) {
			return placeholder
		}
		return r
	}, text)

	return strings.TrimRightFunc(text, func(r rune) bool {
		return r == '.' || unicode.IsSpace(r)
	})
}

// SubjectOrDefault returns the sanitized subject, or label followed by a
// fresh unique id when nothing usable is left.
func SubjectOrDefault(subject, label string) string {
	if s := Sanitize(subject); s != "" {
		return s
	}
	if label = Sanitize(label); label == "" {
		label = DefaultSubjectLabel
	}
	return fmt.Sprintf("%s %s", label, uuid.NewString())
}

// LongPath prefixes absolute paths with \\?\ on Windows so that paths longer
// than MAX_PATH can be used. On other systems the path is returned unchanged.
func LongPath(path string) string {
	return longPath(runtime.GOOS, path, filepath.Abs)
}

func longPath(goos, path string, abs func(string) (string, error)) string {
	if goos != "windows" || path == "" || strings.HasPrefix(path, longPrefix) {
		return path
	}
	full, err := abs(path)
	if err != nil {
		return path
	}
	return longPrefix + full
}

// CreateDir creates path. If it already exists a "_<uuid>" suffix is appended
// until an unused name is found. The returned path is the one created; the
// existing directory is never touched.
func CreateDir(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", path, err)
	}

	candidate := path
	for attempt := 0; attempt < 8; attempt++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create directory %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%s", path, uuid.NewString())
	}
	return "", fmt.Errorf("create directory %s: no free name", path)
}

// DeletePaths removes the given files. Missing files are ignored.
func DeletePaths(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("delete %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteDir removes dir recursively. A missing directory is not an error.
func DeleteDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func invalidRune(r rune) bool {
	if r < 0x20 || r == 0x7f {
		return true
	}
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*', utf8.RuneError:
		return true
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
