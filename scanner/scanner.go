// Package scanner discovers message files below a directory.
package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	MessageSuffix = ".eml"
	MetaSuffix    = ".eml.meta"
	MboxSuffix    = ".mbox"
)

// Scan returns all message files below root.
func Scan(root string) ([]string, error) {
	return ScanSuffix(root, MessageSuffix)
}

// ScanMeta returns all metadata sidecar files below root.
func ScanMeta(root string) ([]string, error) {
	return ScanSuffix(root, MetaSuffix)
}

// ScanMbox returns all mbox files below root.
func ScanMbox(root string) ([]string, error) {
	return ScanSuffix(root, MboxSuffix)
}

// ScanSuffix walks root and returns the regular files whose name ends with
// suffix (case-insensitive). Within a directory its files come first in name
// order, followed by the contents of each subdirectory in name order, so an
// unchanged tree always yields the same sequence. A missing root yields an
// empty result.
func ScanSuffix(root, suffix string) ([]string, error) {
	suffix = strings.ToLower(suffix)

	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, nil
	}

	var found []string
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read directory %s: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		var subdirs []string
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				subdirs = append(subdirs, path)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			if strings.HasSuffix(strings.ToLower(entry.Name()), suffix) {
				found = append(found, path)
			}
		}

		// pushed in reverse so the first subdirectory is visited next
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	return found, nil
}
