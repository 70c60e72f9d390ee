// Package saver writes extracted message content to a directory tree.
package saver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/eml-extract/fsutil"
	"github.com/dhcgn/eml-extract/model"
)

const maxParallelWrites = 4

type Saver struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Saver {
	return &Saver{logger: logger}
}

type file struct {
	name string
	data []byte
}

// Persist writes content below root in a directory named after its subject
// and returns that directory. An empty subject is skipped and yields "".
// The body files and attachments are written concurrently; an empty part is
// simply not written.
func (s *Saver) Persist(ctx context.Context, content model.Content, root string) (string, error) {
	if content.Subject == "" {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir, err := fsutil.CreateDir(fsutil.LongPath(filepath.Join(root, content.Subject)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrPersistFailed, err)
	}

	files := plan(content)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWrites)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, f.name)
			if err := os.WriteFile(path, f.data, 0o644); err != nil {
				return fmt.Errorf("%w: write %s: %v", model.ErrPersistFailed, f.name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dir, err
	}

	if s.logger != nil {
		s.logger.Debug("message persisted", "dir", dir, "files", len(files))
	}
	return dir, nil
}

// plan lists the files to write. Names are resolved up front so that
// concurrent writers never race on the same path.
func plan(content model.Content) []file {
	used := make(map[string]bool)
	var files []file

	add := func(name string, data []byte) {
		if len(data) == 0 || name == "" {
			return
		}
		name = uniqueName(name, used)
		used[strings.ToLower(name)] = true
		files = append(files, file{name: name, data: data})
	}

	add(content.Subject+".txt", []byte(content.PlainText))
	add(content.Subject+".html", []byte(content.HTML))
	add(content.Subject+".meta", content.Meta)
	for _, att := range content.Attachments {
		add(att.FileName, att.Content)
	}
	return files
}

func uniqueName(name string, used map[string]bool) string {
	if !used[strings.ToLower(name)] {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if !used[strings.ToLower(candidate)] {
			return candidate
		}
	}
}
