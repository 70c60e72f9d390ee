// Package mbox splits mbox mailboxes into individual message files.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/eml-extract/model"
)

// ProgressFunc receives byte progress through the mailbox file.
type ProgressFunc func(processed, total int64)

var fromLine = []byte("From ")

// IsMbox reports whether path looks like an mbox file, either by extension
// or by a leading "From " separator line.
func IsMbox(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".mbox") || strings.EqualFold(filepath.Ext(path), ".mbx") {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, len(fromLine))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, fromLine)
}

type Splitter struct {
	logger *slog.Logger
}

func NewSplitter(logger *slog.Logger) *Splitter {
	return &Splitter{logger: logger}
}

// Split writes every message of the mailbox at path into destDir as
// 000001.eml, 000002.eml, ... and returns the number of messages written.
// Empty messages are skipped. The context is checked before each message.
func (s *Splitter) Split(ctx context.Context, path, destDir string, progress ProgressFunc) (int, error) {
	if progress == nil {
		progress = func(int64, int64) {}
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("mbox %s: %w", path, model.ErrSourceNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat mbox: %w", err)
	}
	total := info.Size()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", destDir, err)
	}

	counter := &countingReader{r: bufio.NewReaderSize(file, 64*1024)}
	reader := mboxlib.NewReader(counter)

	written := 0
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			progress(total, total)
			break
		}
		if err != nil {
			return written, fmt.Errorf("%w: mbox message %d: %v", model.ErrArchiveFailed, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return written, fmt.Errorf("%w: mbox message %d read: %v", model.ErrArchiveFailed, idx, err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		written++
		target := filepath.Join(destDir, fmt.Sprintf("%06d.eml", written))
		if err := os.WriteFile(target, raw, 0o644); err != nil {
			return written - 1, fmt.Errorf("write %s: %w", target, err)
		}
		progress(min(counter.n, total), total)
	}

	if s.logger != nil {
		s.logger.Debug("mbox split", "path", path, "messages", written, "dest", destDir)
	}
	return written, nil
}

// Read iterates the messages of the mailbox at path and calls fn for each.
func Read(path string, fn func(raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
