// Package archiver packs a directory into a ZIP file and unpacks ZIP, TAR,
// TAR.GZ and RAR archives into a directory.
//
// Both directions report (processed, total) byte counts after each entry and
// check the context before each entry.
package archiver

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

	"github.com/dhcgn/eml-extract/model"
)

// ProgressFunc receives byte progress. total is <= 0 when unknown.
type ProgressFunc func(processed, total int64)

// Format identifies an archive container.
type Format string

const (
	FormatUnknown Format = ""
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGz   Format = "tar.gz"
	FormatRar     Format = "rar"
)

var errUnsafePath = errors.New("entry escapes destination")

type Archiver struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Archiver {
	return &Archiver{logger: logger}
}

// Detect sniffs the archive format from the leading bytes of path, falling
// back to the file extension.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip, nil
	case bytes.HasPrefix(head, []byte("Rar!\x1a\x07")):
		return FormatRar, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGz, nil
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}

	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	case strings.HasSuffix(lower, ".rar"):
		return FormatRar, nil
	}
	return FormatUnknown, nil
}

// Unpack extracts archivePath into destDir, creating it when absent.
// Directory entries are skipped; parent directories are created as needed.
func (a *Archiver) Unpack(ctx context.Context, archivePath, destDir string, progress ProgressFunc) error {
	if progress == nil {
		progress = func(int64, int64) {}
	}

	format, err := Detect(archivePath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive %s: %w", archivePath, model.ErrSourceNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: detect %s: %v", model.ErrArchiveFailed, archivePath, err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", model.ErrArchiveFailed, destDir, err)
	}

	switch format {
	case FormatZip:
		err = a.unzip(ctx, archivePath, destDir, progress)
	case FormatTar, FormatTarGz:
		err = a.untar(ctx, archivePath, destDir, format == FormatTarGz, progress)
	case FormatRar:
		err = a.unrar(ctx, archivePath, destDir, progress)
	default:
		return fmt.Errorf("%w: unsupported archive format: %s", model.ErrArchiveFailed, archivePath)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: unpack %s: %v", model.ErrArchiveFailed, archivePath, err)
	}

	if a.logger != nil {
		a.logger.Debug("archive unpacked", "archive", archivePath, "format", string(format), "dest", destDir)
	}
	return nil
}

// entryTarget resolves an archive entry name below destDir.
func entryTarget(destDir, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(name, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}
	return filepath.Join(destDir, clean), nil
}

// writeEntry copies r into target, overwriting an existing file.
func writeEntry(target string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriterSize(f, 64*1024)
	n, err := io.Copy(w, r)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// countingReader tracks how many bytes of the underlying archive were read.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
