package archiver

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/eml-extract/model"
)

func (a *Archiver) unzip(ctx context.Context, archivePath, destDir string, progress ProgressFunc) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	var total int64
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			total += int64(f.UncompressedSize64)
		}
	}

	var processed int64
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}

		target, err := entryTarget(destDir, zipEntryName(f))
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		n, err := writeEntry(target, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract entry %s: %w", f.Name, err)
		}

		processed += n
		progress(processed, total)
	}
	return nil
}

// zipEntryName decodes legacy entry names. Archives created by Windows
// Explorer on Cyrillic systems store names in CP866 without the UTF-8 flag.
// Some tools also omit the flag for UTF-8 names, so only names that are not
// valid UTF-8 are decoded.
func zipEntryName(f *zip.File) string {
	if !f.NonUTF8 || utf8.ValidString(f.Name) {
		return f.Name
	}
	decoded, err := charmap.CodePage866.NewDecoder().String(f.Name)
	if err != nil {
		return f.Name
	}
	return decoded
}

// Pack compresses every file below srcDir into a ZIP file at archivePath.
// Entry names are the slash-separated paths relative to srcDir; empty
// directories are kept as directory entries. The archive is written to a
// temporary file next to archivePath and renamed on success, so a failed
// or cancelled run never leaves a partial archive behind.
func (a *Archiver) Pack(ctx context.Context, srcDir, archivePath string, progress ProgressFunc) (err error) {
	if progress == nil {
		progress = func(int64, int64) {}
	}

	entries, total, err := collect(srcDir)
	if err != nil {
		return fmt.Errorf("%w: scan %s: %v", model.ErrArchiveFailed, srcDir, err)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("%w: create output directory: %v", model.ErrArchiveFailed, err)
	}

	tmpPath := archivePath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", model.ErrArchiveFailed, tmpPath, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(out)
	var processed int64
	for _, e := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		n, werr := addEntry(zw, e)
		if werr != nil {
			return fmt.Errorf("%w: add %s: %v", model.ErrArchiveFailed, e.name, werr)
		}
		if !e.dir {
			processed += n
			progress(processed, total)
		}
	}

	if cerr := zw.Close(); cerr != nil {
		return fmt.Errorf("%w: finish zip: %v", model.ErrArchiveFailed, cerr)
	}
	if serr := out.Sync(); serr != nil {
		return fmt.Errorf("%w: fsync: %v", model.ErrArchiveFailed, serr)
	}
	if cerr := out.Close(); cerr != nil {
		return fmt.Errorf("%w: close: %v", model.ErrArchiveFailed, cerr)
	}
	if rerr := os.Rename(tmpPath, archivePath); rerr != nil {
		return fmt.Errorf("%w: rename: %v", model.ErrArchiveFailed, rerr)
	}

	if a.logger != nil {
		a.logger.Debug("archive packed", "archive", archivePath, "entries", len(entries), "bytes", total)
	}
	return nil
}

type packEntry struct {
	path string
	name string
	dir  bool
	size int64
}

func collect(srcDir string) ([]packEntry, int64, error) {
	var (
		entries []packEntry
		total   int64
	)
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			empty, err := isEmptyDir(path)
			if err != nil {
				return err
			}
			if empty {
				entries = append(entries, packEntry{path: path, name: name + "/", dir: true})
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, packEntry{path: path, name: name, size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func isEmptyDir(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

func addEntry(zw *zip.Writer, e packEntry) (int64, error) {
	if e.dir {
		_, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		return 0, err
	}

	info, err := os.Stat(e.path)
	if err != nil {
		return 0, err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, err
	}
	header.Name = e.name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(e.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
