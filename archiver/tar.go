package archiver

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nwaples/rardecode/v2"
)

// openCounted opens path and returns a reader that counts consumed archive
// bytes together with the archive size.
func openCounted(path string) (*os.File, *countingReader, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return f, &countingReader{r: bufio.NewReaderSize(f, 64*1024)}, info.Size(), nil
}

// untar extracts plain and gzip-compressed tar archives. Progress is
// measured against the compressed archive size.
func (a *Archiver) untar(ctx context.Context, archivePath, destDir string, gz bool, progress ProgressFunc) error {
	f, counter, total, err := openCounted(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = counter
	if gz {
		zr, err := gzip.NewReader(counter)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			progress(total, total)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		target, err := entryTarget(destDir, hdr.Name)
		if err != nil {
			return err
		}
		if _, err := writeEntry(target, tr); err != nil {
			return fmt.Errorf("extract entry %s: %w", hdr.Name, err)
		}
		progress(min(counter.n, total), total)
	}
}

func (a *Archiver) unrar(ctx context.Context, archivePath, destDir string, progress ProgressFunc) error {
	f, counter, total, err := openCounted(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	rr, err := rardecode.NewReader(counter)
	if err != nil {
		return fmt.Errorf("open rar: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := rr.Next()
		if errors.Is(err, io.EOF) {
			progress(total, total)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rar header: %w", err)
		}
		if hdr.IsDir {
			continue
		}

		target, err := entryTarget(destDir, hdr.Name)
		if err != nil {
			return err
		}
		if _, err := writeEntry(target, rr); err != nil {
			return fmt.Errorf("extract entry %s: %w", hdr.Name, err)
		}
		progress(min(counter.n, total), total)
	}
}
