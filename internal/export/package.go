// Package export consumes a lazy line sequence, materializes a
// newline-delimited JSON file, and compresses it into a ZIP archive
// suitable for upload to object storage.
package export

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// ErrEmptyArchiveName and ErrEmptyNDJSONName guard against building an
// archive with no meaningful entry name.
var (
	ErrEmptyArchiveName = errors.New("export: archive name must not be empty")
	ErrEmptyNDJSONName  = errors.New("export: ndjson file name must not be empty")
)

// Result is the handle returned by Package: Path is a persistent temporary
// file that outlives the call, and Cleanup removes every temporary
// resource Package created. Cleanup is the caller's responsibility,
// typically scheduled for after the response carrying Path has been sent.
type Result struct {
	Path    string
	Cleanup func() error
}

// Package consumes lines, writing each one verbatim followed by "\n" into
// a temporary file named ndjsonName, then packs that single file into a
// deflate-compressed ZIP archive named archiveName. The ZIP is copied to a
// second, persistent temporary file so the caller can read it after the
// working directory used during packaging is gone.
//
// Lines is read to exhaustion or until ctx is cancelled; the returned
// error wraps ctx.Err() when cancellation cut the read short.
func Package(ctx context.Context, lines iter.Seq[string], archiveName, ndjsonName string) (*Result, error) {
	if archiveName == "" {
		return nil, ErrEmptyArchiveName
	}

	if ndjsonName == "" {
		return nil, ErrEmptyNDJSONName
	}

	workDir, err := os.MkdirTemp("", "userprops-export-*")
	if err != nil {
		return nil, fmt.Errorf("export: creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	ndjsonPath, err := writeNDJSON(ctx, workDir, ndjsonName, lines)
	if err != nil {
		return nil, err
	}

	persistentPath, err := packZip(workDir, archiveName, ndjsonName, ndjsonPath)
	if err != nil {
		return nil, err
	}

	cleanup := func() error {
		return os.Remove(persistentPath)
	}

	return &Result{Path: persistentPath, Cleanup: cleanup}, nil
}

// writeNDJSON writes one JSON line per line of input, each followed by a
// trailing newline, into workDir/name. It is not responsible for
// validating that each line is actually valid JSON — the caller already
// produced JSON text; this is a pure sink.
func writeNDJSON(ctx context.Context, workDir, name string, lines iter.Seq[string]) (string, error) {
	path := workDir + string(os.PathSeparator) + name

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: creating ndjson file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	for line := range lines {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("export: %w", err)
		}

		if _, err := w.WriteString(line); err != nil {
			return "", fmt.Errorf("export: writing line: %w", err)
		}

		if _, err := w.WriteString("\n"); err != nil {
			return "", fmt.Errorf("export: writing line: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("export: flushing ndjson file: %w", err)
	}

	return path, nil
}

// packZip packs ndjsonPath into a single-entry deflate-compressed archive
// under workDir, then copies it to a persistent temp file (outside
// workDir, which the caller tears down) and returns that path.
func packZip(workDir, archiveName, entryName, ndjsonPath string) (string, error) {
	zipPath := workDir + string(os.PathSeparator) + archiveName

	if err := writeZipEntry(zipPath, entryName, ndjsonPath); err != nil {
		return "", err
	}

	persistent, err := os.CreateTemp("", "userprops-export-*.zip")
	if err != nil {
		return "", fmt.Errorf("export: creating persistent archive file: %w", err)
	}
	defer persistent.Close()

	if err := copyFile(persistent.Name(), zipPath); err != nil {
		os.Remove(persistent.Name())

		return "", err
	}

	return persistent.Name(), nil
}

func writeZipEntry(zipPath, entryName, sourcePath string) error {
	zf, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("export: creating zip file: %w", err)
	}
	defer zf.Close()

	zw := zip.NewWriter(zf)

	entry, err := zw.CreateHeader(&zip.FileHeader{Name: entryName, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("export: creating zip entry: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("export: opening ndjson file: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("export: writing zip entry: %w", err)
	}

	return zw.Close()
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("export: opening zip: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("export: creating persistent archive: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("export: copying archive: %w", err)
	}

	return out.Close()
}
