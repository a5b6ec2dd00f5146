// Package extract unpacks uploaded export archives into per-job extract
// directories. Failures leave partially extracted files in place so they can
// be inspected.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrCorruptArchive marks an archive whose central directory or entry
	// data cannot be read.
	ErrCorruptArchive = errors.New("corrupt archive")
	// ErrPathEscape marks an entry whose normalised path would land outside
	// the extract root.
	ErrPathEscape = errors.New("archive entry escapes extract root")
	// ErrCancelled is returned when the cancel flag trips mid-extraction.
	ErrCancelled = errors.New("extraction cancelled")
)

// Progress receives extraction progress every few files and on the final
// file. Percent is computed from uncompressed bytes written, rounded to the
// nearest integer.
type Progress func(filesDone, filesTotal, percent int)

// Options tune a single extraction run.
type Options struct {
	ProgressEvery int // files between progress callbacks, defaults to 10
	OnProgress    Progress
	Cancelled     func() bool // checked before every write
}

// Unpack extracts a .zip archive into destDir. The archive is pre-scanned
// for its total uncompressed size so progress can be reported in bytes
// rather than entry counts.
func Unpack(ctx context.Context, archivePath, destDir string, opts Options) error {
	every := opts.ProgressEvery
	if every <= 0 {
		every = 10
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer reader.Close()

	var totalBytes uint64
	totalFiles := 0
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		totalBytes += f.UncompressedSize64
		totalFiles++
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extract root: %w", err)
	}
	root := filepath.Clean(destDir)

	var doneBytes uint64
	doneFiles := 0
	for _, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Cancelled != nil && opts.Cancelled() {
			return ErrCancelled
		}

		target := filepath.Join(root, filepath.FromSlash(entry.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrPathEscape, entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := writeEntry(entry, target); err != nil {
			return err
		}

		doneFiles++
		doneBytes += entry.UncompressedSize64
		if opts.OnProgress != nil && (doneFiles%every == 0 || doneFiles == totalFiles) {
			opts.OnProgress(doneFiles, totalFiles, percent(doneBytes, totalBytes))
		}
	}

	return nil
}

func writeEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, entry.Name, err)
	}
	defer src.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to extract %s: %w", entry.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	return nil
}

func percent(done, total uint64) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
