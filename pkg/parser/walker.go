package parser

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

// skipFile filters out the non-message artifacts that live alongside
// conversation logs in an export tree.
func skipFile(path, name string) bool {
	if name == "title.txt" || name == "metadata.txt" {
		return true
	}
	norm := filepath.ToSlash(path)
	return strings.Contains(norm, "canvas_in_the_conversation") ||
		strings.Contains(norm, "/shares/") ||
		strings.Contains(norm, "/canvases/") ||
		strings.Contains(norm, "/files/")
}

// ResolveRoot locates the export tree inside an extraction directory. Export
// archives usually unpack into a single slack-export-<team>-<ts> directory;
// when channels/ or dms/ sit directly under root no descent is needed.
func ResolveRoot(root string) (string, error) {
	for _, dir := range []string{"channels", "dms"} {
		if fi, err := os.Stat(filepath.Join(root, dir)); err == nil && fi.IsDir() {
			return root, nil
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("failed to read extract root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	for _, d := range dirs {
		if strings.HasPrefix(d, "slack-export") {
			return filepath.Join(root, d), nil
		}
	}
	if len(dirs) == 1 {
		return filepath.Join(root, dirs[0]), nil
	}
	return root, nil
}

// ListFiles returns every conversation file under channels/ and dms/,
// sorted for deterministic emission order.
func (p *Parser) ListFiles(root string) ([]string, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, sub := range []string{"channels", "dms"} {
		dir := filepath.Join(resolved, sub)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(info.Name(), ".txt") {
				return nil
			}
			if skipFile(path, info.Name()) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Walk parses every conversation file under root in order, invoking fn with
// each result and its position. A file whose structure cannot be parsed is
// delivered as a result holding one whole-file failure rather than aborting
// the walk.
func (p *Parser) Walk(ctx context.Context, root string, fn func(res *FileResult, index, total int) error) error {
	files, err := p.ListFiles(root)
	if err != nil {
		return err
	}

	total := len(files)
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := p.ParseFile(path)
		if err != nil {
			p.failureCount++
			res = &FileResult{
				Path: path,
				Failures: []models.FailedImport{{
					FilePath:   path,
					LineNumber: -1,
					Error:      err.Error(),
				}},
			}
		}

		if err := fn(res, i, total); err != nil {
			return err
		}
	}
	return nil
}

// ScanFiles collects attachment metadata from the files/<file_id>/ tree.
// Paths are stored relative to the export root.
func ScanFiles(root string) ([]models.File, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	filesDir := filepath.Join(resolved, "files")
	entries, err := os.ReadDir(filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read files directory: %w", err)
	}

	var out []models.File
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		inner, err := os.ReadDir(filepath.Join(filesDir, id))
		if err != nil {
			continue
		}
		for _, f := range inner {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			out = append(out, models.File{
				ID:       id,
				Name:     name,
				Mimetype: mime.TypeByExtension(filepath.Ext(name)),
				Path:     filepath.ToSlash(filepath.Join("files", id, name)),
			})
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
