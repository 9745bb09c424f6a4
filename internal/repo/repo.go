// Package repo supplies the pipeline's repository input: it walks a local
// checkout, filters to configured languages, and slices files into source
// units.
package repo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/boyter/gocodewalker"

	"github.com/dredger-dev/dredger/internal/config"
	f "github.com/dredger-dev/dredger/pkg/functional"
)

// FileReader abstracts where file contents come from: the working tree, or
// a pinned git ref in changed-only mode.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader reads from the working tree under root.
type OSFileReader struct {
	Root string
}

func (r OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(r.Root, path))
}

// File is one repository file selected for documentation.
type File struct {
	Path     string
	Text     string
	Language string
	Lang     config.Language
}

func stripRoot(root string, path string) string {
	if root == "." {
		return path
	}
	return strings.TrimPrefix(path, root+"/")
}

func ignored(path string, globs []string) bool {
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

// ListPaths walks root and returns repo-relative paths of files in
// configured languages, minus ignore globs. Ordering is stable (sorted) so
// unit and chunk indices are reproducible across runs.
func ListPaths(root string, conf *config.Config) ([]string, error) {
	if repoStat, err := os.Lstat(root); err != nil || !repoStat.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}

	fileListQueue := make(chan *gocodewalker.File, 100)

	walker := gocodewalker.NewFileWalker(root, fileListQueue)
	walker.IncludeHidden = false
	walker.ExcludeDirectory = []string{".git"}

	errChan := make(chan error)

	go func() {
		err := walker.Start()
		errChan <- err
		close(errChan)
	}()

	paths := make([]string, 0)
	for file := range fileListQueue {
		path := stripRoot(root, file.Location)
		if ignored(path, conf.Ignore) {
			continue
		}
		if _, _, ok := conf.LanguageFor(path); !ok {
			continue
		}
		paths = append(paths, path)
	}

	if err := <-errChan; err != nil {
		return nil, fmt.Errorf("error walking repo: %w", err)
	}
	slices.Sort(paths)
	return paths, nil
}

// LoadFiles reads the given paths through reader, dropping binaries. A
// read failure is fatal: the candidate set comes from the same tree (or
// diff) the reader serves, so a miss means the run's inputs are
// inconsistent. The only set, when non-nil, restricts paths to that subset.
func LoadFiles(paths []string, conf *config.Config, reader FileReader, only f.Set[string]) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, path := range paths {
		if only != nil && !only.Contains(path) {
			continue
		}
		tag, lang, ok := conf.LanguageFor(path)
		if !ok {
			continue
		}
		raw, err := reader.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if bytes.IndexByte(raw, 0) >= 0 {
			continue
		}
		files = append(files, File{
			Path:     path,
			Text:     string(raw),
			Language: tag,
			Lang:     lang,
		})
	}
	return files, nil
}
