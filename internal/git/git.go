// Package git restricts a run to the files touched between two refs and
// reads file contents pinned at a ref, so patches are computed against the
// head commit rather than a dirty worktree.
package git

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	f "github.com/dredger-dev/dredger/pkg/functional"
)

type commandExecutor interface {
	execute(command string, args ...string) ([]byte, error)
}

type realExecutor struct {
	dir string
}

func newRealExecutor(dir string) commandExecutor {
	return &realExecutor{dir: dir}
}

func (e *realExecutor) execute(command string, args ...string) ([]byte, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = e.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w\n%s", command, strings.Join(args, " "), err, output)
	}
	return output, nil
}

// DiffContext names the two refs compared in changed-only mode.
type DiffContext struct {
	Base       string
	Head       string
	Dir        string
	IgnoreDirs []string
}

// ChangedFiles returns the set of paths added or modified between
// base...head, minus ignored directories and deletions.
func ChangedFiles(context DiffContext) (f.Set[string], error) {
	return changedFiles(context, newRealExecutor(context.Dir))
}

func changedFiles(context DiffContext, executor commandExecutor) (f.Set[string], error) {
	output, err := executor.execute("git", "diff", "-U0", fmt.Sprintf("%s...%s", context.Base, context.Head))
	if err != nil {
		return nil, err
	}
	fileDiffs, err := diff.ParseMultiFileDiff(output)
	if err != nil {
		return nil, err
	}

	changed := f.NewSet[string]()
	for _, d := range fileDiffs {
		name := strings.TrimPrefix(d.NewName, "b/")
		if d.NewName == "/dev/null" {
			// Deleted files have nothing to document.
			continue
		}
		if hasIgnoredPrefix(name, context.IgnoreDirs) {
			continue
		}
		changed.Add(name)
	}
	return changed, nil
}

func hasIgnoredPrefix(path string, dirs []string) bool {
	for _, dir := range dirs {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	return false
}

// RefFileReader reads files as they exist at a specific git ref.
type RefFileReader struct {
	ref      string
	dir      string
	executor commandExecutor
}

func NewRefFileReader(ref string, dir string) *RefFileReader {
	return &RefFileReader{
		ref:      ref,
		dir:      dir,
		executor: newRealExecutor(dir),
	}
}

// ReadFile reads a file's content at the reader's ref.
func (r *RefFileReader) ReadFile(path string) ([]byte, error) {
	path = strings.TrimPrefix(path, "/")
	output, err := r.executor.execute("git", "show", fmt.Sprintf("%s:%s", r.ref, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s from ref %s: %w", path, r.ref, err)
	}
	return output, nil
}

// PathExists reports whether the path exists at the reader's ref.
func (r *RefFileReader) PathExists(path string) bool {
	path = strings.TrimPrefix(path, "/")
	_, err := r.executor.execute("git", "cat-file", "-e", fmt.Sprintf("%s:%s", r.ref, path))
	return err == nil
}

// ResolveRef turns a symbolic ref into a commit SHA.
func ResolveRef(dir string, ref string) (string, error) {
	return resolveRef(newRealExecutor(dir), ref)
}

func resolveRef(executor commandExecutor, ref string) (string, error) {
	output, err := executor.execute("git", "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
