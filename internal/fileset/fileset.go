// Package fileset turns command line paths into the relative file paths a
// repository tracks.
package fileset

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/filesync/internal/repository"
)

// ErrOutsideRoot is returned for paths that escape the working directory.
var ErrOutsideRoot = errors.New("path is outside the working directory")

// Skipped is an argument that did not produce a tracked file.
type Skipped struct {
	Path   string
	Reason string
}

// Result holds the outcome of Expand.
type Result struct {
	Files   []string
	Skipped []Skipped
}

// Options control Expand.
type Options struct {
	// Root is the absolute working directory used to relativize absolute
	// arguments. Absolute arguments are rejected when it is empty.
	Root string
	// Recursive descends into directories instead of skipping them.
	Recursive bool
}

// Expand resolves args against fsys. Missing paths, directories (unless
// Recursive) and names the repository file cannot hold are reported in
// Skipped. Hidden entries found while descending
// are ignored, as is the repository file itself.
func Expand(fsys billy.Filesystem, args []string, opts Options) (Result, error) {
	var res Result
	seen := make(map[string]bool)
	add := func(p string) {
		if p == repository.FileName || seen[p] {
			return
		}
		if !repository.ValidPath(p) {
			res.Skipped = append(res.Skipped, Skipped{Path: p, Reason: "contains '|' or a line break"})
			return
		}
		seen[p] = true
		res.Files = append(res.Files, p)
	}

	for _, arg := range args {
		rel, err := RelativePath(opts.Root, arg)
		if err != nil {
			return Result{}, err
		}

		info, err := fsys.Lstat(rel)
		if err != nil {
			if os.IsNotExist(err) {
				res.Skipped = append(res.Skipped, Skipped{Path: arg, Reason: "does not exist"})
				continue
			}
			return Result{}, fmt.Errorf("failed to stat %s: %w", arg, err)
		}

		switch {
		case info.Mode().IsRegular():
			add(rel)
		case info.IsDir() && opts.Recursive:
			files, err := discoverAllFiles(fsys, rel)
			if err != nil {
				return Result{}, fmt.Errorf("failed to walk %s: %w", arg, err)
			}
			for _, f := range files {
				add(f)
			}
		case info.IsDir():
			res.Skipped = append(res.Skipped, Skipped{Path: arg, Reason: "is a directory"})
		default:
			res.Skipped = append(res.Skipped, Skipped{Path: arg, Reason: "is not a regular file"})
		}
	}

	return res, nil
}

// discoverAllFiles returns all regular files below dir, sorted, skipping
// hidden files and directories.
func discoverAllFiles(fsys billy.Filesystem, dir string) ([]string, error) {
	var files []string

	err := util.Walk(fsys, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git, .filesync)
		if p != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() {
			files = append(files, repository.CleanPath(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// RelativePath returns target as a clean slash-separated path relative to
// baseDir. Relative targets are taken as already relative to baseDir.
func RelativePath(baseDir, target string) (string, error) {
	p := target
	if filepath.IsAbs(target) {
		if baseDir == "" {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
		}
		rel, err := filepath.Rel(baseDir, target)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
		}
		p = rel
	}

	p = repository.CleanPath(p)
	if p == ".." || strings.HasPrefix(p, "../") || path.IsAbs(p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	return p, nil
}
