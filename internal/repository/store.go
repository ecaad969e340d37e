package repository

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/filesync/internal/fingerprint"
)

// ErrNotInitialized is returned by Load when no backing file exists.
var ErrNotInitialized = errors.New("no filesync repository here, run 'filesync init' first")

// WriteError reports that the backing file could not be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("could not write filesync repository %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store loads and saves a Repository from a backing file on fsys. The
// loaded repository is memoized, so every command in one invocation works
// on the same value.
type Store struct {
	fs     billy.Filesystem
	name   string
	repo   *Repository
	loaded bool
}

// NewStore returns a store for the default backing file on fsys.
func NewStore(fsys billy.Filesystem) *Store {
	return &Store{fs: fsys, name: FileName}
}

// Path returns the backing file name relative to the store's filesystem.
func (s *Store) Path() string {
	return s.name
}

// Load returns the repository, reading the backing file on first use.
func (s *Store) Load() (*Repository, error) {
	if s.loaded {
		return s.repo, nil
	}

	f, err := s.fs.Open(s.name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to open %s: %w", s.name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	repo, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.name, err)
	}

	s.repo = repo
	s.loaded = true
	return repo, nil
}

// Create replaces any existing state with repo and writes it.
func (s *Store) Create(repo *Repository) error {
	repo.dirty = true
	s.repo = repo
	s.loaded = true
	return s.Save(repo)
}

// Save writes repo if it changed since it was loaded or last saved.
func (s *Store) Save(repo *Repository) error {
	if !repo.dirty {
		return nil
	}

	var buf bytes.Buffer
	if err := Encode(&buf, repo); err != nil {
		return err
	}

	if err := util.WriteFile(s.fs, s.name, buf.Bytes(), 0644); err != nil {
		return &WriteError{Path: s.name, Err: err}
	}

	repo.dirty = false
	return nil
}

// Parse reads the line-oriented repository format. Unrecognized lines are
// ignored.
func Parse(r io.Reader) (*Repository, error) {
	repo := &Repository{files: []TrackedFile{}}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if v, ok := field(line, "Server:"); ok {
			repo.server = v
		} else if v, ok := field(line, "HomeDir:"); ok {
			repo.homeDir = v
		} else if v, ok := field(line, "Protocol:"); ok {
			repo.protocol = Protocol(leadingInt(v))
		} else if v, ok := field(line, "Username:"); ok {
			repo.user = v
		} else if v, ok := field(line, "File:"); ok {
			name, sum, found := strings.Cut(v, "|")
			if !found {
				continue
			}
			repo.appendParsed(name, fingerprint.Value(sum))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return repo, nil
}

// Encode writes repo in the line-oriented repository format.
func Encode(w io.Writer, repo *Repository) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "Server: %s\n", repo.server)
	fmt.Fprintf(bw, "HomeDir: %s\n", repo.homeDir)
	fmt.Fprintf(bw, "Protocol: %d\n", int(repo.protocol))
	fmt.Fprintf(bw, "Username: %s\n", repo.user)
	for _, f := range repo.files {
		fmt.Fprintf(bw, "File: %s|%s\n", f.Path, f.Fingerprint)
	}
	return bw.Flush()
}

// field matches "<prefix><spaces><value>" and returns value.
func field(line, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", false
	}
	return strings.TrimLeft(rest, " \t"), true
}

// leadingInt parses the leading decimal digits of s, 0 if there are none.
func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
