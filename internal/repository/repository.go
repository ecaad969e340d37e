// Package repository holds the persistent state of a filesync repository:
// the remote endpoint and the tracked files with their last synced
// fingerprints.
package repository

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/filesync/internal/fingerprint"
)

// FileName is the name of the backing file, relative to the working directory.
const FileName = ".filesync"

// TrackedFile is a local path registered for synchronization.
type TrackedFile struct {
	Path        string
	Fingerprint fingerprint.Value
}

// Repository is the in-memory form of the backing file. Mutations go
// through methods so the dirty flag stays accurate.
type Repository struct {
	server   string
	homeDir  string
	protocol Protocol
	user     string
	files    []TrackedFile

	// sessionUser overrides user for this process only and is never saved.
	sessionUser string

	dirty bool
}

// New returns a fresh repository with no tracked files. It is dirty so the
// first Save writes it.
func New(server, homeDir string, protocol Protocol, user string) *Repository {
	return &Repository{
		server:   server,
		homeDir:  homeDir,
		protocol: protocol,
		user:     user,
		files:    []TrackedFile{},
		dirty:    true,
	}
}

func (r *Repository) Server() string     { return r.server }
func (r *Repository) HomeDir() string    { return r.homeDir }
func (r *Repository) Protocol() Protocol { return r.protocol }

// StoredUser returns the username persisted in the backing file.
func (r *Repository) StoredUser() string { return r.user }

// User returns the session override if one is set, otherwise the stored user.
func (r *Repository) User() string {
	if r.sessionUser != "" {
		return r.sessionUser
	}
	return r.user
}

// Dirty reports whether the repository has changes that Save would write.
func (r *Repository) Dirty() bool { return r.dirty }

// SetSessionUser overrides the username for this process without touching
// stored state.
func (r *Repository) SetSessionUser(u string) {
	r.sessionUser = u
}

func (r *Repository) SetServer(s string) {
	r.server = s
	r.dirty = true
}

func (r *Repository) SetHomeDir(h string) {
	r.homeDir = h
	r.dirty = true
}

func (r *Repository) SetProtocol(p Protocol) {
	r.protocol = p
	r.dirty = true
}

func (r *Repository) SetUser(u string) {
	r.user = u
	r.dirty = true
}

// Files returns a copy of the tracked files in stored order.
func (r *Repository) Files() []TrackedFile {
	out := make([]TrackedFile, len(r.files))
	copy(out, r.files)
	return out
}

// Len returns the number of tracked files.
func (r *Repository) Len() int { return len(r.files) }

// Lookup returns the tracked entry for p.
func (r *Repository) Lookup(p string) (TrackedFile, bool) {
	i := r.index(CleanPath(p))
	if i < 0 {
		return TrackedFile{}, false
	}
	return r.files[i], true
}

// Add tracks p with a NeverSynced fingerprint. Adding a path that is
// already tracked, or one ValidPath rejects, is a no-op and returns false.
func (r *Repository) Add(p string) bool {
	p = CleanPath(p)
	if !ValidPath(p) || r.index(p) >= 0 {
		return false
	}
	r.files = append(r.files, TrackedFile{Path: p, Fingerprint: fingerprint.NeverSynced})
	r.dirty = true
	return true
}

// Remove stops tracking p. Removing an untracked path is a no-op and
// returns false.
func (r *Repository) Remove(p string) bool {
	i := r.index(CleanPath(p))
	if i < 0 {
		return false
	}
	r.files = append(r.files[:i], r.files[i+1:]...)
	r.dirty = true
	return true
}

// SetFingerprint records v as the last synced fingerprint of p. It returns
// false when p is not tracked.
func (r *Repository) SetFingerprint(p string, v fingerprint.Value) bool {
	i := r.index(CleanPath(p))
	if i < 0 {
		return false
	}
	if r.files[i].Fingerprint != v {
		r.files[i].Fingerprint = v
		r.dirty = true
	}
	return true
}

func (r *Repository) index(p string) int {
	for i, f := range r.files {
		if f.Path == p {
			return i
		}
	}
	return -1
}

// appendParsed adds an entry read from the backing file. Duplicate paths
// keep the first occurrence.
func (r *Repository) appendParsed(p string, v fingerprint.Value) {
	if r.index(p) >= 0 {
		return
	}
	r.files = append(r.files, TrackedFile{Path: p, Fingerprint: v})
}

// ValidPath reports whether p can be written to the backing file, which
// holds one entry per line and separates path and fingerprint with '|'.
func ValidPath(p string) bool {
	return !strings.ContainsAny(p, "|\r\n")
}

// CleanPath normalizes a tracked path to its slash-separated, cleaned form.
func CleanPath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}
