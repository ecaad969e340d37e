// Package changes selects the tracked files that a sync run must transfer.
package changes

import (
	"fmt"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/filesync/internal/fingerprint"
	"github.com/schaermu/filesync/internal/repository"
)

// Change is a tracked file selected for transfer together with the
// fingerprint it will be recorded under once the batch succeeds.
type Change struct {
	Path        string
	Fingerprint fingerprint.Value
}

// Status describes one tracked file for listings.
type Status struct {
	Path    string
	Stored  fingerprint.Value
	Current fingerprint.Value
}

// Changed reports whether the file differs from its last synced state.
func (s Status) Changed() bool {
	return s.Current != s.Stored
}

// Selection controls which files Detect returns.
type Selection struct {
	// Force selects files regardless of whether they changed.
	Force bool
	// Filters restrict a forced selection to paths matching any filter.
	// They are ignored when Force is false.
	Filters []string
}

// Scan fingerprints every tracked file, in tracked order.
func Scan(fsys billy.Filesystem, repo *repository.Repository) ([]Status, error) {
	files := repo.Files()
	out := make([]Status, 0, len(files))
	for _, f := range files {
		current, err := fingerprint.Of(fsys, f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to fingerprint %s: %w", f.Path, err)
		}
		out = append(out, Status{Path: f.Path, Stored: f.Fingerprint, Current: current})
	}
	return out, nil
}

// Detect returns the change set for sel.
//
// Without Force only changed files are selected. With Force and no filters
// every tracked file is selected; with filters, every file whose path
// matches at least one filter is selected whether it changed or not.
func Detect(fsys billy.Filesystem, repo *repository.Repository, sel Selection) ([]Change, error) {
	statuses, err := Scan(fsys, repo)
	if err != nil {
		return nil, err
	}

	var filter *Matcher
	if sel.Force && len(sel.Filters) > 0 {
		filter = NewMatcher(sel.Filters)
	}

	out := make([]Change, 0, len(statuses))
	for _, st := range statuses {
		switch {
		case !sel.Force:
			if !st.Changed() {
				continue
			}
		case filter != nil:
			if !filter.MatchAny(st.Path) {
				continue
			}
		}
		out = append(out, Change{Path: st.Path, Fingerprint: st.Current})
	}
	return out, nil
}

// Apply records the fingerprints of a successfully transferred batch.
func Apply(repo *repository.Repository, batch []Change) {
	for _, c := range batch {
		repo.SetFingerprint(c.Path, c.Fingerprint)
	}
}
