package pipeline

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/schaermu/filesync/internal/changes"
	"github.com/schaermu/filesync/internal/repository"
)

const changedMarker = " **"

func (r *Runner) list(op Operation) error {
	repo, err := r.load()
	if err != nil {
		return err
	}
	statuses, err := changes.Scan(r.fs, repo)
	if err != nil {
		return err
	}

	// listing patterns must all match, unlike force-sync filters
	m := changes.NewMatcher(op.Args)
	selected := statuses[:0:0]
	for _, st := range statuses {
		if m.MatchAll(st.Path) {
			selected = append(selected, st)
		}
	}

	writeHeader(r.out, repo)
	if op.Long {
		writeTable(r.out, selected)
		return nil
	}
	writeFiles(r.out, selected)
	return nil
}

func (r *Runner) listChanged() error {
	repo, err := r.load()
	if err != nil {
		return err
	}
	statuses, err := changes.Scan(r.fs, repo)
	if err != nil {
		return err
	}

	var changed []changes.Status
	for _, st := range statuses {
		if st.Changed() {
			changed = append(changed, st)
		}
	}

	writeHeader(r.out, repo)
	writeFiles(r.out, changed)
	return nil
}

func writeHeader(w io.Writer, repo *repository.Repository) {
	fmt.Fprintf(w, "Server = %s\n", repo.Server())
	fmt.Fprintf(w, "Home = %s\n", repo.HomeDir())
	fmt.Fprintf(w, "Protocol = %s\n", repo.Protocol())
	fmt.Fprintf(w, "Username = %s\n", repo.User())
	fmt.Fprintln(w, "Files")
	fmt.Fprintln(w, "-----")
}

func writeFiles(w io.Writer, statuses []changes.Status) {
	for _, st := range statuses {
		if st.Changed() {
			fmt.Fprintln(w, st.Path+changedMarker)
			continue
		}
		fmt.Fprintln(w, st.Path)
	}
}

func writeTable(w io.Writer, statuses []changes.Status) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Path", "Stored", "Current", "State"})
	table.SetAutoWrapText(false)
	for _, st := range statuses {
		table.Append([]string{st.Path, st.Stored.String(), st.Current.String(), state(st)})
	}
	table.Render()
}

func state(st changes.Status) string {
	switch {
	case st.Current.IsNeverSynced():
		return "missing"
	case st.Stored.IsNeverSynced():
		return "new"
	case st.Changed():
		return "changed"
	default:
		return "synced"
	}
}
