package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/filesync/internal/changes"
	"github.com/schaermu/filesync/internal/fileset"
	"github.com/schaermu/filesync/internal/probe"
	"github.com/schaermu/filesync/internal/repository"
	"github.com/schaermu/filesync/internal/sync"
)

// Prompter asks the user questions during the create workflow
type Prompter interface {
	// Ask prints label and returns the answer line.
	Ask(label string) (string, error)
	// Say prints a line.
	Say(format string, args ...any)
}

// Syncer transfers the change set for a selection
type Syncer interface {
	Sync(ctx context.Context, store *repository.Store, sel changes.Selection, opts sync.Options) error
}

// Deps are the collaborators of a Runner
type Deps struct {
	FS       billy.Filesystem
	Store    *repository.Store
	Syncer   Syncer
	Prompter Prompter
	Scanner  probe.Scanner
	Out      io.Writer
}

// Config holds defaults for operations that do not set their own
type Config struct {
	// Root is the absolute working directory.
	Root string
	// Pace is the default delay between transferred files.
	Pace time.Duration
}

// Runner executes operations in order
type Runner struct {
	fs       billy.Filesystem
	store    *repository.Store
	syncer   Syncer
	prompter Prompter
	scanner  probe.Scanner
	out      io.Writer
	cfg      Config
	logger   *slog.Logger

	sessionUser string
}

// NewRunner creates a new pipeline runner
func NewRunner(deps Deps, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		fs:       deps.FS,
		store:    deps.Store,
		syncer:   deps.Syncer,
		prompter: deps.Prompter,
		scanner:  deps.Scanner,
		out:      deps.Out,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes ops strictly in order. A failed operation is logged and
// the remaining ones still run; the failures are returned joined.
func (r *Runner) Run(ctx context.Context, ops []Operation) error {
	var errs []error
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		r.logger.Debug("running operation", "operation", op.Kind.String(), "args", op.Args)
		if err := r.execute(ctx, op); err != nil {
			r.logger.Error("operation failed", "operation", op.Kind.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", op.Kind, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) execute(ctx context.Context, op Operation) error {
	switch op.Kind {
	case List:
		return r.list(op)
	case ListChanged:
		return r.listChanged()
	case Add:
		return r.add(op)
	case Remove:
		return r.remove(op)
	case MarkUpToDate:
		return r.markUpToDate()
	case Create:
		return r.create(ctx, op.Settings)
	case Sync:
		return r.sync(ctx, op, changes.Selection{})
	case ForceSync:
		return r.sync(ctx, op, changes.Selection{Force: true, Filters: op.Args})
	case ChangeUser:
		return r.changeUser(op)
	case Help:
		return WriteHelp(r.out)
	default:
		return fmt.Errorf("unsupported operation %d", int(op.Kind))
	}
}

// load returns the repository with the session user applied
func (r *Runner) load() (*repository.Repository, error) {
	repo, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	if r.sessionUser != "" {
		repo.SetSessionUser(r.sessionUser)
	}
	return repo, nil
}

func (r *Runner) add(op Operation) error {
	repo, err := r.load()
	if err != nil {
		return err
	}

	res, err := fileset.Expand(r.fs, op.Args, fileset.Options{Root: r.cfg.Root, Recursive: op.Recursive})
	if err != nil {
		return err
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(r.out, "Skipping %s: %s\n", s.Path, s.Reason)
	}

	for _, f := range res.Files {
		if repo.Add(f) {
			fmt.Fprintf(r.out, "Adding %s\n", f)
		}
	}
	return r.store.Save(repo)
}

func (r *Runner) remove(op Operation) error {
	repo, err := r.load()
	if err != nil {
		return err
	}

	for _, arg := range op.Args {
		p, err := fileset.RelativePath(r.cfg.Root, arg)
		if err != nil {
			r.logger.Warn("ignoring path", "path", arg, "error", err)
			continue
		}
		if repo.Remove(p) {
			fmt.Fprintf(r.out, "Removing %s\n", p)
		}
	}
	return r.store.Save(repo)
}

func (r *Runner) markUpToDate() error {
	repo, err := r.load()
	if err != nil {
		return err
	}

	fmt.Fprintln(r.out, "Forcing all files to be up-to-date")
	statuses, err := changes.Scan(r.fs, repo)
	if err != nil {
		return err
	}
	for _, st := range statuses {
		repo.SetFingerprint(st.Path, st.Current)
	}
	return r.store.Save(repo)
}

func (r *Runner) sync(ctx context.Context, op Operation, sel changes.Selection) error {
	// apply the session user before the syncer loads the repository
	if _, err := r.load(); err != nil {
		return err
	}

	pace := r.cfg.Pace
	if op.Pace != nil {
		pace = *op.Pace
	}
	return r.syncer.Sync(ctx, r.store, sel, sync.Options{Pace: pace, DryRun: op.DryRun})
}

func (r *Runner) changeUser(op Operation) error {
	if len(op.Args) == 0 {
		return errors.New("missing user name")
	}
	r.sessionUser = op.Args[0]
	r.logger.Debug("using session user", "user", r.sessionUser)
	return nil
}
