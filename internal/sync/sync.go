package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/filesync/internal/changes"
	"github.com/schaermu/filesync/internal/repository"
	"github.com/schaermu/filesync/internal/transport"
)

const (
	// DefaultRetryLimit is the number of retries after the first attempt of
	// a single file.
	DefaultRetryLimit = 10
	// DefaultRetryBackoff is the pause before reconnecting after a failure.
	DefaultRetryBackoff = 5 * time.Second
)

// ErrRetryExhausted is returned when a file could not be delivered within
// the retry limit. The batch is abandoned.
var ErrRetryExhausted = errors.New("too many tries, giving up")

// Config tunes the retry policy.
type Config struct {
	RetryLimit   int
	RetryBackoff time.Duration
}

// Options apply to a single run.
type Options struct {
	// Pace is the pause between two files.
	Pace time.Duration
	// DryRun reports the batch without connecting.
	DryRun bool
}

// Engine delivers change sets to the remote host of a repository.
type Engine struct {
	fs         billy.Filesystem
	transports transport.Registry
	creds      Credentials
	cfg        Config
	out        io.Writer
	logger     *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(fsys billy.Filesystem, transports transport.Registry, creds Credentials, cfg Config, out io.Writer, logger *slog.Logger) *Engine {
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	return &Engine{
		fs:         fsys,
		transports: transports,
		creds:      creds,
		cfg:        cfg,
		out:        out,
		logger:     logger,
	}
}

// Sync detects the change set for sel, delivers it and records the new
// fingerprints. Nothing is recorded unless every file was delivered.
func (e *Engine) Sync(ctx context.Context, store *repository.Store, sel changes.Selection, opts Options) error {
	repo, err := store.Load()
	if err != nil {
		return err
	}

	batch, err := changes.Detect(e.fs, repo, sel)
	if err != nil {
		return fmt.Errorf("failed to detect changes: %w", err)
	}

	if err := e.Run(ctx, repo, batch, opts); err != nil {
		return err
	}
	if opts.DryRun || len(batch) == 0 {
		return nil
	}

	changes.Apply(repo, batch)
	if err := store.Save(repo); err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// Run transfers every file of batch, in order. It returns nil only if all
// of them were delivered.
func (e *Engine) Run(ctx context.Context, repo *repository.Repository, batch []changes.Change, opts Options) error {
	if len(batch) == 0 {
		fmt.Fprintln(e.out, "Up-to-date!")
		return nil
	}

	for _, c := range batch {
		fmt.Fprintf(e.out, "Syncing `%s'\n", c.Path)
	}

	if opts.DryRun {
		e.logger.Info("dry-run complete, nothing transferred", "files", len(batch))
		return nil
	}

	t, err := e.transports.For(repo.Protocol())
	if err != nil {
		return err
	}

	pending := make([]changes.Change, 0, len(batch))
	for _, c := range batch {
		if c.Fingerprint.IsNeverSynced() {
			e.logger.Warn("local file missing, skipping", "file", c.Path)
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		e.logger.Info("no local files to transfer, not connecting")
		return nil
	}

	password, err := e.creds.Password(ctx, repo.Server(), repo.User())
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	ep := transport.Endpoint{
		Server:   repo.Server(),
		User:     repo.User(),
		Password: password,
		HomeDir:  repo.HomeDir(),
	}

	// The first connection is not retried.
	sess, err := t.Connect(ctx, ep)
	if err != nil {
		return err
	}
	b := &batchRun{engine: e, transport: t, endpoint: ep, session: sess}
	defer b.close()

	e.logger.Info("starting transfer",
		"server", repo.Server(),
		"protocol", repo.Protocol().String(),
		"files", len(pending))

	for i, c := range pending {
		if err := b.deliver(ctx, c.Path); err != nil {
			return err
		}

		if opts.Pace > 0 && i < len(pending)-1 {
			if err := wait(ctx, opts.Pace); err != nil {
				return fmt.Errorf("sync interrupted: %w", err)
			}
		}
	}

	e.logger.Info("sync completed successfully", "files", len(pending))
	return nil
}

// batchRun holds the session of one Run. A failed attempt drops the
// session; the next attempt reconnects.
type batchRun struct {
	engine    *Engine
	transport transport.Transport
	endpoint  transport.Endpoint
	session   transport.Session
}

func (b *batchRun) deliver(ctx context.Context, relPath string) error {
	e := b.engine
	attempts := uint(e.cfg.RetryLimit + 1)
	var tries uint

	err := retry.Do(
		func() error {
			tries++
			return b.attempt(ctx, relPath)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(e.cfg.RetryBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Error("transfer failed", "file", relPath, "attempt", n+1, "error", err)
			if n+1 < attempts {
				e.logger.Info("reconnecting", "in", e.cfg.RetryBackoff)
			}
		}),
	)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("sync interrupted: %w", ctxErr)
	}
	if tries >= attempts {
		fmt.Fprintln(e.out, "Too many tries, giving up")
		return fmt.Errorf("%w: %s failed %d times: %w", ErrRetryExhausted, relPath, tries, err)
	}
	return err
}

// attempt runs one try of a single file, reconnecting first if the previous
// try dropped the session.
func (b *batchRun) attempt(ctx context.Context, relPath string) error {
	e := b.engine

	if b.session == nil {
		sess, err := b.transport.Connect(ctx, b.endpoint)
		if err != nil {
			return err
		}
		b.session = sess
	}

	f, err := e.fs.Open(relPath)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to open %s: %w", relPath, err))
	}
	defer func() {
		_ = f.Close()
	}()

	e.logger.Info("sending", "file", relPath)
	if err := b.session.Deliver(b.endpoint.HomeDir, relPath, f); err != nil {
		b.close()
		return err
	}
	return nil
}

func (b *batchRun) close() {
	if b.session == nil {
		return
	}
	if err := b.session.Close(); err != nil {
		b.engine.logger.Debug("failed to close session", "error", err)
	}
	b.session = nil
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
