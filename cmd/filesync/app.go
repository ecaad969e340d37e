package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/crypto/ssh"

	"github.com/schaermu/filesync/internal/changes"
	"github.com/schaermu/filesync/internal/config"
	"github.com/schaermu/filesync/internal/pipeline"
	"github.com/schaermu/filesync/internal/probe"
	"github.com/schaermu/filesync/internal/prompt"
	"github.com/schaermu/filesync/internal/repository"
	"github.com/schaermu/filesync/internal/sync"
	"github.com/schaermu/filesync/internal/transport"
	"github.com/schaermu/filesync/internal/watch"
)

// app holds the collaborators of one invocation
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	root   string
	fs     billy.Filesystem
	engine *sync.Engine
	runner *pipeline.Runner
}

func newApp(in io.Reader, out io.Writer) (*app, error) {
	// Setup logger
	logger := setupLogger(os.Stderr, effectiveLevel(logLevel), logFormat)

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// flags given on the command line win over the config file
	level, format := cfg.Log.Level, cfg.Log.Format
	if rootCmd.PersistentFlags().Changed("log-level") {
		level = logLevel
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format = logFormat
	}
	logger = setupLogger(os.Stderr, effectiveLevel(level), format)

	root, err := resolveRoot(workDir)
	if err != nil {
		return nil, err
	}
	logger.Debug("using working directory", "root", root)

	fsys := osfs.New(root)
	term := prompt.New(in, out)
	creds := sync.NewCachedCredentials(term)

	engine := sync.NewEngine(fsys, newRegistry(cfg, logger), creds,
		sync.Config{
			RetryLimit:   cfg.Transfer.RetryLimit,
			RetryBackoff: cfg.Transfer.RetryBackoff,
		}, out, logger)

	scanner := probe.Auto(cfg.FTP.Port, cfg.SFTP.Port, cfg.Transfer.ConnectTimeout, logger)

	runner := pipeline.NewRunner(pipeline.Deps{
		FS:       fsys,
		Store:    repository.NewStore(fsys),
		Syncer:   engine,
		Prompter: term,
		Scanner:  scanner,
		Out:      out,
	}, pipeline.Config{Root: root, Pace: cfg.Transfer.Pace}, logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		root:   root,
		fs:     fsys,
		engine: engine,
		runner: runner,
	}, nil
}

func effectiveLevel(level string) string {
	if verbose {
		return "debug"
	}
	return level
}

func resolveRoot(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to use directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return abs, nil
}

// newRegistry wires both transports. The SFTP transport reads known_hosts
// and the identity file on its first connection only.
func newRegistry(cfg *config.Config, logger *slog.Logger) transport.Registry {
	ftpTransport := transport.NewFTP(transport.FTPConfig{
		Port:           cfg.FTP.Port,
		ConnectTimeout: cfg.Transfer.ConnectTimeout,
		ExplicitTLS:    cfg.FTP.ExplicitTLS,
		DisableEPSV:    cfg.FTP.DisableEPSV,
	}, logger)

	sftpTransport := transport.Lazy(func() (transport.Transport, error) {
		return newSFTP(cfg, logger)
	})

	return transport.Registry{
		repository.ProtocolFTP: ftpTransport,
		repository.ProtocolSSH: sftpTransport,
	}
}

func newSFTP(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	callback, err := transport.HostKeyCallback(
		transport.HostKeyPolicy(cfg.SFTP.HostKeyPolicy), cfg.SFTP.KnownHostsFile, logger)
	if err != nil {
		return nil, err
	}

	// Validate already checked both modes
	dirMode, _ := cfg.SFTP.DirMode.Mode()
	fileMode, _ := cfg.SFTP.FileMode.Mode()

	var signers []ssh.Signer
	if cfg.SFTP.IdentityFile != "" {
		signer, err := loadSigner(cfg.SFTP.IdentityFile)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}

	return transport.NewSFTP(transport.SFTPConfig{
		Port:            cfg.SFTP.Port,
		ConnectTimeout:  cfg.Transfer.ConnectTimeout,
		DirMode:         dirMode,
		FileMode:        fileMode,
		HostKeyCallback: callback,
		Signers:         signers,
	}, logger), nil
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}
	return signer, nil
}

// watcher builds a watch loop that reloads the repository from disk
// before every sync.
func (a *app) watcher(pace, delay time.Duration) *watch.Watcher {
	tracked := func() ([]string, error) {
		repo, err := repository.NewStore(a.fs).Load()
		if err != nil {
			return nil, err
		}
		files := repo.Files()
		paths := make([]string, 0, len(files))
		for _, f := range files {
			paths = append(paths, f.Path)
		}
		return paths, nil
	}

	syncFn := func(ctx context.Context) error {
		store := repository.NewStore(a.fs)
		repo, err := store.Load()
		if err != nil {
			return err
		}
		if userName != "" {
			repo.SetSessionUser(userName)
		}
		return a.engine.Sync(ctx, store, changes.Selection{}, sync.Options{Pace: pace})
	}

	return watch.New(a.root, tracked, syncFn, delay, a.logger)
}
