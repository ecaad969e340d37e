package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/filesync/internal/config"
	"github.com/schaermu/filesync/internal/pipeline"
	"github.com/schaermu/filesync/internal/repository"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	verbose   bool
	userName  string
	workDir   string

	// Command flags
	listChanged bool
	listLong    bool
	addRecurse  bool
	sleepSecs   int
	dryRun      bool
	debounce    time.Duration
	initServer  string
	initHome    string
	initProto   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "filesync",
	Short: "Keep a remote copy of local files in sync over FTP or SFTP",
	Long: `filesync keeps a remote copy of a set of local files up to date.

The tracked files and the remote server are recorded in a .filesync file in
the working directory. Each file is remembered by an md5 sum of its content,
so a sync transfers only the files that changed since the last successful
sync, over FTP or SFTP.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Start a new filesync repository in the working directory",
	Long: `Init asks for the server, home directory, protocol and user name and
writes an empty repository. Protocols are discovered with nmap when it is
installed and with TCP probes otherwise. The --server, --home, --protocol
and --user flags skip the matching questions.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		op := pipeline.NewOperation(pipeline.Create)
		// the global --user doubles as the stored user name here
		op.Settings = pipeline.Settings{Server: initServer, HomeDir: initHome, User: userName}
		if initProto != "" {
			p, err := repository.ParseProtocol(initProto)
			if err != nil {
				return err
			}
			op.Settings.Protocol = p
		}
		return runOperations(op)
	},
}

var listCmd = &cobra.Command{
	Use:   "list [pattern...]",
	Short: "List the repository; files followed by ** need to be synced",
	Long: `List prints the repository settings and its files. Files changed since
the last sync are followed by **. Patterns are regular expressions that a
file must all match to be listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listChanged {
			return runOperations(pipeline.NewOperation(pipeline.ListChanged))
		}
		op := pipeline.NewOperation(pipeline.List, args...)
		op.Long = listLong
		return runOperations(op)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List only the files that need to be synced",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperations(pipeline.NewOperation(pipeline.ListChanged))
	},
}

var addCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Add files to the repository",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op := pipeline.NewOperation(pipeline.Add, args...)
		op.Recursive = addRecurse
		return runOperations(op)
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <path>...",
	Aliases: []string{"rm"},
	Short:   "Remove files from the repository",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperations(pipeline.NewOperation(pipeline.Remove, args...))
	},
}

var markCmd = &cobra.Command{
	Use:   "mark",
	Short: "Mark all files up-to-date without syncing with the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperations(pipeline.NewOperation(pipeline.MarkUpToDate))
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Transfer the files changed since the last sync",
	Long: `Sync uploads every tracked file whose content changed since the last
successful sync. A failed transfer is retried after reconnecting; when the
retries run out the sync fails and nothing is recorded, so the next sync
transfers the same files again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperations(syncOperation(cmd, pipeline.Sync, nil))
	},
}

var forceSyncCmd = &cobra.Command{
	Use:   "force-sync [filter...]",
	Short: "Transfer all files, or the files matching any filter",
	Long: `Force-sync uploads tracked files whether they changed or not. Filters
are regular expressions; a file is transferred when it matches at least
one of them. Without filters every tracked file is transferred.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperations(syncOperation(cmd, pipeline.ForceSync, args))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync whenever tracked files change",
	Long: `Watch performs a sync, then watches the tracked files and syncs again
after every burst of changes. The password is asked once.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var runCmd = &cobra.Command{
	Use:   "run <flags...>",
	Short: "Run a pipeline written in the single-dash flag grammar",
	Long: `Run executes actions given in the single-dash grammar one after the
other, e.g.

  filesync run -l -a foo -c sleep=2 -l

lists the files, adds 'foo', syncs with a two second pause between files
and lists the files again. 'filesync run -h' describes every action.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		args, err := applyGlobalFlags(args)
		if err != nil {
			return err
		}
		plan := pipeline.Parse(args)
		if plan.Verbose {
			verbose = true
		}
		if len(plan.Operations) == 0 {
			return pipeline.WriteHelp(cmd.OutOrStdout())
		}
		return runPlan(plan)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("filesync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/filesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", "", "connect as this user instead of the one stored in the repository")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "run as if started in this directory")

	// Init command flags
	initCmd.Flags().StringVar(&initServer, "server", "", "server name")
	initCmd.Flags().StringVar(&initHome, "home", "", "remote home directory")
	initCmd.Flags().StringVar(&initProto, "protocol", "", "protocol (ssh, ftp)")

	// List command flags
	listCmd.Flags().BoolVar(&listChanged, "changed", false, "only list files that need to be synced")
	listCmd.Flags().BoolVar(&listLong, "long", false, "show fingerprints and state as a table")

	// Add command flags
	addCmd.Flags().BoolVarP(&addRecurse, "recursive", "R", false, "add the files below directories")

	// Sync command flags
	for _, c := range []*cobra.Command{syncCmd, forceSyncCmd, watchCmd} {
		c.Flags().IntVar(&sleepSecs, "sleep", 0, "seconds to wait between two files (default from config)")
	}
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be transferred without connecting")
	forceSyncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be transferred without connecting")
	watchCmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a sync (default from config)")

	// Add commands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(forceSyncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func syncOperation(cmd *cobra.Command, kind pipeline.Kind, filters []string) pipeline.Operation {
	op := pipeline.NewOperation(kind)
	// filters are patterns, never sleep=N
	op.Args = append(op.Args, filters...)
	op.DryRun = dryRun
	if cmd.Flags().Changed("sleep") {
		pace := time.Duration(sleepSecs) * time.Second
		op.Pace = &pace
	}
	return op
}

// valueFlags are the global flags honoured by run, where cobra does not
// parse flags. -u and -v are actions of the single-dash grammar already.
var valueFlags = map[string]string{
	"--config":     "config",
	"--log-level":  "log-level",
	"--log-format": "log-format",
	"--directory":  "directory",
	"-C":           "directory",
}

func applyGlobalFlags(args []string) ([]string, error) {
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		flag, ok := valueFlags[name]
		if !ok {
			rest = append(rest, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag needs an argument: %s", name)
			}
			i++
			value = args[i]
		}
		if err := rootCmd.PersistentFlags().Set(flag, value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}
	return rest, nil
}

func runOperations(ops ...pipeline.Operation) error {
	return runPlan(pipeline.Plan{Operations: ops})
}

func runPlan(plan pipeline.Plan) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	for _, s := range plan.Stray {
		a.logger.Warn("ignoring argument given before any action", "arg", s)
	}

	ops := plan.Operations
	if userName != "" {
		ops = append([]pipeline.Operation{pipeline.NewOperation(pipeline.ChangeUser, userName)}, ops...)
	}
	return a.runner.Run(ctx, ops)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	pace := a.cfg.Transfer.Pace
	if cmd.Flags().Changed("sleep") {
		pace = time.Duration(sleepSecs) * time.Second
	}
	delay := a.cfg.Watch.Debounce
	if debounce > 0 {
		delay = debounce
	}

	w := a.watcher(pace, delay)
	return w.Start(ctx)
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	// Parse log level
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	optional := false
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
		optional = true
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath, optional)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"retry_limit", cfg.Transfer.RetryLimit,
		"retry_backoff", cfg.Transfer.RetryBackoff,
		"pace", cfg.Transfer.Pace,
		"host_key_policy", cfg.SFTP.HostKeyPolicy)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
