package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override the file,
// e.g. FILESYNC_TRANSFER_RETRY_LIMIT.
const EnvPrefix = "filesync"

// HostKeyPolicy defines how unknown SSH host keys are handled
type HostKeyPolicy string

const (
	HostKeyStrict    HostKeyPolicy = "strict"
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	HostKeyInsecure  HostKeyPolicy = "insecure"
)

// Config represents the complete filesync configuration
type Config struct {
	Transfer TransferConfig `yaml:"transfer" envconfig:"transfer"`
	FTP      FTPConfig      `yaml:"ftp" envconfig:"ftp"`
	SFTP     SFTPConfig     `yaml:"sftp" envconfig:"sftp"`
	Watch    WatchConfig    `yaml:"watch" envconfig:"watch"`
	Log      LogConfig      `yaml:"log" envconfig:"log"`
}

// TransferConfig configures the retry policy and pacing of a sync
type TransferConfig struct {
	RetryLimit     int           `yaml:"retry_limit" split_words:"true"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" split_words:"true"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" split_words:"true"`
	Pace           time.Duration `yaml:"pace"`
}

// FTPConfig configures the FTP transport
type FTPConfig struct {
	Port        int  `yaml:"port"`
	ExplicitTLS bool `yaml:"explicit_tls" split_words:"true"`
	DisableEPSV bool `yaml:"disable_epsv" envconfig:"disable_epsv"`
}

// SFTPConfig configures the SFTP transport
type SFTPConfig struct {
	Port           int           `yaml:"port"`
	DirMode        FileMode      `yaml:"dir_mode" split_words:"true"`
	FileMode       FileMode      `yaml:"file_mode" split_words:"true"`
	KnownHostsFile string        `yaml:"known_hosts_file" split_words:"true"`
	HostKeyPolicy  HostKeyPolicy `yaml:"host_key_policy" split_words:"true"`
	IdentityFile   string        `yaml:"identity_file" split_words:"true"`
}

// WatchConfig configures watch mode
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FileMode is an octal permission string such as "0664"
type FileMode string

// Mode parses the octal string.
func (m FileMode) Mode() (fs.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(string(m)), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", string(m), err)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("invalid file mode %q: only permission bits are allowed", string(m))
	}
	return fs.FileMode(v), nil
}

// Default returns the configuration used when no file is present
func Default() Config {
	return Config{
		Transfer: TransferConfig{
			RetryLimit:     10,
			RetryBackoff:   5 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		FTP: FTPConfig{Port: 21},
		SFTP: SFTPConfig{
			Port:           22,
			DirMode:        "0775",
			FileMode:       "0664",
			KnownHostsFile: "$HOME/.ssh/known_hosts",
			HostKeyPolicy:  HostKeyAcceptNew,
		},
		Watch: WatchConfig{Debounce: 2 * time.Second},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/filesync/config.yaml, falling back
// to ~/.config.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "filesync", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "filesync", "config.yaml"), nil
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. When optional is set a missing file yields the
// defaults instead of an error.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()

	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables and a leading ~ in path fields
func (c *Config) expandEnv() {
	c.SFTP.KnownHostsFile = expandPath(c.SFTP.KnownHostsFile)
	c.SFTP.IdentityFile = expandPath(c.SFTP.IdentityFile)
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// applyDefaults fills in zero-value fields that have no meaning at zero.
func (c *Config) applyDefaults() {
	d := Default()
	if c.FTP.Port == 0 {
		c.FTP.Port = d.FTP.Port
	}
	if c.SFTP.Port == 0 {
		c.SFTP.Port = d.SFTP.Port
	}
	if c.SFTP.DirMode == "" {
		c.SFTP.DirMode = d.SFTP.DirMode
	}
	if c.SFTP.FileMode == "" {
		c.SFTP.FileMode = d.SFTP.FileMode
	}
	if c.SFTP.HostKeyPolicy == "" {
		c.SFTP.HostKeyPolicy = d.SFTP.HostKeyPolicy
	}
	if c.Transfer.ConnectTimeout == 0 {
		c.Transfer.ConnectTimeout = d.Transfer.ConnectTimeout
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = d.Watch.Debounce
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate transfer settings
	if c.Transfer.RetryLimit < 0 {
		return fmt.Errorf("transfer.retry_limit must not be negative: %d", c.Transfer.RetryLimit)
	}
	if c.Transfer.RetryBackoff < 0 {
		return fmt.Errorf("transfer.retry_backoff must not be negative: %s", c.Transfer.RetryBackoff)
	}
	if c.Transfer.Pace < 0 {
		return fmt.Errorf("transfer.pace must not be negative: %s", c.Transfer.Pace)
	}

	// Validate ports
	if c.FTP.Port < 1 || c.FTP.Port > 65535 {
		return fmt.Errorf("ftp.port out of range: %d", c.FTP.Port)
	}
	if c.SFTP.Port < 1 || c.SFTP.Port > 65535 {
		return fmt.Errorf("sftp.port out of range: %d", c.SFTP.Port)
	}

	// Validate modes
	if _, err := c.SFTP.DirMode.Mode(); err != nil {
		return fmt.Errorf("sftp.dir_mode: %w", err)
	}
	if _, err := c.SFTP.FileMode.Mode(); err != nil {
		return fmt.Errorf("sftp.file_mode: %w", err)
	}

	// Validate host key policy
	switch c.SFTP.HostKeyPolicy {
	case HostKeyStrict, HostKeyAcceptNew:
		if c.SFTP.KnownHostsFile == "" {
			return fmt.Errorf("sftp.known_hosts_file is required for host key policy %s", c.SFTP.HostKeyPolicy)
		}
	case HostKeyInsecure:
		// valid
	default:
		return fmt.Errorf("invalid sftp.host_key_policy: %s (must be strict, accept-new, or insecure)", c.SFTP.HostKeyPolicy)
	}

	// Validate logging
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}
