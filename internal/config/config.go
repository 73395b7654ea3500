package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fenilsonani/mailpull/internal/storage"
	"github.com/fenilsonani/mailpull/internal/validation"
)

// DatabaseFileName is the sync database file inside an account's mail root
const DatabaseFileName = ".sync.db"

// Config holds all configuration for the sync client
type Config struct {
	Account    string        `koanf:"account"`     // Mailbox address synced by default
	ServiceURL string        `koanf:"service_url"` // Base URL of the remote mailbox service
	Storage    StorageConfig `koanf:"storage"`
	Sync       SyncConfig    `koanf:"sync"`
	Remote     RemoteConfig  `koanf:"remote"`
	IDPool     IDPoolConfig  `koanf:"id_pool"`
	Logging    LoggingConfig `koanf:"logging"`
	Metrics    MetricsConfig `koanf:"metrics"`
}

// StorageConfig holds storage paths configuration
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`      // Base data directory
	MailDir      string `koanf:"mail_dir"`      // Optional: account mail root (default data_dir/mail/<account>)
	DatabasePath string `koanf:"database_path"` // Optional: sync database (default <mail root>/.sync.db)
}

// SyncConfig holds sync pass configuration
type SyncConfig struct {
	Folders           []string `koanf:"folders"`             // Folders synced when none is named
	PageSize          int      `koanf:"page_size"`           // Listing page size requested from the service
	LimitDays         int      `koanf:"limit_days"`          // Skip messages older than this many days (0 = no cutoff)
	RequestsPerSecond float64  `koanf:"requests_per_second"` // Remote request rate limit
}

// RemoteConfig holds remote service client configuration
type RemoteConfig struct {
	Timeout          string `koanf:"timeout"`           // Per-request timeout
	FailureThreshold int    `koanf:"failure_threshold"` // Consecutive failures before the circuit opens
	OpenTimeout      string `koanf:"open_timeout"`      // How long the circuit stays open
}

// IDPoolConfig holds id pool configuration
type IDPoolConfig struct {
	WordList string `koanf:"word_list"` // Optional YAML file with adjectives and nouns
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// MetricsConfig holds metrics export configuration
type MetricsConfig struct {
	Textfile string `koanf:"textfile"` // Optional path for a prometheus textfile export
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceURL: "http://127.0.0.1:8787",
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			Folders:           []string{storage.FolderInbox, storage.FolderSent, storage.FolderDrafts},
			PageSize:          100,
			RequestsPerSecond: 10,
		},
		Remote: RemoteConfig{
			Timeout:          "60s",
			FailureThreshold: 5,
			OpenTimeout:      "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DefaultPath returns the config file location used when none is given
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mailpull", "config.yaml")
	}
	return "config.yaml"
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "mailpull")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "mailpull")
	}
	return "mailpull-data"
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.MailDir = expandHome(cfg.Storage.MailDir)
	cfg.Storage.DatabasePath = expandHome(cfg.Storage.DatabasePath)
	cfg.IDPool.WordList = expandHome(cfg.IDPool.WordList)

	return cfg, nil
}

// expandHome replaces a leading ~ with the user's home directory
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("account is required")
	}
	if err := validation.Account(c.Account); err != nil {
		return fmt.Errorf("account: %w", err)
	}

	u, err := url.Parse(c.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service_url must be an http(s) URL (got: %s)", c.ServiceURL)
	}

	if c.Storage.DataDir == "" && c.Storage.MailDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	// Sync validation
	if len(c.Sync.Folders) == 0 {
		return fmt.Errorf("sync.folders must name at least one folder")
	}
	for i, folder := range c.Sync.Folders {
		if err := validation.Folder(folder); err != nil {
			return fmt.Errorf("sync.folders[%d]: %w", i, err)
		}
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 1000 {
		return fmt.Errorf("sync.page_size must be between 1 and 1000 (got: %d)", c.Sync.PageSize)
	}
	if c.Sync.LimitDays < 0 {
		return fmt.Errorf("sync.limit_days cannot be negative (got: %d)", c.Sync.LimitDays)
	}
	if c.Sync.RequestsPerSecond <= 0 {
		return fmt.Errorf("sync.requests_per_second must be positive")
	}

	// Remote validation
	if c.Remote.FailureThreshold < 1 {
		return fmt.Errorf("remote.failure_threshold must be at least 1")
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.IDPool.WordList != "" {
		if err := validateFileReadable(c.IDPool.WordList); err != nil {
			return fmt.Errorf("id_pool.word_list: %w", err)
		}
	}

	return nil
}

// validateTimeouts ensures all timeout configurations are valid
func (c *Config) validateTimeouts() error {
	timeouts := []struct {
		name  string
		value string
		max   time.Duration
	}{
		{"remote.timeout", c.Remote.Timeout, 10 * time.Minute},
		{"remote.open_timeout", c.Remote.OpenTimeout, time.Hour},
	}

	for _, tt := range timeouts {
		if tt.value == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(tt.value)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", tt.name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", tt.name, tt.value)
		}
		if duration > tt.max {
			return fmt.Errorf("%s is too long, maximum is %s (got: %s)", tt.name, tt.max, tt.value)
		}
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// MailDir returns the mail root of an account
func (c *Config) MailDir(account string) string {
	if c.Storage.MailDir != "" {
		return c.Storage.MailDir
	}
	return filepath.Join(c.Storage.DataDir, "mail", account)
}

// DatabasePath returns the sync database location of an account
func (c *Config) DatabasePath(account string) string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.MailDir(account), DatabaseFileName)
}

// RemoteTimeout returns the per-request timeout, falling back to 60s
func (c *Config) RemoteTimeout() time.Duration {
	return parseDurationOr(c.Remote.Timeout, 60*time.Second)
}

// CircuitOpenTimeout returns how long the remote circuit stays open
func (c *Config) CircuitOpenTimeout() time.Duration {
	return parseDurationOr(c.Remote.OpenTimeout, 30*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// EnsureDirectories creates the account mail root and the database directory
func (c *Config) EnsureDirectories(account string) error {
	dirs := []string{
		c.MailDir(account),
		filepath.Dir(c.DatabasePath(account)),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
