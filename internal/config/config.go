package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	TempDir  string `toml:"temp_dir"`
	ErrorDir string `toml:"error_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Database contains configuration for the task result and changes stores.
type Database struct {
	// Driver selects the result store backend: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite database file used when Driver is "sqlite".
	Path string `toml:"path"`
	// DSN is the lib/pq connection string used when Driver is "postgres".
	DSN string `toml:"dsn"`
	// MaxStatementBytes caps the size of a single change-insert statement.
	MaxStatementBytes int `toml:"max_statement_bytes"`
}

// Storage contains configuration for the document cache gateway.
type Storage struct {
	Root string `toml:"root"`
	// Secret signs download URLs issued for cached artifacts.
	Secret string `toml:"secret"`
	// SessionURLExpires bounds the lifetime of URLs tied to an editing
	// session, in seconds. TemporaryURLExpires applies to one-shot
	// conversion outputs.
	SessionURLExpires   int    `toml:"session_url_expires"`
	TemporaryURLExpires int    `toml:"temporary_url_expires"`
	ForgottenPrefix     string `toml:"forgotten_prefix"`
}

// Queue contains configuration for the conversion task queue.
type Queue struct {
	Path string `toml:"path"`
	// VisibilityTimeout is how long a dequeued task stays invisible before
	// redelivery, in seconds. RetentionPeriod is how long an unclaimed task
	// may wait in the queue.
	VisibilityTimeout int `toml:"visibility_timeout"`
	RetentionPeriod   int `toml:"retention_period"`
	PollIntervalMS    int `toml:"poll_interval_ms"`
}

// Converter contains configuration for the external conversion engine.
type Converter struct {
	Binary            string   `toml:"binary"`
	Args              []string `toml:"args"`
	Workers           int      `toml:"workers"`
	FontsDir          string   `toml:"fonts_dir"`
	MaxDownloadBytes  int64    `toml:"max_download_bytes"`
	DownloadTimeout   int      `toml:"download_timeout"`
	DownloadAttempts  int      `toml:"download_attempts"`
	MaxRequestChanges int      `toml:"max_request_changes"`
	MaxOpenFiles      int      `toml:"max_open_files"`
}

// Callback contains configuration for save-result delivery to origin servers.
type Callback struct {
	// Secret signs outbound callback payloads. Empty disables signing.
	Secret         string `toml:"secret"`
	TokenExpires   int    `toml:"token_expires"`
	RequestTimeout int    `toml:"request_timeout"`
	RetryAttempts  int    `toml:"retry_attempts"`
	RetryDelay     int    `toml:"retry_delay"`
	// MaxAuthBytes drops optional payload fields instead of sending an
	// oversized Authorization header.
	MaxAuthBytes int `toml:"max_auth_bytes"`
}

// ForceSave contains configuration for periodic background saves.
type ForceSave struct {
	Enabled  bool `toml:"enabled"`
	Interval int  `toml:"interval"`
	LockTTL  int  `toml:"lock_ttl"`
}

// GC contains configuration for expiry sweeps.
type GC struct {
	SweepInterval      int `toml:"sweep_interval"`
	FileExpire         int `toml:"file_expire"`
	DocumentExpire     int `toml:"document_expire"`
	BatchSize          int `toml:"batch_size"`
	UpdateVersionStale int `toml:"update_version_stale"`
}

// Shutdown contains configuration for the drain protocol.
type Shutdown struct {
	WaitTimeout int `toml:"wait_timeout"`
}

// Cluster contains configuration for multi-node broadcast.
type Cluster struct {
	Enabled        bool   `toml:"enabled"`
	HubURL         string `toml:"hub_url"`
	NodeID         string `toml:"node_id"`
	ReconnectDelay int    `toml:"reconnect_delay"`
}

// Fetch contains configuration for guarded outbound downloads.
type Fetch struct {
	AllowPrivateIP bool     `toml:"allow_private_ip"`
	DenyList       []string `toml:"deny_list"`
	UserAgent      string   `toml:"user_agent"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for papermill.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Database: task result and change log storage
//   - Storage: document cache root and signed URL policy
//   - Queue: conversion queue timing
//   - Converter: external engine invocation limits
//   - Callback: save-result delivery policy
//   - ForceSave: periodic background save timers
//   - GC: expiry sweep intervals
//   - Shutdown: drain timing
//   - Cluster: cross-node broadcast wiring
//   - Fetch: outbound download restrictions
//   - Logging: log format, level, and retention
type Config struct {
	Paths     Paths     `toml:"paths"`
	Database  Database  `toml:"database"`
	Storage   Storage   `toml:"storage"`
	Queue     Queue     `toml:"queue"`
	Converter Converter `toml:"converter"`
	Callback  Callback  `toml:"callback"`
	ForceSave ForceSave `toml:"force_save"`
	GC        GC        `toml:"gc"`
	Shutdown  Shutdown  `toml:"shutdown"`
	Cluster   Cluster   `toml:"cluster"`
	Fetch     Fetch     `toml:"fetch"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/papermill/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("papermill.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.DataDir,
		c.Paths.TempDir,
		c.Paths.ErrorDir,
		c.Paths.LogDir,
		c.Storage.Root,
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// VisibilityTimeout returns the queue visibility window as a duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeout) * time.Second
}

// ConversionTimeout is the outer bound a caller waits for a conversion to
// finish. It covers one full visibility window plus queue retention, with
// headroom for redelivery.
func (c *Config) ConversionTimeout() time.Duration {
	total := time.Duration(c.Queue.VisibilityTimeout+c.Queue.RetentionPeriod) * time.Second
	return total + total/2
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
