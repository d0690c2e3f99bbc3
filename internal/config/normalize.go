package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCluster()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.TempDir, err = expandPath(c.Paths.TempDir); err != nil {
		return fmt.Errorf("paths.temp_dir: %w", err)
	}
	if c.Paths.ErrorDir, err = expandPath(c.Paths.ErrorDir); err != nil {
		return fmt.Errorf("paths.error_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Database.Path, err = expandPath(c.Database.Path); err != nil {
		return fmt.Errorf("database.path: %w", err)
	}
	if c.Storage.Root, err = expandPath(c.Storage.Root); err != nil {
		return fmt.Errorf("storage.root: %w", err)
	}
	if c.Queue.Path, err = expandPath(c.Queue.Path); err != nil {
		return fmt.Errorf("queue.path: %w", err)
	}
	if c.Converter.FontsDir != "" {
		if c.Converter.FontsDir, err = expandPath(c.Converter.FontsDir); err != nil {
			return fmt.Errorf("converter.fonts_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeCluster() {
	c.Cluster.HubURL = strings.TrimSpace(c.Cluster.HubURL)
	c.Cluster.NodeID = strings.TrimSpace(c.Cluster.NodeID)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}
