package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateConverter(); err != nil {
		return err
	}
	if err := c.validateCallback(); err != nil {
		return err
	}
	if err := c.validateCluster(); err != nil {
		return err
	}
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database.path must be set when database.driver is \"sqlite\"")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database.dsn must be set when database.driver is \"postgres\"")
		}
	default:
		return fmt.Errorf("database.driver must be \"sqlite\" or \"postgres\", got %q", c.Database.Driver)
	}
	if c.Database.MaxStatementBytes <= 0 {
		return errors.New("database.max_statement_bytes must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.Storage.Root) == "" {
		return errors.New("storage.root must be set")
	}
	if c.Storage.SessionURLExpires <= 0 || c.Storage.TemporaryURLExpires <= 0 {
		return errors.New("storage url expiry values must be positive")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.VisibilityTimeout <= 0 {
		return errors.New("queue.visibility_timeout must be positive")
	}
	if c.Queue.RetentionPeriod <= 0 {
		return errors.New("queue.retention_period must be positive")
	}
	if c.Queue.PollIntervalMS <= 0 {
		return errors.New("queue.poll_interval_ms must be positive")
	}
	return nil
}

func (c *Config) validateConverter() error {
	if strings.TrimSpace(c.Converter.Binary) == "" {
		return errors.New("converter.binary must be set")
	}
	if c.Converter.Workers <= 0 {
		return errors.New("converter.workers must be positive")
	}
	if c.Converter.MaxRequestChanges <= 0 {
		return errors.New("converter.max_request_changes must be positive")
	}
	if c.Converter.MaxOpenFiles <= 0 {
		return errors.New("converter.max_open_files must be positive")
	}
	return nil
}

func (c *Config) validateCallback() error {
	if c.Callback.RequestTimeout <= 0 {
		return errors.New("callback.request_timeout must be positive")
	}
	if c.Callback.RetryAttempts < 0 {
		return errors.New("callback.retry_attempts must not be negative")
	}
	if c.Callback.MaxAuthBytes <= 0 {
		return errors.New("callback.max_auth_bytes must be positive")
	}
	return nil
}

func (c *Config) validateCluster() error {
	if !c.Cluster.Enabled {
		return nil
	}
	if c.Cluster.HubURL == "" {
		return errors.New("cluster.hub_url must be set when cluster.enabled is true")
	}
	return nil
}

func (c *Config) validateFetch() error {
	for _, cidr := range c.Fetch.DenyList {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("fetch.deny_list entry %q is not a valid CIDR", cidr)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}
