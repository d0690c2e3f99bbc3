package testsupport

import (
	"path/filepath"
	"testing"

	"papermill/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.TempDir = filepath.Join(base, "tmp")
	cfgVal.Paths.ErrorDir = filepath.Join(base, "errors")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Database.Path = filepath.Join(base, "data", "papermill.db")
	cfgVal.Storage.Root = filepath.Join(base, "cache")
	cfgVal.Storage.Secret = "test-secret"
	cfgVal.Queue.Path = filepath.Join(base, "data", "queue.db")
	cfgVal.Callback.Secret = "test-callback-secret"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithQueueTiming overrides visibility and retention, in seconds.
func WithQueueTiming(visibility, retention int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.VisibilityTimeout = visibility
		b.cfg.Queue.RetentionPeriod = retention
	}
}

// WithConverterBinary points the engine at a stand-in converter executable.
func WithConverterBinary(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Converter.Binary = path
	}
}

// WithCallbackSecret sets the callback signing secret on the test config.
func WithCallbackSecret(secret string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Callback.Secret = secret
	}
}
