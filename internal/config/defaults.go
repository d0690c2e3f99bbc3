package config

const (
	defaultDataDir             = "~/.local/share/papermill/data"
	defaultTempDir             = "~/.local/share/papermill/tmp"
	defaultErrorDir            = "~/.local/share/papermill/errors"
	defaultLogDir              = "~/.local/share/papermill/logs"
	defaultAPIBind             = "127.0.0.1:8582"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "~/.local/share/papermill/data/papermill.db"
	defaultMaxStatementBytes   = 1048575
	defaultStorageRoot         = "~/.local/share/papermill/cache"
	defaultSessionURLExpires   = 900
	defaultTemporaryURLExpires = 900
	defaultForgottenPrefix     = "forgotten"
	defaultQueuePath           = "~/.local/share/papermill/data/queue.db"
	defaultVisibilityTimeout   = 300
	defaultRetentionPeriod     = 900
	defaultQueuePollIntervalMS = 1000
	defaultConverterBinary     = "x2t"
	defaultConverterWorkers    = 1
	defaultMaxDownloadBytes    = 104857600
	defaultDownloadTimeout     = 120
	defaultDownloadAttempts    = 3
	defaultMaxRequestChanges   = 20000
	defaultMaxOpenFiles        = 200
	defaultCallbackTokenExp    = 300
	defaultCallbackTimeout     = 10
	defaultCallbackAttempts    = 3
	defaultCallbackRetryDelay  = 60
	defaultMaxAuthBytes        = 7168
	defaultForceSaveInterval   = 300
	defaultForceSaveLockTTL    = 5
	defaultGCSweepInterval     = 60
	defaultGCFileExpire        = 86400
	defaultGCDocumentExpire    = 86400
	defaultGCBatchSize         = 100
	defaultUpdateVersionStale  = 300
	defaultShutdownWait        = 30
	defaultReconnectDelay      = 5
	defaultFetchUserAgent      = "papermill/dev"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			TempDir:  defaultTempDir,
			ErrorDir: defaultErrorDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Database: Database{
			Driver:            defaultDatabaseDriver,
			Path:              defaultDatabasePath,
			MaxStatementBytes: defaultMaxStatementBytes,
		},
		Storage: Storage{
			Root:                defaultStorageRoot,
			SessionURLExpires:   defaultSessionURLExpires,
			TemporaryURLExpires: defaultTemporaryURLExpires,
			ForgottenPrefix:     defaultForgottenPrefix,
		},
		Queue: Queue{
			Path:              defaultQueuePath,
			VisibilityTimeout: defaultVisibilityTimeout,
			RetentionPeriod:   defaultRetentionPeriod,
			PollIntervalMS:    defaultQueuePollIntervalMS,
		},
		Converter: Converter{
			Binary:            defaultConverterBinary,
			Workers:           defaultConverterWorkers,
			MaxDownloadBytes:  defaultMaxDownloadBytes,
			DownloadTimeout:   defaultDownloadTimeout,
			DownloadAttempts:  defaultDownloadAttempts,
			MaxRequestChanges: defaultMaxRequestChanges,
			MaxOpenFiles:      defaultMaxOpenFiles,
		},
		Callback: Callback{
			TokenExpires:   defaultCallbackTokenExp,
			RequestTimeout: defaultCallbackTimeout,
			RetryAttempts:  defaultCallbackAttempts,
			RetryDelay:     defaultCallbackRetryDelay,
			MaxAuthBytes:   defaultMaxAuthBytes,
		},
		ForceSave: ForceSave{
			Enabled:  true,
			Interval: defaultForceSaveInterval,
			LockTTL:  defaultForceSaveLockTTL,
		},
		GC: GC{
			SweepInterval:      defaultGCSweepInterval,
			FileExpire:         defaultGCFileExpire,
			DocumentExpire:     defaultGCDocumentExpire,
			BatchSize:          defaultGCBatchSize,
			UpdateVersionStale: defaultUpdateVersionStale,
		},
		Shutdown: Shutdown{
			WaitTimeout: defaultShutdownWait,
		},
		Cluster: Cluster{
			ReconnectDelay: defaultReconnectDelay,
		},
		Fetch: Fetch{
			UserAgent: defaultFetchUserAgent,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
