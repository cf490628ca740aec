package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Detection engine
	Engine EngineConfig `koanf:"engine"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`
	Notify     NotifyConfig     `koanf:"notify"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  int    `koanf:"read_timeout" validate:"gte=0"`  // seconds
	WriteTimeout int    `koanf:"write_timeout" validate:"gte=0"` // seconds
}

// EngineConfig holds detection engine settings.
type EngineConfig struct {
	// WindowSeconds is the length of the calls-per-window sliding window.
	WindowSeconds int `koanf:"window_seconds" validate:"gte=1,lte=3600"`

	// ReloadInterval is the period of scheduled rule reloads. Zero disables them.
	// Every reload voids the duration monitors of calls in progress.
	ReloadInterval time.Duration `koanf:"reload_interval" validate:"gte=0"`

	// ReloadRate and ReloadBurst bound how often reloads may run, whatever triggers them.
	ReloadRate  float64 `koanf:"reload_rate" validate:"gt=0"`
	ReloadBurst int     `koanf:"reload_burst" validate:"gte=1"`

	// ReloadTimeout bounds a single fetch from the rule store.
	ReloadTimeout time.Duration `koanf:"reload_timeout" validate:"gt=0"`
}

// NotifyConfig holds fraud event publishing settings.
type NotifyConfig struct {
	// SuppressWindow collapses repeated events for the same user, prefix and
	// metric into one per window. Zero publishes every event.
	SuppressWindow time.Duration `koanf:"suppress_window" validate:"gte=0"`

	// PersistEvents stores published events in the repository.
	PersistEvents bool `koanf:"persist_events"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint   string  `koanf:"endpoint"`
	SampleRate float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

// DefaultConfig returns a single-node configuration:
// SQLite, in-memory counters and an in-process bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engine: EngineConfig{
			WindowSeconds:  60,
			ReloadInterval: 0,
			ReloadRate:     1,
			ReloadBurst:    3,
			ReloadTimeout:  10 * time.Second,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Notify: NotifyConfig{
			SuppressWindow: 0,
			PersistEvents:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Endpoint:    "localhost:4317",
			SampleRate:  1,
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment:
// PostgreSQL, Redis counters and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:         "redis",
		RedisAddr:    "localhost:6379",
		RedisPrefix:  "kestrel",
		LocalMaxSize: 1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSQueueGroup:    "kestrel",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Notify.SuppressWindow = time.Minute
	cfg.Tracing.Enabled = true
	return cfg
}
