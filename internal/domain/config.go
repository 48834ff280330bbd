package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Store    StoreConfig    `json:"store"`
	Cache    CacheConfig    `json:"cache"`
	EventBus EventBusConfig `json:"eventBus"`
	Upstream UpstreamConfig `json:"upstream"`
	Auth     AuthConfig     `json:"auth"`
	Payments PaymentsConfig `json:"payments"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"HOST"`
	Port         int    `json:"port" env:"PORT"`
	ReadTimeout  int    `json:"readTimeout" env:"READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" env:"WRITE_TIMEOUT"` // seconds
}

// StoreConfig holds persistent key-value store settings.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `json:"driver" env:"STORE_DRIVER"`

	// SQLite settings (default, local single-node)
	SQLitePath string `json:"sqlitePath" env:"STORE_SQLITE_PATH"`

	// PostgreSQL settings (shared deployments)
	PostgresHost     string `json:"postgresHost" env:"STORE_PG_HOST"`
	PostgresPort     int    `json:"postgresPort" env:"STORE_PG_PORT"`
	PostgresDB       string `json:"postgresDb" env:"STORE_PG_DB"`
	PostgresUser     string `json:"postgresUser" env:"STORE_PG_USER"`
	PostgresPassword string `json:"postgresPassword" env:"STORE_PG_PASSWORD"`
	PostgresSSLMode  string `json:"postgresSslMode" env:"STORE_PG_SSLMODE"`

	// MaxBytes bounds the serialized size of each user's namespace.
	// Exceeding it triggers eviction: oldest first, then largest.
	MaxBytes int64 `json:"maxBytes" env:"STORE_MAX_BYTES"`

	// Connection pool
	MaxOpenConns    int           `json:"maxOpenConns" env:"STORE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"maxIdleConns" env:"STORE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" env:"STORE_CONN_MAX_LIFETIME"`
}

// UpstreamConfig holds REST backend client settings.
type UpstreamConfig struct {
	BaseURL string `json:"baseUrl" env:"UPSTREAM_BASE_URL"`

	// RequestTimeout bounds every round-trip; expiry is a Timeout
	// failure, not a hang.
	RequestTimeout time.Duration `json:"requestTimeout" env:"UPSTREAM_REQUEST_TIMEOUT"`

	// MutationSpacing is the minimum gap between mutations on the same
	// entity (rapid like/unlike toggles are delayed, not dropped).
	MutationSpacing time.Duration `json:"mutationSpacing" env:"UPSTREAM_MUTATION_SPACING"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"LOG_FORMAT"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" env:"TRACING_ENABLED"`
	ServiceName string `json:"serviceName" env:"TRACING_SERVICE_NAME"`
	Endpoint    string `json:"endpoint" env:"TRACING_ENDPOINT"`
}

// DefaultConfig returns the single-node edge configuration:
// SQLite store, in-memory L1 over the store, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
			MaxBytes:   32 << 20, // 32 MiB per user namespace
		},
		Cache: CacheConfig{
			Type:           "tiered",
			MemoryMaxItems: 10000,
			MemoryMaxBytes: 8 << 20,
			LocalTTL:       5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Upstream: UpstreamConfig{
			BaseURL:         "http://localhost:9000",
			RequestTimeout:  8 * time.Second,
			MutationSpacing: time.Second,
		},
		Auth: AuthConfig{
			RefreshMargin:  5 * time.Minute,
			PublicPaths:    []string{"/api/posts", "/api/auth/session", "/health"},
			DefaultBackoff: 30 * time.Second,
		},
		Payments: PaymentsConfig{
			DefaultCountry: "US",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// SharedConfig returns a configuration for shared multi-node
// deployments: PostgreSQL store, Redis-backed tiered cache, NATS bus.
func SharedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Store = StoreConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
		MaxBytes:     32 << 20,
	}
	cfg.Cache = CacheConfig{
		Type:           "tiered",
		MemoryMaxItems: 1000,
		MemoryMaxBytes: 8 << 20,
		RedisAddr:      "localhost:6379",
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
