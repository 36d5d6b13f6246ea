package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every env tag in this package.
const envPrefix = "REBUS_"

// Supported storage drivers.
const (
	DriverSQLite3  = "sqlite3"  // mattn/go-sqlite3 (cgo)
	DriverSQLite   = "sqlite"   // modernc.org/sqlite (pure Go)
	DriverMySQL    = "mysql"    // go-sql-driver/mysql
	DriverDynamoDB = "dynamodb" // aws-sdk-go-v2 DynamoDB
)

// Config is the root configuration structure for Rebus Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
	Journal   JournalConfig   `yaml:"journal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig identifies the game server this instance belongs to.
type ServerConfig struct {
	ID   string `yaml:"id" env:"SERVER_ID"`
	Name string `yaml:"name"`
}

// StorageConfig selects and configures the backing store.
//
// Context partitions rows so that several game servers can share one database.
type StorageConfig struct {
	Driver  string `yaml:"driver" env:"STORAGE_DRIVER"`
	Context string `yaml:"context" env:"STORAGE_CONTEXT"`

	// SQLite
	Path        string `yaml:"path" env:"STORAGE_PATH"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// MySQL
	Host     string `yaml:"host" env:"STORAGE_HOST"`
	Port     int    `yaml:"port" env:"STORAGE_PORT"`
	Database string `yaml:"database" env:"STORAGE_DATABASE"`
	Username string `yaml:"username" env:"STORAGE_USERNAME"`
	Password string `yaml:"password" env:"STORAGE_PASSWORD"`

	Pool             PoolConfig     `yaml:"pool"`
	OperationTimeout time.Duration  `yaml:"operation_timeout" env:"STORAGE_OPERATION_TIMEOUT"`
	SchemaVersion    string         `yaml:"schema_version" env:"STORAGE_SCHEMA_VERSION"`
	DynamoDB         DynamoDBConfig `yaml:"dynamodb"`
}

// PoolConfig bounds the store connection pool.
type PoolConfig struct {
	MaxOpen        int           `yaml:"max_open" env:"STORAGE_POOL_MAX_OPEN"`
	MaxIdle        int           `yaml:"max_idle"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"STORAGE_POOL_ACQUIRE_TIMEOUT"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
}

// DynamoDBConfig configures the DynamoDB backend.
type DynamoDBConfig struct {
	Region    string `yaml:"region" env:"DYNAMODB_REGION"`
	Table     string `yaml:"table" env:"DYNAMODB_TABLE"`
	Endpoint  string `yaml:"endpoint" env:"DYNAMODB_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"DYNAMODB_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"DYNAMODB_SECRET_KEY"`
}

// CacheConfig contains cache sizing and residency settings.
type CacheConfig struct {
	MaxEntries          int           `yaml:"max_entries" env:"CACHE_MAX_ENTRIES"`
	Shards              int           `yaml:"shards"`
	MinResidency        time.Duration `yaml:"min_residency"`
	IdleTTL             time.Duration `yaml:"idle_ttl"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// SyncConfig contains write-behind engine settings.
type SyncConfig struct {
	Workers             int           `yaml:"workers" env:"SYNC_WORKERS"`
	QueueSize           int           `yaml:"queue_size"`
	FlushInterval       time.Duration `yaml:"flush_interval" env:"SYNC_FLUSH_INTERVAL"`
	RetryInitial        time.Duration `yaml:"retry_initial"`
	RetryMax            time.Duration `yaml:"retry_max"`
	PoolTimeoutRetryMax time.Duration `yaml:"pool_timeout_retry_max"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" env:"SYNC_SHUTDOWN_TIMEOUT"`
}

// JournalConfig controls the on-disk spill journal for undrained writes.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" env:"JOURNAL_ENABLED"`
	Path    string `yaml:"path" env:"JOURNAL_PATH"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled" env:"MQTT_ENABLED"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" env:"MQTT_HOST"`
	Port     int    `yaml:"port" env:"MQTT_PORT"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled" env:"API_ENABLED"`
	Host     string           `yaml:"host" env:"API_HOST"`
	Port     int              `yaml:"port" env:"API_PORT"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket settings for GUI subscribers.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" env:"INFLUXDB_ENABLED"`
	URL           string `yaml:"url" env:"INFLUXDB_URL"`
	Token         string `yaml:"token" env:"INFLUXDB_TOKEN"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// TracingConfig contains OpenTelemetry exporter settings.
// An empty endpoint leaves the global no-op tracer in place.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"TRACING_ENDPOINT"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains operator token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret" env:"JWT_SECRET"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: REBUS_SECTION_KEY
// For example: REBUS_STORAGE_PATH, REBUS_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays REBUS_* environment variables onto cfg.
// Variables that are not set leave the existing value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ID:   "server-001",
			Name: "Rebus",
		},
		Storage: StorageConfig{
			Driver:      DriverSQLite3,
			Context:     "default",
			Path:        "./data/rebus.db",
			WALMode:     true,
			BusyTimeout: 5,
			Port:        3306,
			Pool: PoolConfig{
				MaxOpen:        10,
				MaxIdle:        2,
				AcquireTimeout: 2 * time.Second,
				MaxLifetime:    30 * time.Minute,
			},
			OperationTimeout: 5 * time.Second,
			DynamoDB: DynamoDBConfig{
				Region: "us-east-1",
				Table:  "rebus_entities",
			},
		},
		Cache: CacheConfig{
			MaxEntries:          1000,
			Shards:              16,
			MinResidency:        30 * time.Second,
			IdleTTL:             5 * time.Minute,
			MaintenanceInterval: 30 * time.Second,
		},
		Sync: SyncConfig{
			Workers:             4,
			QueueSize:           1024,
			FlushInterval:       5 * time.Second,
			RetryInitial:        500 * time.Millisecond,
			RetryMax:            time.Minute,
			PoolTimeoutRetryMax: 5 * time.Second,
			ShutdownTimeout:     30 * time.Second,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "./data/journal",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "rebus-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Org:           "rebus",
			Bucket:        "rebus",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ID == "" {
		errs = append(errs, "server.id is required")
	}

	errs = append(errs, c.Storage.validate()...)

	if c.Cache.MaxEntries < 1 {
		errs = append(errs, "cache.max_entries must be positive")
	}
	if c.Cache.Shards < 1 || c.Cache.Shards&(c.Cache.Shards-1) != 0 {
		errs = append(errs, "cache.shards must be a power of two")
	}

	if c.Sync.Workers < 1 {
		errs = append(errs, "sync.workers must be positive")
	}
	if c.Sync.FlushInterval <= 0 {
		errs = append(errs, "sync.flush_interval must be positive")
	}
	if c.Sync.ShutdownTimeout <= 0 {
		errs = append(errs, "sync.shutdown_timeout must be positive")
	}
	if c.Sync.RetryInitial <= 0 || c.Sync.RetryMax < c.Sync.RetryInitial {
		errs = append(errs, "sync.retry_initial must be positive and not above sync.retry_max")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// Operator endpoints can delete entities and clear failures.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set REBUS_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (s StorageConfig) validate() []string {
	var errs []string
	if s.Context == "" {
		errs = append(errs, "storage.context is required")
	}

	switch s.Driver {
	case DriverSQLite3, DriverSQLite:
		if s.Path == "" {
			errs = append(errs, "storage.path is required for sqlite drivers")
		}
	case DriverMySQL:
		if s.Host == "" || s.Database == "" {
			errs = append(errs, "storage.host and storage.database are required for mysql")
		}
	case DriverDynamoDB:
		if s.DynamoDB.Table == "" {
			errs = append(errs, "storage.dynamodb.table is required for dynamodb")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported", s.Driver))
	}

	if s.Pool.MaxOpen < 1 {
		errs = append(errs, "storage.pool.max_open must be positive")
	}
	if s.Pool.AcquireTimeout <= 0 {
		errs = append(errs, "storage.pool.acquire_timeout must be positive")
	}
	if s.OperationTimeout <= 0 {
		errs = append(errs, "storage.operation_timeout must be positive")
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
