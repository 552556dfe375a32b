package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Busy policies for a second submission to a device that already has a job in flight.
const (
	// BusyPolicyReject rejects the submission immediately with DeviceBusy.
	BusyPolicyReject = "reject"

	// BusyPolicyQueue holds the submission in a bounded per-device queue.
	BusyPolicyQueue = "queue"
)

// Config is the root configuration structure for the RT809F bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Replica      ReplicaConfig      `yaml:"replica"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Coordination CoordinationConfig `yaml:"coordination"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Database     DatabaseConfig     `yaml:"database"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Security     SecurityConfig     `yaml:"security"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
}

// ReplicaConfig identifies this process among the bridge replicas.
type ReplicaConfig struct {
	// ID must be unique per running replica. Defaults to the hostname.
	ID string `yaml:"id"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
//
// Write must exceed the longest GET /api/jobs wait, otherwise long-polls are
// cut off by the server.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains device WebSocket settings.
type WebSocketConfig struct {
	// MaxMessageSize bounds a single inbound frame in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// PingInterval is how often keepalive pings are sent (seconds).
	PingInterval int `yaml:"ping_interval"`

	// LivenessWindow is how long a session may stay silent before it is
	// torn down (seconds). Must be larger than PingInterval.
	LivenessWindow int `yaml:"liveness_window"`

	// WriteTimeout bounds a single frame write (seconds).
	WriteTimeout int `yaml:"write_timeout"`

	// SendBuffer is the per-session outbound frame queue length.
	SendBuffer int `yaml:"send_buffer"`

	// MaxConnections caps concurrent device sessions on this replica.
	MaxConnections int `yaml:"max_connections"`
}

// JobsConfig contains job correlation settings.
type JobsConfig struct {
	// DefaultTimeout applies when a submission does not carry one (seconds).
	DefaultTimeout int `yaml:"default_timeout"`

	// MaxTimeout caps caller-supplied job timeouts (seconds).
	MaxTimeout int `yaml:"max_timeout"`

	// MaxWait caps the long-poll wait on GET /api/jobs/{id} (seconds).
	MaxWait int `yaml:"max_wait"`

	// Retention is how long terminal jobs stay retrievable (seconds).
	Retention int `yaml:"retention"`

	// PurgeInterval is how often expired terminal jobs are removed (seconds).
	PurgeInterval int `yaml:"purge_interval"`

	// BusyPolicy is "reject" (default) or "queue".
	BusyPolicy string `yaml:"busy_policy"`

	// QueueDepth bounds the per-device queue when BusyPolicy is "queue".
	QueueDepth int `yaml:"queue_depth"`

	// MaxPayloadSize bounds a submitted payload in bytes.
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// CoordinationConfig contains cross-replica coordination settings.
// The coordination store is the MQTT broker configured under mqtt.
type CoordinationConfig struct {
	// Enabled turns on presence publishing and request relaying between replicas.
	// When disabled the bridge runs as a single replica.
	Enabled bool `yaml:"enabled"`

	// PresenceRefresh is how often local devices are re-announced (seconds).
	PresenceRefresh int `yaml:"presence_refresh"`

	// RequestTimeout bounds a relayed request to another replica (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite settings for the job history.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how long job history rows are kept (hours).
	HistoryRetention int `yaml:"history_retention"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// APIKey is the pre-shared key every REST and WebSocket request must present.
	APIKey       string             `yaml:"api_key"`
	DeviceTokens DeviceTokensConfig `yaml:"device_tokens"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

// DeviceTokensConfig contains settings for device-scoped upgrade tokens.
type DeviceTokensConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`

	// TTL is the token lifetime (minutes).
	TTL int `yaml:"ttl"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// ShutdownConfig contains graceful shutdown settings.
type ShutdownConfig struct {
	// GracePeriod is how long outstanding jobs may run after a termination
	// signal before sessions are forcibly closed (seconds).
	GracePeriod int `yaml:"grace_period"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults + environment
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Replica.ID == "" {
		cfg.Replica.ID = defaultReplicaID()
	}
	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = "rt809f-bridge-" + cfg.Replica.ID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 90,
				Idle:  120,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 4 << 20,
			PingInterval:   15,
			LivenessWindow: 45,
			WriteTimeout:   10,
			SendBuffer:     64,
			MaxConnections: 100,
		},
		Jobs: JobsConfig{
			DefaultTimeout: 30,
			MaxTimeout:     300,
			MaxWait:        60,
			Retention:      600,
			PurgeInterval:  30,
			BusyPolicy:     BusyPolicyReject,
			QueueDepth:     4,
			MaxPayloadSize: 256 << 10,
		},
		Coordination: CoordinationConfig{
			Enabled:         false,
			PresenceRefresh: 15,
			RequestTimeout:  5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Enabled:          true,
			Path:             "./data/rt809f-bridge.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 24 * 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			DeviceTokens: DeviceTokensConfig{
				TTL: 60,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             60,
			},
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 15,
		},
	}
}

// defaultReplicaID derives a replica identifier from the hostname.
func defaultReplicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "replica-0"
	}
	return sanitiseReplicaID(host)
}

// sanitiseReplicaID maps a hostname onto the identifier alphabet.
func sanitiseReplicaID(host string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(host) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	id := b.String()
	if len(id) > maxIdentifierLength {
		id = id[:maxIdentifierLength]
	}
	return id
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Variables follow the pattern RT809F_SECTION_KEY; PORT and API_KEY are also
// honoured because hosting platforms inject them.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("RT809F_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("RT809F_REPLICA_ID"); v != "" {
		cfg.Replica.ID = v
	}

	// MQTT / coordination
	if v := os.Getenv("RT809F_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
		cfg.Coordination.Enabled = true
	}
	if v := os.Getenv("RT809F_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("RT809F_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("RT809F_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("RT809F_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("RT809F_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - the API key must always come from the environment in production
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("RT809F_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("RT809F_DEVICE_TOKEN_SECRET"); v != "" {
		cfg.Security.DeviceTokens.Secret = v
	}
}

// Identifier constraints shared by replica IDs (device IDs are validated by
// the device package with the same alphabet).
const (
	maxIdentifierLength = 64
	minAPIKeyLength     = 16
	minTokenSecretLen   = 32
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if !identifierPattern.MatchString(c.Replica.ID) {
		errs = append(errs, "replica.id must be 1-64 characters of [A-Za-z0-9_-]")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.API.Timeouts.Read < 0 || c.API.Timeouts.Write < 0 || c.API.Timeouts.Idle < 0 {
		errs = append(errs, "api.timeouts must not be negative")
	}
	// A zero write timeout disables it.
	if c.API.Timeouts.Write > 0 && c.API.Timeouts.Write <= c.Jobs.MaxWait {
		errs = append(errs, "api.timeouts.write must exceed jobs.max_wait or long polls are cut off")
	}

	if c.WebSocket.PingInterval <= 0 {
		errs = append(errs, "websocket.ping_interval must be positive")
	}
	if c.WebSocket.LivenessWindow <= c.WebSocket.PingInterval {
		errs = append(errs, "websocket.liveness_window must be greater than websocket.ping_interval")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, "websocket.max_message_size must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, "websocket.send_buffer must be positive")
	}

	if c.Jobs.DefaultTimeout <= 0 || c.Jobs.MaxTimeout <= 0 {
		errs = append(errs, "jobs.default_timeout and jobs.max_timeout must be positive")
	} else if c.Jobs.DefaultTimeout > c.Jobs.MaxTimeout {
		errs = append(errs, "jobs.default_timeout must not exceed jobs.max_timeout")
	}
	if c.Jobs.Retention <= 0 || c.Jobs.PurgeInterval <= 0 {
		errs = append(errs, "jobs.retention and jobs.purge_interval must be positive")
	}
	switch c.Jobs.BusyPolicy {
	case BusyPolicyReject:
	case BusyPolicyQueue:
		if c.Jobs.QueueDepth < 1 {
			errs = append(errs, "jobs.queue_depth must be at least 1 when busy_policy is queue")
		}
	default:
		errs = append(errs, `jobs.busy_policy must be "reject" or "queue"`)
	}
	if c.Jobs.MaxWait < 0 {
		errs = append(errs, "jobs.max_wait must not be negative")
	}
	if c.Jobs.MaxPayloadSize <= 0 {
		errs = append(errs, "jobs.max_payload_size must be positive")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Coordination.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when coordination is enabled")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}

	// The pre-shared key guards physical programmer hardware; a short key is
	// trivially brute-forced.
	if c.Security.APIKey == "" {
		errs = append(errs, "security.api_key is required (set API_KEY environment variable)")
	} else if len(c.Security.APIKey) < minAPIKeyLength {
		errs = append(errs, "security.api_key must be at least 16 characters")
	}
	if c.Security.DeviceTokens.Enabled {
		if len(c.Security.DeviceTokens.Secret) < minTokenSecretLen {
			errs = append(errs, "security.device_tokens.secret must be at least 32 characters")
		}
		if c.Security.DeviceTokens.TTL <= 0 {
			errs = append(errs, "security.device_tokens.ttl must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ErrInvalidConfig is returned (wrapped) when Validate finds problems.
var ErrInvalidConfig = errors.New("configuration errors")

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

// Seconds converts a whole-second configuration value to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
