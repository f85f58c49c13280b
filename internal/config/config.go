// Package config provides configuration management for fleetrent.
//
// Configuration is assembled from, in increasing precedence:
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.fleetrent/config.yaml, /etc/fleetrent/config.yaml)
//  3. .env files
//  4. Environment variables (FR_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Use the FR_ prefix and underscores for nested keys:
//   - FR_SERVER_PORT=8080
//   - FR_DATABASE_DRIVER=postgres
//   - FR_RENTAL_PLATFORM_FEE_RATE=0.2
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration structure shared by the server and the
// node agent.
type Config struct {
	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database selects and configures the ledger store
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Ports is the public port range handed out to rentals
	Ports PortsConfig `mapstructure:"ports" yaml:"ports"`

	// Rental contains settlement settings
	Rental RentalConfig `mapstructure:"rental" yaml:"rental"`

	// Tunnel describes the frps server nodes tunnel through
	Tunnel TunnelConfig `mapstructure:"tunnel" yaml:"tunnel"`

	// Registry contains node liveness settings
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`

	// Reaper contains the background sweep settings
	Reaper ReaperConfig `mapstructure:"reaper" yaml:"reaper"`

	// Telemetry configures the heartbeat metrics store
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Events configures the lifecycle event publisher
	Events EventsConfig `mapstructure:"events" yaml:"events"`

	// Tracing configures OpenTelemetry tracing
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`

	// Logging contains logger settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Security contains authentication and rate limiting settings
	Security SecurityConfig `mapstructure:"security" yaml:"security"`

	// Agent configures the node agent (only read by `fleetrent agent`)
	Agent AgentConfig `mapstructure:"agent" yaml:"agent"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port" yaml:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Debug exposes internal error details in API responses
	Debug bool `mapstructure:"debug" yaml:"debug"`

	// TLSEnabled enables HTTPS
	TLSEnabled bool `mapstructure:"tls_enabled" yaml:"tls_enabled"`

	// TLSCert is the path to the TLS certificate file
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert"`

	// TLSKey is the path to the TLS private key file
	TLSKey string `mapstructure:"tls_key" yaml:"tls_key"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	// Driver is sqlite or postgres
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is the driver-specific data source name
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// MaxOpenConns caps the connection pool (forced to 1 for sqlite)
	MaxOpenConns int `mapstructure:"max_open_conns" yaml:"max_open_conns"`

	// MaxIdleConns caps idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles connections after this duration
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// LogQueries logs every SQL statement at debug level
	LogQueries bool `mapstructure:"log_queries" yaml:"log_queries"`
}

// PortsConfig is the closed range [Start, End] of public ports.
type PortsConfig struct {
	Start int `mapstructure:"start" yaml:"start"`
	End   int `mapstructure:"end" yaml:"end"`
}

// Size returns the number of ports in the range.
func (p PortsConfig) Size() int {
	return p.End - p.Start + 1
}

// RentalConfig contains rental and settlement settings.
type RentalConfig struct {
	// PlatformFeeRate is the fraction of each settlement kept by the
	// platform; it only reduces the owner credit
	PlatformFeeRate string `mapstructure:"platform_fee_rate" yaml:"platform_fee_rate"`

	// Services are the container ports reserved for every rental
	Services []int `mapstructure:"services" yaml:"services"`

	// SSHUser is the login user advertised to renters
	SSHUser string `mapstructure:"ssh_user" yaml:"ssh_user"`

	// PendingTimeout rolls back rentals whose start is never confirmed
	PendingTimeout time.Duration `mapstructure:"pending_timeout" yaml:"pending_timeout"`

	// StopTimeout is sent to nodes as the graceful stop timeout
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// FeeRate parses PlatformFeeRate.
func (r RentalConfig) FeeRate() (decimal.Decimal, error) {
	return decimal.NewFromString(r.PlatformFeeRate)
}

// TunnelConfig describes the frps server.
type TunnelConfig struct {
	// ServerAddr is the address frpc connects to
	ServerAddr string `mapstructure:"server_addr" yaml:"server_addr"`

	// ServerPort is the frps bind port (default: 7000)
	ServerPort int `mapstructure:"server_port" yaml:"server_port"`

	// Token authenticates frpc with frps
	Token string `mapstructure:"token" yaml:"token"`

	// PublicHost is the hostname renters connect to
	PublicHost string `mapstructure:"public_host" yaml:"public_host"`
}

// RegistryConfig contains node liveness settings.
type RegistryConfig struct {
	// HeartbeatExpiry marks a silent node offline (default: 15s)
	HeartbeatExpiry time.Duration `mapstructure:"heartbeat_expiry" yaml:"heartbeat_expiry"`

	// ReapAfter closes the session of a node silent this long; 0 disables it
	ReapAfter time.Duration `mapstructure:"reap_after" yaml:"reap_after"`

	// SendQueue is the per-connection outbound buffer size
	SendQueue int `mapstructure:"send_queue" yaml:"send_queue"`
}

// ReaperConfig controls the background sweep.
type ReaperConfig struct {
	// Enabled runs the sweep loop in the server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between sweeps (default: 30s)
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// TelemetryConfig configures the badger heartbeat store.
type TelemetryConfig struct {
	// Path is the badger directory; empty keeps telemetry in memory
	Path string `mapstructure:"path" yaml:"path"`

	// Retention is the TTL of each heartbeat sample
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// EventsConfig configures the NATS publisher.
type EventsConfig struct {
	// NATSURL is the NATS server; empty disables publishing
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`

	// SubjectPrefix prefixes every subject (default: fleet)
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	// Enabled installs a tracer provider writing spans to stdout
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServiceName is the resource service.name attribute
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format" yaml:"format"`
}

// SecurityConfig contains security and rate limiting settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// JWTSecret signs user tokens
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`

	// JWTExpiration is the user token lifetime (default: 24h)
	JWTExpiration time.Duration `mapstructure:"jwt_expiration" yaml:"jwt_expiration"`

	// NodeTokenSecret signs node credentials
	NodeTokenSecret string `mapstructure:"node_token_secret" yaml:"node_token_secret"`
}

// AgentConfig configures the node agent.
type AgentConfig struct {
	// BackendURL is the server's /fleet websocket endpoint
	BackendURL string `mapstructure:"backend_url" yaml:"backend_url"`

	// Token is the node credential (JWT or nk_ API key)
	Token string `mapstructure:"token" yaml:"token"`

	// NodeID identifies this node
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	// HeartbeatInterval is the heartbeat period (default: 5s)
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// ReconnectDelay is the initial reconnect backoff (default: 5s)
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the reconnect backoff (default: 300s)
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay" yaml:"max_reconnect_delay"`

	// HTTPAddr is the local status endpoint address, empty to disable
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`

	// FRP configures the local tunnel client
	FRP FRPConfig `mapstructure:"frp" yaml:"frp"`

	// Docker configures container execution
	Docker DockerConfig `mapstructure:"docker" yaml:"docker"`
}

// FRPConfig configures frpc on the node.
type FRPConfig struct {
	ServerAddr string `mapstructure:"server_addr" yaml:"server_addr"`
	ServerPort int    `mapstructure:"server_port" yaml:"server_port"`
	Token      string `mapstructure:"token" yaml:"token"`

	// FRPCPath is the frpc binary; empty searches PATH
	FRPCPath string `mapstructure:"frpc_path" yaml:"frpc_path"`
}

// DockerConfig configures containers started for rentals.
type DockerConfig struct {
	// Socket overrides DOCKER_HOST when set
	Socket string `mapstructure:"socket" yaml:"socket"`

	// AllowedImages are glob patterns images must match
	AllowedImages []string `mapstructure:"allowed_images" yaml:"allowed_images"`

	// NetworkMode for rental containers (default: bridge)
	NetworkMode string `mapstructure:"network_mode" yaml:"network_mode"`

	// RestartPolicy for rental containers (default: no)
	RestartPolicy string `mapstructure:"restart_policy" yaml:"restart_policy"`

	// CleanupAfter removes exited rental containers after this long
	CleanupAfter time.Duration `mapstructure:"cleanup_after" yaml:"cleanup_after"`

	// MaxConcurrentRentals limits containers on this node; 0 is unlimited
	MaxConcurrentRentals int `mapstructure:"max_concurrent_rentals" yaml:"max_concurrent_rentals"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.fleetrent")
		v.AddConfigPath("/etc/fleetrent")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			// a missing explicit file falls back to defaults
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig()

	v.SetEnvPrefix("FR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = c
	return c, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c := &Config{}
	_ = v.Unmarshal(c)
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fleetrent.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.log_queries", false)

	v.SetDefault("ports.start", 10000)
	v.SetDefault("ports.end", 10100)

	v.SetDefault("rental.platform_fee_rate", "0.15")
	v.SetDefault("rental.services", []int{22, 8888})
	v.SetDefault("rental.ssh_user", "root")
	v.SetDefault("rental.pending_timeout", "5m")
	v.SetDefault("rental.stop_timeout", "30s")

	v.SetDefault("tunnel.server_addr", "localhost")
	v.SetDefault("tunnel.server_port", 7000)
	v.SetDefault("tunnel.token", "")
	v.SetDefault("tunnel.public_host", "")

	v.SetDefault("registry.heartbeat_expiry", "15s")
	v.SetDefault("registry.reap_after", "0s")
	v.SetDefault("registry.send_queue", 256)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", "30s")

	v.SetDefault("telemetry.path", "")
	v.SetDefault("telemetry.retention", "24h")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "fleet")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fleetrent")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("security.rate_limit", 100)
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.jwt_secret", "change-me-in-production")
	v.SetDefault("security.jwt_expiration", "24h")
	v.SetDefault("security.node_token_secret", "change-me-in-production")

	v.SetDefault("agent.backend_url", "ws://localhost:8080/fleet")
	v.SetDefault("agent.heartbeat_interval", "5s")
	v.SetDefault("agent.reconnect_delay", "5s")
	v.SetDefault("agent.max_reconnect_delay", "300s")
	v.SetDefault("agent.http_addr", "")
	v.SetDefault("agent.frp.server_addr", "localhost")
	v.SetDefault("agent.frp.server_port", 7000)
	v.SetDefault("agent.docker.allowed_images", []string{
		"pytorch/pytorch:*",
		"tensorflow/tensorflow:*",
		"jupyter/scipy-notebook:*",
		"nvidia/cuda:*",
	})
	v.SetDefault("agent.docker.network_mode", "bridge")
	v.SetDefault("agent.docker.restart_policy", "no")
	v.SetDefault("agent.docker.cleanup_after", "300s")
	v.SetDefault("agent.docker.max_concurrent_rentals", 0)
}

func validate(c *Config) error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Ports.Start < 1 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		return fmt.Errorf("invalid port range: [%d, %d]", c.Ports.Start, c.Ports.End)
	}

	if len(c.Rental.Services) == 0 {
		return fmt.Errorf("at least one rental service port is required")
	}

	fee, err := c.Rental.FeeRate()
	if err != nil {
		return fmt.Errorf("invalid platform fee rate %q: %w", c.Rental.PlatformFeeRate, err)
	}
	if fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("platform fee rate must be within [0, 1], got %s", fee)
	}

	if c.Registry.HeartbeatExpiry <= 0 {
		return fmt.Errorf("registry heartbeat expiry must be positive")
	}

	return nil
}

// Get returns the configuration produced by the last successful Load.
func Get() *Config {
	return cfg
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
