// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"rtu-gateway/internal/bacnet"
	"rtu-gateway/internal/frame"
	"rtu-gateway/internal/stream"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Channels    []ChannelConfig   `mapstructure:"channels"`
	Listener    ListenerConfig    `mapstructure:"listener"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig represents ring buffer and framing settings
type TransportConfig struct {
	RingCapacity  int           `mapstructure:"ring_capacity"`
	ReadChunk     int           `mapstructure:"read_chunk"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ByteOrder     string        `mapstructure:"byte_order"`
	HeaderVersion uint16        `mapstructure:"header_version"`
}

// CorrelationConfig represents request/response settings
type CorrelationConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxResends     int           `mapstructure:"max_resends"`
	ResendDelay    time.Duration `mapstructure:"resend_delay"`
}

// ChannelConfig describes a channel opened at startup
type ChannelConfig struct {
	ID       string        `mapstructure:"id"`
	Protocol string        `mapstructure:"protocol"`
	Stream   stream.Config `mapstructure:"stream"`
}

// ListenerConfig represents the inbound device listener
type ListenerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Protocol string `mapstructure:"protocol"`
}

var (
	validEnvironments = []string{"development", "staging", "production", "test"}
	validLevels       = []string{"debug", "info", "warn", "error", "fatal"}
	validProtocols    = []string{"header", "meter", "bacnet"}
)

// Load reads configuration from path, or from config.yaml in the usual
// locations when path is empty, and applies RTU_GATEWAY_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/rtu-gateway")
	}

	// Environment variable support
	v.SetEnvPrefix("RTU_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// no file in the search path; defaults and environment only
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "rtu-gateway")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Transport defaults
	v.SetDefault("transport.ring_capacity", 4096)
	v.SetDefault("transport.read_chunk", 512)
	v.SetDefault("transport.read_timeout", "100ms")
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.byte_order", "native")
	v.SetDefault("transport.header_version", 0)

	// Correlation defaults
	v.SetDefault("correlation.request_timeout", "3s")
	v.SetDefault("correlation.max_resends", 3)
	v.SetDefault("correlation.resend_delay", "100ms")

	// Listener defaults
	v.SetDefault("listener.enabled", false)
	v.SetDefault("listener.address", "0.0.0.0:47808")
	v.SetDefault("listener.protocol", "bacnet")
}

// MinRingCapacity is the largest meter or BACnet frame. Header frames are
// capped at the ring capacity itself.
func MinRingCapacity() int {
	return max(frame.MaxMeterFrameSize, bacnet.MaxBVLCLength, frame.HeaderSize)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	if !slices.Contains(validEnvironments, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvironments)
	}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	t := config.Transport
	if t.RingCapacity <= 0 || t.RingCapacity&(t.RingCapacity-1) != 0 {
		return fmt.Errorf("transport.ring_capacity must be a power of two, got %d", t.RingCapacity)
	}
	if floor := MinRingCapacity(); t.RingCapacity < floor {
		return fmt.Errorf("transport.ring_capacity %d is below the largest fixed-size frame (%d bytes)", t.RingCapacity, floor)
	}
	if t.ReadChunk <= 0 {
		return fmt.Errorf("transport.read_chunk must be positive")
	}
	if _, err := frame.ParseByteOrder(t.ByteOrder); err != nil {
		return fmt.Errorf("transport.byte_order: %w", err)
	}

	if config.Correlation.MaxResends < 0 {
		return fmt.Errorf("correlation.max_resends must not be negative")
	}
	if config.Correlation.RequestTimeout <= 0 {
		return fmt.Errorf("correlation.request_timeout must be positive")
	}

	seen := make(map[string]bool)
	for i, ch := range config.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("channels[%d].id %q is duplicated", i, ch.ID)
		}
		seen[ch.ID] = true
		if !slices.Contains(validProtocols, strings.ToLower(ch.Protocol)) {
			return fmt.Errorf("channels[%d].protocol must be one of: %v", i, validProtocols)
		}
		sc := ch.Stream
		sc.ApplyDefaults()
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("channels[%d].stream: %w", i, err)
		}
	}

	if config.Listener.Enabled && !slices.Contains(validProtocols, strings.ToLower(config.Listener.Protocol)) {
		return fmt.Errorf("listener.protocol must be one of: %v", validProtocols)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
