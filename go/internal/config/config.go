package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/bidding"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/mcdev12/winningbid/go/internal/validation"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type Config struct {
	LogLevel  string          `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	API       APIConfig       `yaml:"api"`
	Channel   ChannelConfig   `yaml:"channel"`
	Bidding   BiddingConfig   `yaml:"bidding"`
	Countdown CountdownConfig `yaml:"countdown"`
	Debug     DebugConfig     `yaml:"debug"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type ChannelConfig struct {
	Transport         string          `yaml:"transport" validate:"oneof=websocket nats"`
	URL               string          `yaml:"url" validate:"required,url"`
	NATSSubjectPrefix string          `yaml:"nats_subject_prefix" validate:"required_if=Transport nats"`
	PingInterval      time.Duration   `yaml:"ping_interval" validate:"gt=0"`
	ReadTimeout       time.Duration   `yaml:"read_timeout" validate:"gtfield=PingInterval"`
	WriteTimeout      time.Duration   `yaml:"write_timeout" validate:"gt=0"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Initial     time.Duration `yaml:"initial" validate:"gt=0"`
	Max         time.Duration `yaml:"max" validate:"gtefield=Initial"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
}

type BiddingConfig struct {
	Cooldown           time.Duration `yaml:"cooldown" validate:"gte=0"`
	MaxMultiplier      float64       `yaml:"max_multiplier" validate:"gt=1"`
	DefaultPercentages []int         `yaml:"default_percentages" validate:"min=1,dive,gt=0,lte=100"`
}

type CountdownConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type DebugConfig struct {
	// Addr of the local state server; empty disables it
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file or environment overrides are present
func Default() *Config {
	conn := channel.DefaultConnectionConfig()
	reconnect := channel.DefaultReconnectConfig()
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			BaseURL: winningbid_client.BaseURL,
			Timeout: 30 * time.Second,
		},
		Channel: ChannelConfig{
			Transport:         TransportWebSocket,
			URL:               "wss://winning-bid-app.onrender.com/ws",
			NATSSubjectPrefix: channel.DefaultNATSConfig().SubjectPrefix,
			PingInterval:      conn.PingInterval,
			ReadTimeout:       conn.ReadTimeout,
			WriteTimeout:      conn.WriteTimeout,
			Reconnect: ReconnectConfig{
				Initial:     reconnect.Initial,
				Max:         reconnect.Max,
				MaxAttempts: reconnect.MaxAttempts,
			},
		},
		Bidding: BiddingConfig{
			Cooldown:           bidding.DefaultCooldown,
			MaxMultiplier:      4,
			DefaultPercentages: []int{10, 15, 20},
		},
		Countdown: CountdownConfig{
			Interval: time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.API.BaseURL = getEnv("WINNINGBID_API_URL", c.API.BaseURL)
	c.API.Timeout = getEnvAsDuration("WINNINGBID_API_TIMEOUT", c.API.Timeout)
	c.Channel.Transport = getEnv("WINNINGBID_CHANNEL_TRANSPORT", c.Channel.Transport)
	c.Channel.URL = getEnv("WINNINGBID_CHANNEL_URL", c.Channel.URL)
	c.Channel.NATSSubjectPrefix = getEnv("WINNINGBID_NATS_SUBJECT_PREFIX", c.Channel.NATSSubjectPrefix)
	c.Channel.Reconnect.MaxAttempts = getEnvAsInt("WINNINGBID_RECONNECT_MAX_ATTEMPTS", c.Channel.Reconnect.MaxAttempts)
	c.Bidding.Cooldown = getEnvAsDuration("WINNINGBID_BID_COOLDOWN", c.Bidding.Cooldown)
	c.Debug.Addr = getEnv("WINNINGBID_DEBUG_ADDR", c.Debug.Addr)
}

// Validate checks the configuration against its struct tags
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level returns the zerolog level for LogLevel
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// ConnectionConfig returns the WebSocket settings
func (c ChannelConfig) ConnectionConfig() channel.ConnectionConfig {
	conn := channel.DefaultConnectionConfig()
	conn.PingInterval = c.PingInterval
	conn.ReadTimeout = c.ReadTimeout
	conn.WriteTimeout = c.WriteTimeout
	return conn
}

// NATSConfig returns the NATS transport settings
func (c ChannelConfig) NATSConfig() channel.NATSConfig {
	nc := channel.DefaultNATSConfig()
	nc.URL = c.URL
	nc.SubjectPrefix = c.NATSSubjectPrefix
	nc.Timeout = c.WriteTimeout
	return nc
}

// ReconnectConfig returns the reconnect backoff settings
func (c ChannelConfig) ReconnectConfig() channel.ReconnectConfig {
	return channel.ReconnectConfig{
		Initial:     c.Reconnect.Initial,
		Max:         c.Reconnect.Max,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// Dialer builds the transport selected by Transport
func (c ChannelConfig) Dialer() channel.Dialer {
	if c.Transport == TransportNATS {
		return channel.NewNATSDialer(c.NATSConfig())
	}
	return channel.NewWebSocketDialer(c.URL, c.ConnectionConfig())
}

// SubmitterConfig returns the bid submitter settings
func (b BiddingConfig) SubmitterConfig() bidding.Config {
	return bidding.Config{
		Cooldown:      b.Cooldown,
		MaxMultiplier: decimal.NewFromFloat(b.MaxMultiplier),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
