// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ashureev/walletlink/internal/chain"
)

// EnvPrefix prefixes every environment variable, e.g. WALLETLINK_NETWORK.
const EnvPrefix = "WALLETLINK"

// Config holds all application configuration.
type Config struct {
	Network        string   `mapstructure:"network"`
	StoreURL       string   `mapstructure:"store_url"`
	RelayURL       string   `mapstructure:"relay_url"`
	ExtensionAddr  string   `mapstructure:"extension_addr"`
	Port           string   `mapstructure:"port"`
	FrontendURL    string   `mapstructure:"frontend_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	SignTimeout      time.Duration `mapstructure:"sign_timeout"`
	SerializeSigns   bool          `mapstructure:"serialize_signs"`

	SignRatePerMinute int `mapstructure:"sign_rate_per_minute"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// RelayPort is used by the development relay.
	RelayPort string `mapstructure:"relay_port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", string(chain.Mainnet))
	v.SetDefault("store_url", "./data/walletlink.db")
	v.SetDefault("relay_url", "ws://localhost:8090/relay")
	v.SetDefault("extension_addr", "")
	v.SetDefault("port", "8080")
	v.SetDefault("frontend_url", "")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("handshake_timeout", 5*time.Minute)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("sign_timeout", 2*time.Minute)
	v.SetDefault("serialize_signs", false)
	v.SetDefault("sign_rate_per_minute", 30)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("relay_port", "8090")
}

// Load reads configuration from the optional TOML file at path, then from
// the environment. Environment variables win.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is honored for platforms that inject it.
	if err := v.BindEnv("port", EnvPrefix+"_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("bind port: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(c.Network); err != nil {
		return err
	}
	if c.StoreURL == "" {
		return errors.New("store_url cannot be empty")
	}
	if c.Port == "" {
		return errors.New("port cannot be empty")
	}
	if c.RelayURL != "" && !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("relay_url must be a ws:// or wss:// URL, got %q", c.RelayURL)
	}
	if c.HandshakeTimeout <= 0 || c.RequestTimeout <= 0 || c.SignTimeout <= 0 {
		return errors.New("timeouts must be > 0")
	}
	if c.SignRatePerMinute <= 0 {
		return errors.New("sign_rate_per_minute must be > 0")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// ChainNetwork returns the configured network.
func (c *Config) ChainNetwork() chain.Network {
	n, _ := chain.ParseNetwork(c.Network)
	return n
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// splitList accepts both TOML arrays and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
