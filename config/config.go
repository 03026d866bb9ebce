/*
Package config loads engine configuration.

SOURCES (later wins):
  1. Defaults below
  2. Optional config file (BILLING_CONFIG_FILE, yaml/json/toml)
  3. .env file in the working directory (loaded into the environment)
  4. Environment variables prefixed BILLING_ (e.g. BILLING_DATABASE_PATH)

Command-line flags in cmd/server override the loaded values.
*/
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	LockLocal  = "local"
	LockValkey = "valkey"

	FallbackSimulate = "simulate"
	FallbackStrict   = "strict"
)

type Config struct {
	ServerPort      int
	DatabasePath    string
	LockBackend     string
	ValkeyAddress   string
	BillingFallback string
	LogLevel        string
	LogFormat       string
	AllowedOrigins  []string
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "billing.db")
	v.SetDefault("lock.backend", LockLocal)
	v.SetDefault("valkey.address", "localhost:6379")
	v.SetDefault("billing.fallback", FallbackSimulate)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.origins", []string{"http://localhost:5173", "http://localhost:8080"})

	if file := v.GetString("config.file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		ServerPort:      v.GetInt("server.port"),
		DatabasePath:    v.GetString("database.path"),
		LockBackend:     strings.ToLower(v.GetString("lock.backend")),
		ValkeyAddress:   v.GetString("valkey.address"),
		BillingFallback: strings.ToLower(v.GetString("billing.fallback")),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		AllowedOrigins:  origins(v),
	}
	return cfg, cfg.Validate()
}

// origins reads cors.origins. A string value, as set through
// BILLING_CORS_ORIGINS, is a comma-separated list.
func origins(v *viper.Viper) []string {
	raw, ok := v.Get("cors.origins").(string)
	if !ok {
		return v.GetStringSlice("cors.origins")
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is empty")
	}
	if c.ServerPort <= 0 {
		return fmt.Errorf("invalid server port %d", c.ServerPort)
	}
	switch c.LockBackend {
	case LockLocal:
	case LockValkey:
		if c.ValkeyAddress == "" {
			return fmt.Errorf("valkey lock backend requires an address")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	switch c.BillingFallback {
	case FallbackSimulate, FallbackStrict:
	default:
		return fmt.Errorf("unknown billing fallback %q", c.BillingFallback)
	}
	return nil
}
