package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

var (
	DefaultFallbackGrace         = 8 * time.Second
	DefaultFallbackInterval      = 20 * time.Second
	DefaultReconnectInitialDelay = 800 * time.Millisecond
	DefaultReconnectMaxDelay     = 12 * time.Second
	DefaultReconnectJitter       = 0.5
	DefaultHTTPTimeout           = 15 * time.Second
)

type Config struct {
	// Server endpoints
	APIBaseURL    string `yaml:"api_base_url"`
	PushURL       string `yaml:"push_url"`
	PushAuthParam string `yaml:"push_auth_param"`

	// Credential supplied through the environment. Empty means "use the keyring".
	Token string `yaml:"-"`

	// Fallback polling
	FallbackGrace    time.Duration `yaml:"fallback_grace"`
	FallbackInterval time.Duration `yaml:"fallback_interval"`

	// Push reconnection
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter       float64       `yaml:"reconnect_jitter"`

	// REST
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Local bridge for the dashboard UI
	BridgeAddr         string `yaml:"bridge_addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// NATS relay of new notifications (optional)
	NatsURL           string `yaml:"nats_url"`
	NatsSubjectPrefix string `yaml:"nats_subject_prefix"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from .env, the process environment and, when present,
// the YAML file named by CONFIG_FILE. File values only fill settings the
// environment left at their defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := FromEnv()

	configFilePath := getEnvOrDefault("CONFIG_FILE", "opsdash.yaml")
	configFile, err := os.Open(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("opening config file %s: %w", configFilePath, err)
	}
	defer configFile.Close()

	var fileCfg Config
	if err := LoadConfigFile(configFile, &fileCfg); err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", configFilePath, err)
	}
	cfg.overlay(&fileCfg)

	return cfg, nil
}

// FromEnv builds a Config from environment variables only.
func FromEnv() *Config {
	return &Config{
		APIBaseURL:    strings.TrimRight(getEnvOrDefault("API_BASE_URL", ""), "/"),
		PushURL:       getEnvOrDefault("PUSH_URL", ""),
		PushAuthParam: getEnvOrDefault("PUSH_AUTH_PARAM", "token"),

		Token: strings.TrimSpace(getEnvOrDefault("OPSDASH_TOKEN", "")),

		FallbackGrace:    getEnvAsDuration("FALLBACK_GRACE", DefaultFallbackGrace),
		FallbackInterval: getEnvAsDuration("FALLBACK_INTERVAL", DefaultFallbackInterval),

		ReconnectInitialDelay: getEnvAsDuration("RECONNECT_INITIAL_DELAY", DefaultReconnectInitialDelay),
		ReconnectMaxDelay:     getEnvAsDuration("RECONNECT_MAX_DELAY", DefaultReconnectMaxDelay),
		ReconnectJitter:       getEnvFloat("RECONNECT_JITTER", DefaultReconnectJitter),

		HTTPTimeout: getEnvAsDuration("HTTP_TIMEOUT", DefaultHTTPTimeout),

		BridgeAddr:         getEnvOrDefault("BRIDGE_ADDR", "127.0.0.1:8787"),
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		NatsURL:           getEnvOrDefault("NATS_URL", ""),
		NatsSubjectPrefix: getEnvOrDefault("NATS_SUBJECT_PREFIX", "opsdash.notifications"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

// Validate reports settings the client cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}
	if c.PushURL == "" {
		missing = append(missing, "PUSH_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.FallbackGrace <= 0 || c.FallbackInterval <= 0 {
		return fmt.Errorf("fallback grace and interval must be positive")
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("reconnect delays must be positive and max >= initial")
	}
	return nil
}

// AllowedOrigins splits CORSAllowedOrigins on commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// overlay copies values from the file config for settings the environment did not set.
func (c *Config) overlay(file *Config) {
	overlayString := func(dst *string, envKey, value string) {
		if os.Getenv(envKey) == "" && value != "" {
			*dst = value
		}
	}
	overlayDuration := func(dst *time.Duration, envKey string, value time.Duration) {
		if os.Getenv(envKey) == "" && value > 0 {
			*dst = value
		}
	}

	overlayString(&c.APIBaseURL, "API_BASE_URL", strings.TrimRight(file.APIBaseURL, "/"))
	overlayString(&c.PushURL, "PUSH_URL", file.PushURL)
	overlayString(&c.PushAuthParam, "PUSH_AUTH_PARAM", file.PushAuthParam)
	overlayDuration(&c.FallbackGrace, "FALLBACK_GRACE", file.FallbackGrace)
	overlayDuration(&c.FallbackInterval, "FALLBACK_INTERVAL", file.FallbackInterval)
	overlayDuration(&c.ReconnectInitialDelay, "RECONNECT_INITIAL_DELAY", file.ReconnectInitialDelay)
	overlayDuration(&c.ReconnectMaxDelay, "RECONNECT_MAX_DELAY", file.ReconnectMaxDelay)
	if os.Getenv("RECONNECT_JITTER") == "" && file.ReconnectJitter > 0 {
		c.ReconnectJitter = file.ReconnectJitter
	}
	overlayDuration(&c.HTTPTimeout, "HTTP_TIMEOUT", file.HTTPTimeout)
	overlayString(&c.BridgeAddr, "BRIDGE_ADDR", file.BridgeAddr)
	overlayString(&c.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS", file.CORSAllowedOrigins)
	overlayString(&c.NatsURL, "NATS_URL", file.NatsURL)
	overlayString(&c.NatsSubjectPrefix, "NATS_SUBJECT_PREFIX", file.NatsSubjectPrefix)
	overlayString(&c.LogLevel, "LOG_LEVEL", file.LogLevel)
	overlayString(&c.LogFormat, "LOG_FORMAT", file.LogFormat)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
