// Package config loads worker settings for the CLI and examples from a
// config file, .env files and TASKROUTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/rest"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/taskrouter"
)

// EnvPrefix prefixes every environment variable, e.g. TASKROUTER_TOKEN.
const EnvPrefix = "TASKROUTER"

type Config struct {
	Token                     string        `mapstructure:"token"`
	EventBridgeURL            string        `mapstructure:"event_bridge_url"`
	APIBaseURL                string        `mapstructure:"api_base_url"`
	ConnectActivitySid        string        `mapstructure:"connect_activity_sid"`
	ConnectActivityMaxRetries int           `mapstructure:"connect_activity_max_retries"`
	CloseExistingSessions     bool          `mapstructure:"close_existing_sessions"`
	PageSize                  int           `mapstructure:"page_size"`
	HeartbeatInterval         time.Duration `mapstructure:"heartbeat_interval"`
	TokenExpiryBuffer         time.Duration `mapstructure:"token_expiry_buffer"`
	SoftDeleteGrace           time.Duration `mapstructure:"soft_delete_grace"`
	RequestsPerSecond         float64       `mapstructure:"requests_per_second"`
	DebugLogging              bool          `mapstructure:"debug_logging"`
}

var defaults = map[string]interface{}{
	"token":                        "",
	"event_bridge_url":             taskrouter.DefaultEventBridgeURL,
	"api_base_url":                 rest.DefaultBaseURL,
	"connect_activity_sid":         "",
	"connect_activity_max_retries": taskrouter.DefaultConnectActivityMaxRetries,
	"close_existing_sessions":      false,
	"page_size":                    taskrouter.DefaultPageSize,
	"heartbeat_interval":           30 * time.Second,
	"token_expiry_buffer":          5 * time.Second,
	"soft_delete_grace":            taskrouter.DefaultSoftDeleteGrace,
	"requests_per_second":          10.0,
	"debug_logging":                false,
}

// Binding ties a command-line flag to a config key. A flag that was set
// explicitly wins over the environment and the config file.
type Binding struct {
	Key  string
	Flag *pflag.Flag
}

// Load reads path when it is non-empty, then overlays TASKROUTER_*
// environment variables and bound flags. The result is validated.
func Load(path string, bindings ...Binding) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, b := range bindings {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", b.Flag.Name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads the first .env file found among paths into the process
// environment without overriding variables that are already set. It returns
// the file that was loaded, or "" when none exists.
func LoadDotEnv(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env", "../.env", "../../.env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks required settings and clamps the page size.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("missing token: set TASKROUTER_TOKEN or --token")
	}
	if err := validateURL(c.EventBridgeURL, "ws"); err != nil {
		return fmt.Errorf("event_bridge_url: %w", err)
	}
	if err := validateURL(c.APIBaseURL, "http"); err != nil {
		return fmt.Errorf("api_base_url: %w", err)
	}
	if c.ConnectActivityMaxRetries < 0 {
		return errors.New("invalid connect_activity_max_retries")
	}
	if c.HeartbeatInterval < 0 || c.TokenExpiryBuffer < 0 || c.SoftDeleteGrace < 0 {
		return errors.New("durations must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("invalid requests_per_second")
	}
	c.PageSize = taskrouter.ClampPageSize(c.PageSize)
	return nil
}

func validateURL(rawURL, scheme string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, scheme) || parsed.Host == "" {
		return fmt.Errorf("URL must use %s or %ss", scheme, scheme)
	}
	return nil
}

// WorkerOptions maps the configuration onto worker options. Logger,
// metrics and transport overrides are left to the caller.
func (c *Config) WorkerOptions() taskrouter.WorkerOptions {
	return taskrouter.WorkerOptions{
		EventBridgeURL:            c.EventBridgeURL,
		APIBaseURL:                c.APIBaseURL,
		CloseExistingSessions:     c.CloseExistingSessions,
		ConnectActivitySid:        c.ConnectActivitySid,
		ConnectActivityMaxRetries: c.ConnectActivityMaxRetries,
		PageSize:                  c.PageSize,
		HeartbeatInterval:         c.HeartbeatInterval,
		TokenExpiryBuffer:         c.TokenExpiryBuffer,
		SoftDeleteGrace:           c.SoftDeleteGrace,
		RequestsPerSecond:         c.RequestsPerSecond,
	}
}
