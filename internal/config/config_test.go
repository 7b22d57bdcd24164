package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/taskrouter"
)

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("TASKROUTER_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, taskrouter.DefaultEventBridgeURL, cfg.EventBridgeURL)
	assert.Equal(t, taskrouter.DefaultPageSize, cfg.PageSize)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, taskrouter.DefaultSoftDeleteGrace, cfg.SoftDeleteGrace)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
token: from-file
connect_activity_sid: WA2
page_size: 5000
heartbeat_interval: 10s
event_bridge_url: wss://bridge.example.com/v1/wschannels
`), 0o600))
	t.Setenv("TASKROUTER_CONNECT_ACTIVITY_SID", "WA3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, "WA3", cfg.ConnectActivitySid)
	assert.Equal(t, taskrouter.MaxPageSize, cfg.PageSize, "page size is clamped")
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)

	opts := cfg.WorkerOptions()
	assert.Equal(t, "wss://bridge.example.com/v1/wschannels", opts.EventBridgeURL)
	assert.Equal(t, "WA3", opts.ConnectActivitySid)
	assert.Equal(t, 10*time.Second, opts.HeartbeatInterval)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Token:          "tok",
			EventBridgeURL: taskrouter.DefaultEventBridgeURL,
			APIBaseURL:     "https://taskrouter.example.com",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing token", func(c *Config) { c.Token = " " }, "missing token"},
		{"http event bridge", func(c *Config) { c.EventBridgeURL = "https://bridge" }, "event_bridge_url"},
		{"ws api", func(c *Config) { c.APIBaseURL = "wss://api" }, "api_base_url"},
		{"negative retries", func(c *Config) { c.ConnectActivityMaxRetries = -1 }, "connect_activity_max_retries"},
		{"negative duration", func(c *Config) { c.SoftDeleteGrace = -time.Second }, "durations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, taskrouter.DefaultPageSize, cfg.PageSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("TASKROUTER_TOKEN", "tok")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TASKROUTER_TOKEN=dotenv-token\n"), 0o600))
	t.Setenv("TASKROUTER_TOKEN", "")
	require.NoError(t, os.Unsetenv("TASKROUTER_TOKEN"))

	assert.Equal(t, "", LoadDotEnv(filepath.Join(dir, "missing.env")))
	assert.Equal(t, path, LoadDotEnv(filepath.Join(dir, "missing.env"), path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-token", cfg.Token)
}

func TestLoadFlagBindingWins(t *testing.T) {
	t.Setenv("TASKROUTER_TOKEN", "env-token")
	t.Setenv("TASKROUTER_PAGE_SIZE", "50")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("token", "", "")
	flags.Int("page-size", 0, "")
	require.NoError(t, flags.Parse([]string{"--token", "flag-token"}))

	cfg, err := Load("",
		Binding{Key: "token", Flag: flags.Lookup("token")},
		Binding{Key: "page_size", Flag: flags.Lookup("page-size")},
	)
	require.NoError(t, err)
	assert.Equal(t, "flag-token", cfg.Token)
	assert.Equal(t, 50, cfg.PageSize, "unset flags fall through to the environment")
}
