package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/internal/config"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/logging"
	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/taskrouter"
)

var rootCmd = &cobra.Command{
	Use:   "taskrouter-worker",
	Short: "Run and inspect a TaskRouter worker session",
	Long: `taskrouter-worker connects a worker to the TaskRouter event bridge.

Settings come from flags, TASKROUTER_* environment variables, a .env file in
the working directory or its parents, and an optional config file (--config).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadDotEnv()
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("token", "", "worker access token")
	flags.String("event-bridge-url", "", "event bridge endpoint")
	flags.String("api-base-url", "", "REST endpoint")
	flags.Int("page-size", 0, "page size for listings")
	flags.Bool("debug", false, "enable debug logging")
	flags.Duration("ready-timeout", 30*time.Second, "how long to wait for the first sync")
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(activitiesCmd())
	rootCmd.AddCommand(reservationsCmd())
	rootCmd.AddCommand(setActivityCmd())
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	return config.Load(path,
		config.Binding{Key: "token", Flag: flags.Lookup("token")},
		config.Binding{Key: "event_bridge_url", Flag: flags.Lookup("event-bridge-url")},
		config.Binding{Key: "api_base_url", Flag: flags.Lookup("api-base-url")},
		config.Binding{Key: "page_size", Flag: flags.Lookup("page-size")},
		config.Binding{Key: "debug_logging", Flag: flags.Lookup("debug")},
		config.Binding{Key: "connect_activity_sid", Flag: flags.Lookup("connect-activity")},
	)
}

func newLogger(cfg *config.Config) (logging.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.DebugLogging {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logging.NewZapLogger(l), nil
}

// session connects a worker and waits for its first sync. The caller closes
// the returned worker.
func session(cmd *cobra.Command, mutate func(*taskrouter.WorkerOptions)) (*taskrouter.Worker, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	opts := cfg.WorkerOptions()
	opts.Logger = logger
	if mutate != nil {
		mutate(&opts)
	}

	w, err := taskrouter.NewWorker(cfg.Token, opts)
	if err != nil {
		return nil, err
	}

	timeout, _ := cmd.Flags().GetDuration("ready-timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := w.Connect(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.WaitReady(ctx); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("wait for sync: %w", err)
	}
	return w, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
