package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/upmio/redis-sentry/pkg/config"
	"github.com/upmio/redis-sentry/pkg/sentry"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "redis-sentry",
	Short: "Sentinel-aware connection and failover coordinator for Redis",
	Long: `redis-sentry discovers the writable master of a sentinel-monitored Redis
service, keeps a connection pool pointed at it across failovers, and can
trigger and verify an operator-requested handover.`,
	SilenceUsage: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var boundFlags = []string{
	"sentinel", "master-name", "password", "sentinel-password",
	"timeout", "poll-interval", "grace-window", "failover-timeout",
	"status-addr", "shared-secret",
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.redis-sentry.yaml)")
	pf.StringSliceP("sentinel", "s", []string{"127.0.0.1:26379"}, "sentinel address, repeatable")
	pf.StringP("master-name", "m", config.DefaultMasterName, "monitored master group name")
	pf.String("password", "", "Redis password (or SENTRY_PASSWORD)")
	pf.String("sentinel-password", "", "sentinel password, when sentinels require auth")
	pf.Duration("timeout", config.DefaultCallTimeout, "per-call connect/read timeout")
	pf.Duration("poll-interval", config.DefaultPollInterval, "background discovery cadence")
	pf.Duration("grace-window", config.DefaultGraceWindow, "how long a stale topology is served after quorum loss")
	pf.Duration("failover-timeout", config.DefaultFailoverTimeout, "deadline for verifying a triggered failover")
	pf.String("status-addr", "", "HTTP status listen address, e.g. :8080 (disabled when empty)")
	pf.String("shared-secret", "", "HMAC secret for the status endpoint (or SENTRY_SHARED_SECRET)")

	for _, name := range boundFlags {
		viper.BindPFlag(name, pf.Lookup(name))
	}
}

// initConfig reads the config file and SENTRY_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".redis-sentry")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("sentry")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			klog.Warningf("Unable to read config file %s: %v", cfgFile, err)
		}
	}
}

func buildConfig() (*config.Config, error) {
	cfg := config.Default()
	cfg.Sentinels = viper.GetStringSlice("sentinel")
	cfg.MasterName = viper.GetString("master-name")
	cfg.Password = viper.GetString("password")
	cfg.SentinelPassword = viper.GetString("sentinel-password")
	cfg.CallTimeout = viper.GetDuration("timeout")
	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.GraceWindow = viper.GetDuration("grace-window")
	cfg.FailoverTimeout = viper.GetDuration("failover-timeout")
	cfg.StatusAddr = viper.GetString("status-addr")
	cfg.SharedSecret = viper.GetString("shared-secret")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withClient builds the coordinator, runs discovery in the background, waits
// for the first topology and hands control to fn. Discovery stops when fn
// returns or on SIGINT/SIGTERM.
func withClient(fn func(ctx context.Context, c *sentry.Client) error) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	client, err := sentry.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(runCtx) }()
	defer func() {
		cancel()
		if err := <-runDone; err != nil && ctx.Err() == nil {
			klog.ErrorS(err, "Coordinator exited with error")
		}
	}()

	readyCtx, cancelReady := context.WithTimeout(ctx, 30*time.Second)
	defer cancelReady()
	if err := client.WaitReady(readyCtx); err != nil {
		return err
	}

	return fn(ctx, client)
}
