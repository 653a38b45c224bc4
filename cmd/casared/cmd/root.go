// Package cmd implements the casared command line interface.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "casared",
	Short: "Robot fleet orchestration server",
	Long: `casared runs the CasareRPA orchestration core: a durable job queue,
a dispatcher that assigns work to connected robots, and the robot
control protocol endpoint.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default casared.yaml in ./ or /etc/casared)")
}

// initConfig reads the config file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("casared")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/casared")
	}

	viper.SetEnvPrefix("CASARED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
		// No config file is fine; defaults, flags and env carry it.
	}
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("store.driver", "memory")
	viper.SetDefault("store.postgres.dsn", "")
	viper.SetDefault("store.redis.addr", "")

	viper.SetDefault("server.listen", ":7070")
	viper.SetDefault("server.path", "/rcp")

	viper.SetDefault("metrics.listen", ":9090")

	viper.SetDefault("dispatch.interval", "1s")
	viper.SetDefault("dispatch.strategy", "least_loaded")
	viper.SetDefault("dispatch.batch_limit", 50)
	viper.SetDefault("dispatch.lease", "30s")
	viper.SetDefault("dispatch.cancel_ack_timeout", "15s")

	viper.SetDefault("recovery.sweep_interval", "5s")
	viper.SetDefault("recovery.robot_timeout", "30s")

	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.base_delay", "5s")
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.max_delay", "5m")

	viper.SetDefault("heartbeat.interval", "10s")
	viper.SetDefault("heartbeat.grace", "30s")

	viper.SetDefault("shutdown.timeout", "30s")

	viper.SetDefault("audit.enabled", false)
}

// newLogger builds the process logger from the log.* config keys.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(viper.GetString("log.level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(viper.GetString("log.format")) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
