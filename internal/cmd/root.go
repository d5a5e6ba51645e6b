package cmd

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "tileschedulerd",
	Short: "A streaming tile/resource request scheduler for 3D geospatial engines",
	Long: `tileschedulerd drives the request scheduler core standalone: it admits,
prioritizes, throttles, and retires streaming tile/resource fetches the
way an engine's frame loop would, without any engine attached.

It is a demo and operations harness around internal/scheduler, not a
tile renderer: the "serve" command exposes the scheduler's live status
over HTTP, and the "demo" command drives a synthetic batch of tile
fetches through it frame by frame.`,
}

func Execute() {
	if logger == nil {
		initLogging() // fallback in case cobra init didn't fire
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().Int("max-requests", 50, "Global cap on concurrent active requests")
	rootCmd.PersistentFlags().Int("max-requests-per-server", 18, "Default per-server concurrency cap")
	rootCmd.PersistentFlags().Bool("throttle-requests", true, "Master throttle switch; false starts every request immediately")
	rootCmd.PersistentFlags().Int("priority-heap-length", 1024, "Max pending (issued-but-not-active) requests")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")

	binds := map[string]string{
		"max-requests":            "max-requests",
		"max-requests-per-server": "max-requests-per-server",
		"throttle-requests":       "throttle-requests",
		"priority-heap-length":    "priority-heap-length",
		"log-level":               "log-level",
		"verbose":                 "verbose",
	}
	for key, flag := range binds {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("TILESCHEDULER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func initLogging() {
	levelStr := strings.ToLower(viper.GetString("log-level"))
	level := slog.LevelInfo
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "err":
		level = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level %q, defaulting to info\n", levelStr)
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// schedulerConfigFromViper reads the scheduler-shaped persistent flags
// bound above, shared by every subcommand that runs a scheduler.
func schedulerConfigFromViper() (maxRequests, maxRequestsPerServer, priorityHeapLength int, throttle bool) {
	return viper.GetInt("max-requests"),
		viper.GetInt("max-requests-per-server"),
		viper.GetInt("priority-heap-length"),
		viper.GetBool("throttle-requests")
}
