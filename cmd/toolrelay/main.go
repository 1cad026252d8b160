package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/user/toolrelay/internal/config"
	"github.com/user/toolrelay/internal/logging"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "toolrelay",
	Short:         "Session-scoped relay between an executor and an agent driver",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".toolrelay", "config.yaml"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *slog.Logger {
	return logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
