package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"stealthscrape/pkg/config"
	"stealthscrape/pkg/logger"
)

var (
	// Version information
	version   = "0.1.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "stealthscrape",
	Short: "Fetch pages through a rate-limited, proxy-rotating scraping client",
	Long: `stealthscrape fetches batches of URLs while staying under per-domain
request limits, rotating through a pool of proxies and keeping sessions
alive across runs.

Configuration is read from (highest priority first):
  - Command line flags
  - STEALTHSCRAPE_* environment variables and .env files
  - stealthscrape.yaml or ~/.config/stealthscrape/config.yaml
  - Built-in defaults`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./stealthscrape.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, disabled)")

	rootCmd.SetVersionTemplate(`stealthscrape {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig resolves configuration from every source and initialises the
// global logger from it.
func loadConfig(flags map[string]interface{}) (*config.Config, error) {
	if flags == nil {
		flags = make(map[string]interface{})
	}
	if logLevel != "" {
		flags["log-level"] = logLevel
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialise logger: %w", err)
	}
	return cfg, nil
}
