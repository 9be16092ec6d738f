package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stealthscrape/pkg/config"
	"stealthscrape/pkg/proxy"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage stealthscrape configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (STEALTHSCRAPE_*)
  - Configuration file
  - Default values (lowest priority)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to a file",
	Long: `Write the default configuration to stealthscrape.yaml, or to the path
given with --config. An existing file is never overwritten.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		fmt.Println("Configuration is valid")
		fmt.Printf("  Concurrency: %d\n", cfg.Concurrency)
		fmt.Printf("  Rate limit: %d requests per %s\n", cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		fmt.Printf("  Max retries: %d\n", cfg.MaxRetries)
		fmt.Printf("  Proxies: %d\n", len(cfg.Proxies))
		fmt.Printf("  Log level: %s\n", cfg.Logging.Level)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = "stealthscrape.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file %s already exists", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	fmt.Println("Configuration file created:", path)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Add your proxies and adjust rate_limit for the target")
	fmt.Println("2. Run 'stealthscrape config validate' to check the configuration")
	fmt.Println("3. Start fetching with 'stealthscrape scrape --file urls.txt'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	display := *cfg
	display.Proxies = make([]config.ProxyEndpoint, len(cfg.Proxies))
	for i, p := range cfg.Proxies {
		if p.Password != "" {
			p.Password = "***"
		}
		p.URL = maskURLPassword(p.URL)
		display.Proxies[i] = p
	}

	data, err := yaml.Marshal(&display)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func maskURLPassword(raw string) string {
	if raw == "" {
		return raw
	}
	ep, err := proxy.ParseEndpoint(raw)
	if err != nil {
		return "***"
	}
	return ep.String()
}
