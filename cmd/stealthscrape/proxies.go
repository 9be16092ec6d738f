package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stealthscrape/pkg/config"
	"stealthscrape/pkg/logger"
	"stealthscrape/pkg/proxy"
)

var probeTarget string

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspect the configured proxy pool",
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured proxies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		m, err := newProxyManager(cfg, "")
		if err != nil {
			return err
		}
		printProxies(m.Snapshot(), nil)
		return nil
	},
}

var proxiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured proxy against a target URL",
	Example: `  stealthscrape proxies check --target https://example.com/
  STEALTHSCRAPE_PROXIES=http://p1:8080,socks5://p2:1080 stealthscrape proxies check --target https://example.com/`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		target := probeTarget
		if target == "" {
			target = cfg.Proxy.HealthCheckTarget
		}
		if target == "" {
			return fmt.Errorf("no probe target: set proxy.health_check_target or pass --target")
		}

		m, err := newProxyManager(cfg, target)
		if err != nil {
			return err
		}

		results := m.CheckAll(cmd.Context())
		printProxies(m.Snapshot(), results)

		failed := 0
		for _, err := range results {
			if err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d proxies failed the health check", failed, len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(proxiesCmd)
	proxiesCmd.AddCommand(proxiesListCmd, proxiesCheckCmd)

	proxiesCheckCmd.Flags().StringVar(&probeTarget, "target", "", "URL fetched through each proxy (default: proxy.health_check_target)")
}

func newProxyManager(cfg *config.Config, target string) (*proxy.Manager, error) {
	if len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("no proxies configured")
	}
	endpoints, err := proxy.FromConfigs(cfg.Proxies)
	if err != nil {
		return nil, err
	}
	opts := []proxy.Option{
		proxy.WithMaxFailures(cfg.Proxy.MaxFailures),
		proxy.WithCooldown(cfg.Proxy.CooldownDuration),
		proxy.WithLogger(logger.GetLogger()),
	}
	if target != "" {
		opts = append(opts, proxy.WithProber(proxy.NewHTTPProber(target, cfg.Proxy.HealthCheckTimeout)))
	}
	return proxy.NewManager(endpoints, opts...)
}

func printProxies(statuses []proxy.Status, results map[string]error) {
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].Endpoint.ID < statuses[j].Endpoint.ID
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if results == nil {
		fmt.Fprintln(w, "ID\tPROTOCOL\tADDRESS\tHEALTH")
	} else {
		fmt.Fprintln(w, "ID\tPROTOCOL\tADDRESS\tHEALTH\tCHECK")
	}
	for _, st := range statuses {
		line := fmt.Sprintf("%s\t%s\t%s\t%s", st.Endpoint.ID, st.Endpoint.Protocol, st.Endpoint.Address(), st.Health)
		if results != nil {
			check := "ok"
			if err, ran := results[st.Endpoint.ID]; !ran {
				check = "skipped"
			} else if err != nil {
				check = err.Error()
			}
			line += "\t" + check
		}
		fmt.Fprintln(w, line)
	}
	w.Flush()
}
