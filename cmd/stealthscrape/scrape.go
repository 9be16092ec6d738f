package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stealthscrape/pkg/logger"
	"stealthscrape/pkg/report"
	"stealthscrape/pkg/scraper"
	"stealthscrape/pkg/storage"
)

var (
	// Scrape command flags
	urlsFile     string
	batchName    string
	reportFormat string
	reportPath   string
	baseURL      string
	concurrency  int
	maxRetries   int
	rateLimit    int
	window       time.Duration
	proxyURLs    []string
	sessionStore string
	interact     bool
	saveDir      string
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape [url...]",
	Short: "Fetch a batch of URLs and print a report",
	Long: `Fetch every URL through the rate limiter and proxy pool, retrying
transient failures, and print a report of the batch.

URLs are taken from the arguments and from --file (one per line, blank
lines and lines starting with # are ignored). With --batch the run is
resumable: URLs that succeeded in an earlier run with the same name are
skipped.`,
	Example: `  # Fetch two pages directly
  stealthscrape scrape https://example.com/a https://example.com/b

  # Fetch a list through two proxies, 30 requests per minute
  stealthscrape scrape --file urls.txt --proxy http://p1:8080 --proxy socks5://p2:1080 --rate-limit 30

  # Resumable batch with a JSON report
  stealthscrape scrape --file urls.txt --batch catalog --format json -o report.json`,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)

	scrapeCmd.Flags().StringVarP(&urlsFile, "file", "f", "", "read URLs from file, one per line")
	scrapeCmd.Flags().StringVarP(&batchName, "batch", "b", "", "checkpoint name for a resumable batch")
	scrapeCmd.Flags().StringVar(&reportFormat, "format", "markdown", "report format (markdown, json)")
	scrapeCmd.Flags().StringVarP(&reportPath, "output", "o", "", "write the report to a file instead of stdout")
	scrapeCmd.Flags().StringVar(&baseURL, "base-url", "", "target root used for session validation")
	scrapeCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of URLs fetched concurrently")
	scrapeCmd.Flags().IntVar(&maxRetries, "max-retries", -1, "retries per URL after the first attempt")
	scrapeCmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "requests allowed per window and domain")
	scrapeCmd.Flags().DurationVar(&window, "window", 0, "rate limit window")
	scrapeCmd.Flags().StringSliceVar(&proxyURLs, "proxy", nil, "proxy URL, repeatable (http, https, socks5)")
	scrapeCmd.Flags().StringVar(&sessionStore, "session-store", "", "session store directory or .db file")
	scrapeCmd.Flags().StringVar(&saveDir, "save-dir", "", "write the body of every successful fetch to this directory")
	scrapeCmd.Flags().BoolVar(&interact, "simulate-interaction", false, "play a simulated interaction plan before each fetch")
}

func scrapeFlags() map[string]interface{} {
	flags := make(map[string]interface{})
	if baseURL != "" {
		flags["base-url"] = baseURL
	}
	if concurrency > 0 {
		flags["concurrency"] = concurrency
	}
	if maxRetries >= 0 {
		flags["max-retries"] = maxRetries
	}
	if rateLimit > 0 {
		flags["rate-limit"] = rateLimit
	}
	if window > 0 {
		flags["window"] = window
	}
	if len(proxyURLs) > 0 {
		flags["proxies"] = proxyURLs
	}
	if sessionStore != "" {
		flags["session-store"] = sessionStore
	}
	return flags
}

func runScrape(cmd *cobra.Command, args []string) error {
	if reportFormat != "markdown" && reportFormat != "json" {
		return fmt.Errorf("unknown report format %q", reportFormat)
	}

	urls, err := collectURLs(args, urlsFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("no URLs given: pass them as arguments or with --file")
	}

	cfg, err := loadConfig(scrapeFlags())
	if err != nil {
		return err
	}
	log := logger.GetLogger().WithComponent("cli")

	var opts []scraper.Option
	if interact {
		opts = append(opts, scraper.WithInteraction())
	}
	s, err := scraper.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialise scraper: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s.Start(ctx)

	log.InfoWithFields("Starting batch", map[string]interface{}{
		"urls":  len(urls),
		"batch": batchName,
	})

	var batch *scraper.BatchResult
	if batchName != "" {
		batch, err = s.ScrapeBatchResumable(ctx, batchName, urls)
		if err != nil && batch == nil {
			return err
		}
		if err != nil {
			log.WithError(err).Warn("Checkpoint could not be updated")
		}
	} else {
		batch = s.ScrapeBatch(ctx, urls)
	}

	log.InfoWithFields("Batch finished", map[string]interface{}{
		"succeeded": len(batch.Successes),
		"failed":    len(batch.Failures),
		"skipped":   len(batch.Skipped),
		"duration":  batch.Duration.String(),
	})

	if saveDir != "" {
		if err := saveBodies(saveDir, batch.Successes, log); err != nil {
			return err
		}
	}

	if err := writeReport(batch, s.Stats()); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if len(batch.Failures) > 0 {
		return fmt.Errorf("%d of %d URLs failed", len(batch.Failures), batch.Total())
	}
	return nil
}

func saveBodies(dir string, results []*scraper.TaskResult, log logger.Logger) error {
	store, err := storage.NewManager(dir)
	if err != nil {
		return err
	}
	for _, r := range results {
		path, err := store.Save(r.URL, r.Header.Get("Content-Type"), r.Body)
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", r.URL, err)
		}
		log.WithField("url", r.URL).WithField("path", path).Debug("Saved page body")
	}
	log.WithField("dir", store.OutputDir()).WithField("pages", store.Count()).Info("Page bodies saved")
	return nil
}

func writeReport(batch *scraper.BatchResult, stats scraper.Statistics) error {
	var w io.Writer = os.Stdout
	if reportPath != "" {
		f, err := os.Create(reportPath)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if reportFormat == "json" {
		return report.WriteJSON(w, batch, stats)
	}
	return report.WriteMarkdown(w, batch, stats)
}

// collectURLs merges args with the lines of path, dropping duplicates while
// keeping first-seen order.
func collectURLs(args []string, path string) ([]string, error) {
	seen := make(map[string]bool)
	var urls []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") || seen[raw] {
			return
		}
		seen[raw] = true
		urls = append(urls, raw)
	}

	for _, a := range args {
		add(a)
	}
	if path == "" {
		return urls, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open URL file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read URL file: %w", err)
	}
	return urls, nil
}
