package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"stealthscrape/pkg/scraper"
)

const maxReasonLen = 80

// WriteMarkdown writes a batch summary, the failure table and proxy health
func WriteMarkdown(w io.Writer, batch *scraper.BatchResult, stats scraper.Statistics) error {
	md := markdown.NewMarkdown(w)

	md.H1("Scrape Report")
	md.PlainText("")
	writeSummary(md, batch, stats)
	writeFailures(md, batch)
	writeProxies(md, stats)

	return md.Build()
}

func writeSummary(md *markdown.Markdown, batch *scraper.BatchResult, stats scraper.Statistics) {
	md.H2("Summary")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Value"},
		Rows: [][]string{
			{"URLs", strconv.Itoa(batch.Total())},
			{"Succeeded", strconv.Itoa(len(batch.Successes))},
			{"Failed", strconv.Itoa(len(batch.Failures))},
			{"Skipped (checkpoint)", strconv.Itoa(len(batch.Skipped))},
			{"Duration", batch.Duration.Round(time.Millisecond).String()},
			{"Requests", strconv.FormatInt(stats.TotalRequests, 10)},
			{"Retries", strconv.FormatInt(stats.Retries, 10)},
			{"Request success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100)},
			{"Local rate-limit waits", strconv.FormatInt(stats.RateLimitWaits, 10)},
			{"Target rate-limit signals", strconv.FormatInt(stats.TargetRateLimits, 10)},
			{"Proxy pool exhausted waits", strconv.FormatInt(stats.PoolExhaustedWaits, 10)},
			{"Session refreshes", strconv.FormatInt(stats.SessionRefreshes, 10)},
		},
	})
	md.PlainText("")

	if batch.Total() > 0 {
		writeOutcomeChart(md, batch)
	}

	byOutcome := batch.FailuresByOutcome()
	switch {
	case len(byOutcome[scraper.OutcomePoolExhausted]) > 0:
		md.Cautionf("%d URL(s) failed because no healthy proxy was available.",
			len(byOutcome[scraper.OutcomePoolExhausted]))
	case len(byOutcome[scraper.OutcomeFatalFailure]) > 0:
		md.Warningf("%d URL(s) were rejected by the target.", len(byOutcome[scraper.OutcomeFatalFailure]))
	case len(batch.Failures) > 0:
		md.Importantf("%d URL(s) failed after retries.", len(batch.Failures))
	default:
		md.Tip("Every URL was scraped successfully.")
	}
	md.PlainText("")
}

func writeOutcomeChart(md *markdown.Markdown, batch *scraper.BatchResult) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Outcomes"),
		piechart.WithShowData(true),
	)
	if n := len(batch.Successes); n > 0 {
		chart.LabelAndIntValue(scraper.OutcomeSuccess.String(), uint64(n))
	}
	for _, o := range sortedOutcomes(batch.FailuresByOutcome()) {
		chart.LabelAndIntValue(o.outcome.String(), uint64(len(o.results)))
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

type outcomeGroup struct {
	outcome scraper.Outcome
	results []*scraper.TaskResult
}

func sortedOutcomes(m map[scraper.Outcome][]*scraper.TaskResult) []outcomeGroup {
	out := make([]outcomeGroup, 0, len(m))
	for o, rs := range m {
		out = append(out, outcomeGroup{outcome: o, results: rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].outcome < out[j].outcome })
	return out
}

func writeFailures(md *markdown.Markdown, batch *scraper.BatchResult) {
	md.H2("Failures")
	md.PlainText("")

	if len(batch.Failures) == 0 {
		md.PlainText("None.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(batch.Failures))
	for i, f := range batch.Failures {
		rows[i] = []string{
			f.URL,
			f.Outcome.String(),
			dash(string(f.ErrorType)),
			strconv.Itoa(f.Attempts),
			dash(truncate(f.Reason, maxReasonLen)),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Outcome", "Type", "Attempts", "Reason"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeProxies(md *markdown.Markdown, stats scraper.Statistics) {
	if len(stats.Proxies) == 0 {
		return
	}

	md.H2("Proxies")
	md.PlainText("")

	rows := make([][]string, len(stats.Proxies))
	for i, p := range stats.Proxies {
		rows[i] = []string{
			p.Address,
			p.Health,
			strconv.Itoa(p.ConsecutiveFailures),
			strconv.FormatInt(p.Failures, 10),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Proxy", "Health", "Consecutive failures", "Failures"},
		Rows:   rows,
	})
	md.PlainText("")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
