package report

import (
	"encoding/json"
	"io"
	"time"

	"stealthscrape/pkg/scraper"
)

type jsonReport struct {
	Summary   jsonSummary        `json:"summary"`
	Successes []jsonResult       `json:"successes"`
	Failures  []jsonResult       `json:"failures"`
	Skipped   []string           `json:"skipped,omitempty"`
	Stats     scraper.Statistics `json:"stats"`
}

type jsonSummary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

type jsonResult struct {
	URL        string `json:"url"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	Proxy      string `json:"proxy,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// WriteJSON writes the batch and statistics as indented JSON. Bodies are
// summarised by size.
func WriteJSON(w io.Writer, batch *scraper.BatchResult, stats scraper.Statistics) error {
	out := jsonReport{
		Summary: jsonSummary{
			Total:      batch.Total(),
			Succeeded:  len(batch.Successes),
			Failed:     len(batch.Failures),
			DurationMs: batch.Duration.Milliseconds(),
		},
		Successes: convert(batch.Successes),
		Failures:  convert(batch.Failures),
		Skipped:   batch.Skipped,
		Stats:     stats,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func convert(rs []*scraper.TaskResult) []jsonResult {
	out := make([]jsonResult, 0, len(rs))
	for _, r := range rs {
		out = append(out, jsonResult{
			URL:        r.URL,
			Outcome:    r.Outcome.String(),
			Attempts:   r.Attempts,
			Proxy:      r.Proxy,
			StatusCode: r.StatusCode,
			Bytes:      len(r.Body),
			ErrorType:  string(r.ErrorType),
			Reason:     r.Reason,
			DurationMs: r.Duration.Round(time.Millisecond).Milliseconds(),
		})
	}
	return out
}
