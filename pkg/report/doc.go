// Package report renders batch results and scraper statistics as Markdown
// for people or JSON for tooling.
package report
