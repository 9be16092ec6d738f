package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonboulle/clockwork"

	errs "stealthscrape/pkg/errors"
)

// Kind is the coarse outcome of an attempt
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classification describes what an attempt's outcome means to the caller
type Classification struct {
	Kind Kind
	Type errs.ErrorType
	// RetryAfter is the server requested wait, zero when absent
	RetryAfter time.Duration
	Reason     string
}

// Err returns the classification as a typed error, nil on success.
func (c Classification) Err(code int) error {
	if c.Kind == KindSuccess {
		return nil
	}
	return errs.New(c.Type, code, c.Reason)
}

// BlockDetector recognises challenge, captcha and throttling pages served
// with a success status.
type BlockDetector struct {
	// Selectors matching any element mark the page as blocked
	Selectors []string
	// TitleMarkers are lower-case substrings of <title> that mark a block
	TitleMarkers []string
	// RateLimitMarkers are lower-case substrings of the page text that
	// mark throttling rather than a block
	RateLimitMarkers []string
}

// DefaultBlockDetector covers the common challenge vendors
func DefaultBlockDetector() *BlockDetector {
	return &BlockDetector{
		Selectors: []string{
			"form#challenge-form",
			"#cf-challenge-running",
			"#challenge-stage",
			"iframe[src*='recaptcha']",
			"iframe[src*='hcaptcha']",
			"div.g-recaptcha",
			"div.h-captcha",
			"#px-captcha",
			"#distil_ident_block",
		},
		TitleMarkers: []string{
			"attention required",
			"just a moment",
			"access denied",
			"are you a robot",
			"captcha",
			"security check",
		},
		RateLimitMarkers: []string{
			"too many requests",
			"rate limit exceeded",
			"please wait a few minutes",
			"you are being rate limited",
		},
	}
}

// Detect inspects an HTML body. ok is false for ordinary pages.
func (d *BlockDetector) Detect(body []byte) (errs.ErrorType, string, bool) {
	if len(body) == 0 || !looksLikeHTML(body) {
		return "", "", false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", false
	}

	for _, sel := range d.Selectors {
		if doc.Find(sel).Length() > 0 {
			return errs.ErrorTypeBlocked, "challenge element " + sel, true
		}
	}

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range d.TitleMarkers {
		if title != "" && strings.Contains(title, marker) {
			return errs.ErrorTypeBlocked, fmt.Sprintf("challenge title %q", title), true
		}
	}

	text := strings.ToLower(doc.Find("body").Text())
	for _, marker := range d.RateLimitMarkers {
		if strings.Contains(text, marker) || strings.Contains(title, marker) {
			return errs.ErrorTypeRateLimit, "throttling page: " + marker, true
		}
	}
	return "", "", false
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(head)), "html") ||
		bytes.Contains(bytes.ToLower(head), []byte("<html"))
}

// Classifier maps fetch results onto outcomes
type Classifier struct {
	Detector *BlockDetector
	Clock    clockwork.Clock
}

// NewClassifier returns a classifier with the default detector
func NewClassifier() *Classifier {
	return &Classifier{Detector: DefaultBlockDetector(), Clock: clockwork.NewRealClock()}
}

var defaultClassifier = NewClassifier()

// Classify classifies with the default classifier
func Classify(resp *Response, err error) Classification {
	return defaultClassifier.Classify(resp, err)
}

// Classify maps a fetch result onto an outcome. Errors from Fetch keep
// their type; responses are judged by status, Retry-After and body.
func (c *Classifier) Classify(resp *Response, err error) Classification {
	if err != nil {
		return classifyError(err)
	}
	if resp == nil {
		return Classification{Kind: KindRetryable, Type: errs.ErrorTypeNetwork, Reason: "empty response"}
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())

	t := errs.ClassifyStatus(resp.StatusCode)
	if t == errs.ErrorTypeServerError && retryAfter > 0 {
		// 503 with Retry-After is how many targets throttle
		t = errs.ErrorTypeRateLimit
	}

	if t == "" || t == errs.ErrorTypeAuth {
		if c.Detector != nil {
			// 401/403 stay fatal; only a block page refines them
			if bt, reason, ok := c.Detector.Detect(resp.Body); ok && (t == "" || bt == errs.ErrorTypeBlocked) {
				return build(bt, retryAfter, reason)
			}
		}
	}

	if t == "" {
		return Classification{Kind: KindSuccess}
	}
	return build(t, retryAfter, fmt.Sprintf("status %d", resp.StatusCode))
}

func (c *Classifier) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

func build(t errs.ErrorType, retryAfter time.Duration, reason string) Classification {
	kind := KindFatal
	if errs.IsRetryable(t) {
		kind = KindRetryable
	}
	return Classification{Kind: kind, Type: t, RetryAfter: retryAfter, Reason: reason}
}

func classifyError(err error) Classification {
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindFatal, Type: errs.ErrorTypeUnknown, Reason: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindRetryable, Type: errs.ErrorTypeNetwork, Reason: "attempt timed out"}
	}

	t := errs.TypeOf(err)
	var typed *errs.Error
	if errors.As(err, &typed) && typed.Code > 0 && t == errs.ErrorTypeUnknown {
		t = errs.ClassifyStatus(typed.Code)
	}
	return build(t, 0, err.Error())
}

// parseRetryAfter accepts delta seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
