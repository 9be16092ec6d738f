// Package antidetect supplies randomised client fingerprints and human-like
// timing. It is pure policy: nothing here performs I/O, and every method is
// safe for concurrent use.
package antidetect

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"stealthscrape/pkg/config"
)

// TLS profile names understood by the transport
const (
	TLSProfileNone       = ""
	TLSProfileChrome     = "chrome"
	TLSProfileFirefox    = "firefox"
	TLSProfileSafari     = "safari"
	TLSProfileEdge       = "edge"
	TLSProfileIOS        = "ios"
	TLSProfileRandomized = "randomized"
)

var knownTLSProfiles = map[string]bool{
	TLSProfileNone:       true,
	TLSProfileChrome:     true,
	TLSProfileFirefox:    true,
	TLSProfileSafari:     true,
	TLSProfileEdge:       true,
	TLSProfileIOS:        true,
	TLSProfileRandomized: true,
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.6; rv:130.0) Gecko/20100101 Firefox/130.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
}

var defaultViewports = []Viewport{
	{1920, 1080},
	{1536, 864},
	{1440, 900},
	{1366, 768},
	{2560, 1440},
}

var defaultAcceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8,de;q=0.6",
	"en-US,en;q=0.9,fr;q=0.7",
}

// Viewport is a browser window size in CSS pixels
type Viewport struct {
	Width  int
	Height int
}

func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Fingerprint is the set of client-identifying signals for one request
type Fingerprint struct {
	UserAgent  string
	Viewport   Viewport
	Headers    map[string]string
	TLSProfile string
}

// Config holds the pools the provider draws from. Empty pools fall back to
// built-in defaults.
type Config struct {
	UserAgents  []string
	Viewports   []Viewport
	HeaderSets  []map[string]string
	TLSProfiles []string
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Typing      TypingConfig
}

// TypingConfig shapes interaction plans
type TypingConfig struct {
	MinKeyDelay time.Duration
	MaxKeyDelay time.Duration
	// PauseChance is the probability of a thinking pause after a word
	PauseChance float64
}

// Provider draws fingerprints and delays uniformly from immutable pools
type Provider struct {
	userAgents  []string
	viewports   []Viewport
	headerSets  []map[string]string
	tlsProfiles []string
	minDelay    time.Duration
	maxDelay    time.Duration
	typing      TypingConfig
}

// New validates cfg and creates a provider. The pools are copied.
func New(cfg Config) (*Provider, error) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("invalid delay range [%s, %s]", cfg.MinDelay, cfg.MaxDelay)
	}
	for _, vp := range cfg.Viewports {
		if vp.Width <= 0 || vp.Height <= 0 {
			return nil, fmt.Errorf("invalid viewport %s", vp)
		}
	}
	for _, name := range cfg.TLSProfiles {
		if !knownTLSProfiles[strings.ToLower(name)] {
			return nil, fmt.Errorf("unknown tls profile %q", name)
		}
	}

	p := &Provider{
		userAgents:  append([]string(nil), cfg.UserAgents...),
		viewports:   append([]Viewport(nil), cfg.Viewports...),
		tlsProfiles: make([]string, 0, len(cfg.TLSProfiles)),
		minDelay:    cfg.MinDelay,
		maxDelay:    cfg.MaxDelay,
		typing:      cfg.Typing,
	}
	for _, name := range cfg.TLSProfiles {
		p.tlsProfiles = append(p.tlsProfiles, strings.ToLower(name))
	}
	for _, hs := range cfg.HeaderSets {
		p.headerSets = append(p.headerSets, copyHeaders(hs))
	}

	if len(p.userAgents) == 0 {
		p.userAgents = defaultUserAgents
	}
	if len(p.viewports) == 0 {
		p.viewports = defaultViewports
	}
	if p.typing.MaxKeyDelay <= 0 {
		p.typing.MinKeyDelay = 60 * time.Millisecond
		p.typing.MaxKeyDelay = 220 * time.Millisecond
	}
	if p.typing.MinKeyDelay > p.typing.MaxKeyDelay {
		return nil, fmt.Errorf("invalid key delay range [%s, %s]", p.typing.MinKeyDelay, p.typing.MaxKeyDelay)
	}
	if p.typing.PauseChance == 0 {
		p.typing.PauseChance = 0.15
	}

	return p, nil
}

// FromConfig builds a provider from the anti-detection configuration
func FromConfig(c config.AntiDetectionConfig) (*Provider, error) {
	cfg := Config{
		UserAgents:  c.UserAgents,
		TLSProfiles: c.TLSProfiles,
		MinDelay:    time.Duration(c.DelayRangeMs[0]) * time.Millisecond,
		MaxDelay:    time.Duration(c.DelayRangeMs[1]) * time.Millisecond,
	}
	for _, vp := range c.Viewports {
		cfg.Viewports = append(cfg.Viewports, Viewport{Width: vp[0], Height: vp[1]})
	}
	return New(cfg)
}

// Fingerprint draws a fresh fingerprint. Headers are a new map owned by the
// caller.
func (p *Provider) Fingerprint() Fingerprint {
	ua := pick(p.userAgents)

	var headers map[string]string
	if len(p.headerSets) > 0 {
		headers = copyHeaders(pick(p.headerSets))
	} else {
		headers = browserHeaders(ua)
	}

	tlsProfile := TLSProfileNone
	if len(p.tlsProfiles) > 0 {
		tlsProfile = p.tlsProfileFor(ua)
	}

	return Fingerprint{
		UserAgent:  ua,
		Viewport:   pick(p.viewports),
		Headers:    headers,
		TLSProfile: tlsProfile,
	}
}

// tlsProfileFor picks a handshake the user agent's browser would send.
// When the pool has none for that browser any pooled profile is used.
func (p *Provider) tlsProfileFor(ua string) string {
	compatible := tlsProfilesFor(ua)
	var matches []string
	for _, name := range p.tlsProfiles {
		for _, c := range compatible {
			if name == c {
				matches = append(matches, name)
				break
			}
		}
	}
	if len(matches) == 0 {
		return pick(p.tlsProfiles)
	}
	return pick(matches)
}

// tlsProfilesFor lists the profiles matching a user agent's browser family.
// Edge and iOS tokens come first since both UAs also name Chrome or Safari.
func tlsProfilesFor(ua string) []string {
	switch {
	case strings.Contains(ua, "Edg/"):
		return []string{TLSProfileEdge, TLSProfileChrome}
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		return []string{TLSProfileIOS, TLSProfileSafari}
	case strings.Contains(ua, "Chrome/") || strings.Contains(ua, "CriOS/"):
		return []string{TLSProfileChrome}
	case strings.Contains(ua, "Firefox/"):
		return []string{TLSProfileFirefox}
	case strings.Contains(ua, "Safari/"):
		return []string{TLSProfileSafari, TLSProfileIOS}
	default:
		return nil
	}
}

// PreRequestDelay samples the delay to wait before a request
func (p *Provider) PreRequestDelay() time.Duration {
	return between(p.minDelay, p.maxDelay)
}

// browserHeaders returns the headers a browser with this user agent sends
// on a top-level navigation.
func browserHeaders(ua string) map[string]string {
	h := map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language":           pick(defaultAcceptLanguages),
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
	}

	if strings.Contains(ua, "Chrome/") {
		h["Accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
		version := ua[strings.Index(ua, "Chrome/")+len("Chrome/"):]
		if i := strings.IndexByte(version, '.'); i > 0 {
			version = version[:i]
		}
		brand := "Google Chrome"
		if strings.Contains(ua, "Edg/") {
			brand = "Microsoft Edge"
		}
		h["Sec-Ch-Ua"] = fmt.Sprintf(`"Chromium";v="%s", "%s";v="%s", "Not?A_Brand";v="99"`, version, brand, version)
		h["Sec-Ch-Ua-Mobile"] = "?0"
		switch {
		case strings.Contains(ua, "Windows"):
			h["Sec-Ch-Ua-Platform"] = `"Windows"`
		case strings.Contains(ua, "Macintosh"):
			h["Sec-Ch-Ua-Platform"] = `"macOS"`
		default:
			h["Sec-Ch-Ua-Platform"] = `"Linux"`
		}
	}
	return h
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pick[T any](pool []T) T {
	return pool[rand.IntN(len(pool))]
}

// between returns a uniform duration in [lo, hi]
func between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
