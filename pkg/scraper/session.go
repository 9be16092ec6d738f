package scraper

import (
	"context"
	"fmt"
	"net/http"

	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/retry"
	"stealthscrape/pkg/session"
	"stealthscrape/pkg/transport"
)

// SessionRefresher obtains a fresh session for a target, typically by
// logging in again.
type SessionRefresher interface {
	Refresh(ctx context.Context, targetID string) (session.Blob, error)
}

// SessionRefresherFunc adapts a function to SessionRefresher
type SessionRefresherFunc func(ctx context.Context, targetID string) (session.Blob, error)

func (f SessionRefresherFunc) Refresh(ctx context.Context, targetID string) (session.Blob, error) {
	return f(ctx, targetID)
}

// SessionValidator checks that a stored session is still accepted by the
// target. IsValid only checks the TTL.
type SessionValidator interface {
	Validate(ctx context.Context, s *session.Session) (bool, error)
}

// ProbeValidator validates a session by fetching a URL with its cookies.
// The request takes the same path as a task attempt: a rate-limit
// admission on the URL's scope, a proxy lease and a fresh fingerprint.
// Auth and block classifications mean the session is rejected.
type ProbeValidator struct {
	scraper *Scraper
	url     string
}

// NewProbeValidator creates a validator that fetches probeURL through s
func NewProbeValidator(s *Scraper, probeURL string) *ProbeValidator {
	return &ProbeValidator{scraper: s, url: probeURL}
}

func (p *ProbeValidator) Validate(ctx context.Context, sess *session.Session) (bool, error) {
	resp, cls := p.scraper.probe(ctx, p.url, sess.HTTPCookies())
	switch {
	case cls.Kind == transport.KindSuccess:
		return true, nil
	case cls.Type == errs.ErrorTypeAuth, cls.Type == errs.ErrorTypeBlocked:
		return false, nil
	default:
		return false, cls.Err(statusOf(resp))
	}
}

// probe sends one request outside any task. It is admitted by the limiter
// and leases a proxy like an attempt does, and the lease is settled the
// same way: success and failure are reported, a rejected session or an
// interrupted probe only releases it.
func (s *Scraper) probe(ctx context.Context, rawURL string, cookies []*http.Cookie) (*transport.Response, transport.Classification) {
	scope, err := s.scopeFor(rawURL)
	if err != nil {
		return nil, transport.Classification{Kind: transport.KindFatal, Type: errs.ErrorTypeConfig, Reason: err.Error()}
	}
	if err := s.awaitRateSlot(ctx, scope); err != nil {
		return nil, transport.Classify(nil, err)
	}
	lease, err := s.acquireProxy(ctx, s.logger)
	if err != nil {
		return nil, transport.Classify(nil, err)
	}

	resp, cls := s.send(ctx, rawURL, cookies, lease)
	if lease == nil {
		return resp, cls
	}
	switch {
	case cls.Kind == transport.KindSuccess:
		s.proxies.MarkSuccess(lease)
	case ctx.Err() != nil, cls.Kind == transport.KindFatal:
		lease.Release()
	default:
		s.proxies.MarkFailure(lease)
		s.stats.proxyFailed(lease.Endpoint.ID)
	}
	return resp, cls
}

// ensureSession runs the first maintenance pass once per Scraper. A pass
// cut short by the caller's context does not count and runs again on the
// next task.
func (s *Scraper) ensureSession(ctx context.Context) {
	if s.sessionReady.Load() {
		return
	}
	s.sessionInitMu.Lock()
	defer s.sessionInitMu.Unlock()
	if s.sessionReady.Load() {
		return
	}

	err := s.maintainSession(ctx)
	if ctx.Err() != nil {
		return
	}
	s.sessionReady.Store(true)
	if err != nil {
		s.logger.WithError(err).Warn("Initial session maintenance failed")
	}
}

// maintainSession validates the stored session and refreshes it when it is
// expired or rejected. Expired sessions are cleared, never reused.
func (s *Scraper) maintainSession(ctx context.Context) error {
	if s.sessions == nil || s.sessionTarget == "" {
		return nil
	}

	s.maintenanceMu.Lock()
	defer s.maintenanceMu.Unlock()

	log := s.logger.WithField("target", s.sessionTarget)
	now := s.clock.Now()

	sess, err := s.sessions.Load(ctx, s.sessionTarget)
	if err != nil {
		s.setSession(nil)
		return fmt.Errorf("failed to load session: %w", err)
	}

	valid := sess != nil && session.IsValid(sess, now)
	if valid && s.validator != nil {
		ok, err := s.validator.Validate(ctx, sess)
		if err != nil {
			// inconclusive, keep the session until the next pass
			log.WithError(err).Warn("Session validation inconclusive")
			s.setSession(sess)
			return nil
		}
		valid = ok
	}

	if valid {
		if err := s.sessions.Touch(ctx, s.sessionTarget); err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}
		sess.LastValidatedAt = now
		s.setSession(sess)
		log.Debug("Session validated")
		return nil
	}

	if sess != nil {
		log.Info("Session expired or rejected, clearing")
		if err := s.sessions.Clear(ctx, s.sessionTarget); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
	}
	s.setSession(nil)

	if s.refresher == nil {
		if sess != nil {
			return errs.ErrSessionExpired
		}
		return nil
	}

	blob, err := retry.DoWithResult(ctx, func(ctx context.Context) (session.Blob, error) {
		return s.refresher.Refresh(ctx, s.sessionTarget)
	}, s.retryConfig())
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	saved, err := s.sessions.Save(ctx, s.sessionTarget, blob)
	if err != nil {
		return fmt.Errorf("failed to save refreshed session: %w", err)
	}
	s.stats.refreshes.Add(1)
	s.setSession(saved)
	log.Info("Session refreshed")
	return nil
}

func (s *Scraper) setSession(sess *session.Session) {
	s.currentMu.Lock()
	s.currentSession = sess
	s.currentMu.Unlock()
}

// sessionCookies returns the cookies of the current session while it is
// within its TTL
func (s *Scraper) sessionCookies() []*http.Cookie {
	s.currentMu.RLock()
	sess := s.currentSession
	s.currentMu.RUnlock()

	if sess == nil || !session.IsValid(sess, s.clock.Now()) {
		return nil
	}
	return sess.HTTPCookies()
}

// CurrentSession returns the session attached to requests, if any
func (s *Scraper) CurrentSession() *session.Session {
	s.currentMu.RLock()
	defer s.currentMu.RUnlock()
	return s.currentSession
}
