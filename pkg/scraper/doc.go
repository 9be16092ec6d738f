// Package scraper drives fetches against a detection-sensitive target.
//
// A Scraper composes the rate limiter, proxy pool, anti-detection provider,
// session store and transport into a per-URL state machine:
//
//	INIT -> AWAIT_RATE_SLOT -> ACQUIRE_PROXY -> EXECUTE
//	     -> SUCCESS
//	     -> RETRYABLE_FAILURE -> backoff -> AWAIT_RATE_SLOT (at most MaxRetries times)
//	     -> FATAL_FAILURE
//
// Every suspension point honours the task context, the task timeout bounds
// the whole lifecycle and the per-attempt timeout bounds a single fetch.
// When the proxy pool is exhausted past the task deadline the task ends with
// OutcomePoolExhausted, which callers can tell apart from a target refusal.
//
// Usage:
//
//	cfg, err := config.Load("", nil)
//	if err != nil {
//	    return err
//	}
//	s, err := scraper.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	result := s.ScrapeBatch(ctx, urls)
//	for _, f := range result.Failures {
//	    log.Printf("%s: %s (%s)", f.URL, f.Reason, f.Outcome)
//	}
//
// ScrapeBatch never fails as a whole: successes and per-URL failures are
// reported separately, each in input order.
package scraper
