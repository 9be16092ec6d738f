package scraper

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	errs "stealthscrape/pkg/errors"
)

// State is a FetchTask lifecycle position
type State int

const (
	StateInit State = iota
	StateAwaitRateSlot
	StateAcquireProxy
	StateExecute
	StateBackoff
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitRateSlot:
		return "AWAIT_RATE_SLOT"
	case StateAcquireProxy:
		return "ACQUIRE_PROXY"
	case StateExecute:
		return "EXECUTE"
	case StateBackoff:
		return "BACKOFF"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the terminal result of a FetchTask
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	// OutcomeRetryableFailure means the retry budget or task deadline ran
	// out on a retryable error
	OutcomeRetryableFailure
	OutcomeFatalFailure
	// OutcomePoolExhausted means no healthy proxy became available before
	// the task deadline
	OutcomePoolExhausted
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomeFatalFailure:
		return "fatal_failure"
	case OutcomePoolExhausted:
		return "pool_exhausted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FetchTask is one URL moving through the state machine. It is owned by
// the goroutine running it.
type FetchTask struct {
	ID      string
	URL     string
	Scope   string
	Attempt int
	// Proxy is the endpoint of the current attempt, empty when direct
	Proxy   string
	State   State
	Outcome Outcome
	Err     error
	Started time.Time
}

func newTask(url string, now time.Time) *FetchTask {
	return &FetchTask{
		ID:      uuid.NewString(),
		URL:     url,
		State:   StateInit,
		Outcome: OutcomePending,
		Started: now,
	}
}

// TaskResult is what a finished task reports
type TaskResult struct {
	TaskID   string
	URL      string
	Outcome  Outcome
	Attempts int
	Proxy    string
	Duration time.Duration

	// Set on success
	StatusCode int
	Header     http.Header
	Body       []byte

	// Set on failure
	ErrorType errs.ErrorType
	Reason    string
	Err       error
}

// OK reports whether the task succeeded
func (r *TaskResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// BatchResult separates successes from failures, each in input order
type BatchResult struct {
	Successes []*TaskResult
	Failures  []*TaskResult
	// Skipped lists URLs a resumed batch had already completed
	Skipped  []string
	Duration time.Duration
}

// Total returns the number of URLs processed
func (b *BatchResult) Total() int {
	return len(b.Successes) + len(b.Failures)
}

// FailuresByOutcome groups failures by their outcome
func (b *BatchResult) FailuresByOutcome() map[Outcome][]*TaskResult {
	out := make(map[Outcome][]*TaskResult)
	for _, f := range b.Failures {
		out[f.Outcome] = append(out[f.Outcome], f)
	}
	return out
}

func newBatchResult(results []*TaskResult) *BatchResult {
	b := &BatchResult{}
	for _, r := range results {
		if r.OK() {
			b.Successes = append(b.Successes, r)
		} else {
			b.Failures = append(b.Failures, r)
		}
	}
	return b
}
