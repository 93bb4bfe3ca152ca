package compression

import (
	"sync"
	"time"
)

// summarizerState is where a summarizerBreaker currently sits in its
// closed/open/half-open cycle.
type summarizerState int

const (
	summarizerClosed   summarizerState = iota // calling the summarizer normally
	summarizerOpen                            // summarizer is failing, skip straight to truncation
	summarizerHalfOpen                        // probing whether the summarizer has recovered
)

func (s summarizerState) String() string {
	switch s {
	case summarizerClosed:
		return "CLOSED"
	case summarizerOpen:
		return "OPEN"
	case summarizerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// summarizerBreakerConfig tunes how many consecutive summarizer failures
// trip the breaker, how many consecutive successes in half-open close it
// again, and how long it stays open before probing.
type summarizerBreakerConfig struct {
	failureThreshold int
	successThreshold int
	openDuration     time.Duration
}

// defaultSummarizerBreakerConfig mirrors the 30s produceSummary/shorten
// deadline: five failed summarizer calls in a row trip the breaker, it
// stays open for one SummarizerTimeout period, and three consecutive
// successes in half-open close it.
var defaultSummarizerBreakerConfig = summarizerBreakerConfig{
	failureThreshold: 5,
	successThreshold: 3,
	openDuration:     SummarizerTimeout,
}

// summarizerBreaker guards calls to the external Summarizer, so a
// repeatedly-failing or timed-out model isn't retried on every absorption
// and aging pass. Closed lets calls through; five consecutive failures
// open it for one timeout period; half-open then probes the summarizer
// and needs three consecutive successes to close again.
type summarizerBreaker struct {
	config summarizerBreakerConfig

	mu              sync.Mutex
	state           summarizerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// newSummarizerBreaker constructs a breaker in the closed state.
func newSummarizerBreaker(config summarizerBreakerConfig) *summarizerBreaker {
	return &summarizerBreaker{config: config, state: summarizerClosed}
}

// Allow reports whether the next Summarize call should be attempted.
func (b *summarizerBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case summarizerClosed:
		return true
	case summarizerOpen:
		if time.Since(b.lastFailureTime) >= b.config.openDuration {
			b.state = summarizerHalfOpen
			b.successCount = 0
			return true
		}
		return false
	case summarizerHalfOpen:
		return true
	default:
		return false
	}
}

// Record reports the outcome of a Summarize call just attempted.
func (b *summarizerBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// State returns the current breaker state, for narration/telemetry.
func (b *summarizerBreaker) State() summarizerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *summarizerBreaker) onSuccess() {
	switch b.state {
	case summarizerClosed:
		b.failureCount = 0
	case summarizerHalfOpen:
		b.successCount++
		if b.successCount >= b.config.successThreshold {
			b.state = summarizerClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *summarizerBreaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case summarizerClosed:
		if b.failureCount >= b.config.failureThreshold {
			b.state = summarizerOpen
		}
	case summarizerHalfOpen:
		b.state = summarizerOpen
		b.successCount = 0
	}
}
