// Package compression implements C5 CompressionCoordinator: orchestrating
// a compression pass and holding the session-scoped mutual-exclusion
// lock, per spec section 4.5.
//
// The state machine (Idle -> Acquiring -> Snapshotting -> Absorbing ->
// Summarizing -> Truncating -> Aging -> Accounting -> Idle) is authored
// fresh; its exclusion-lock discipline and the summarizerBreaker guarding
// the external Summarizer call are grounded on
// pkg/agent/middleware/resilience/circuit/breaker.go, whose Allow/Record
// contract maps directly onto "stop calling a repeatedly-timing-out
// summarizer for a while" (see summarizer_breaker.go).
package compression

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ctxcore/pkg/checkpoint"
	"ctxcore/pkg/ctxerr"
	"ctxcore/pkg/ctxmodel"
	"ctxcore/pkg/events"
	"ctxcore/pkg/logx"
	"ctxcore/pkg/snapshot"
)

// Strategy selects how a compression pass reduces the absorbed range.
type Strategy string

const (
	StrategySummarize Strategy = "Summarize"
	StrategyTruncate  Strategy = "Truncate"
	StrategyHybrid    Strategy = "Hybrid" // default
)

// SummarizerTimeout is the hard ceiling on a single summarizer call, per
// spec 4.5.
const SummarizerTimeout = 30 * time.Second

// TokenCounter is the minimal counting capability the coordinator needs;
// satisfied by *tokencount.Counter.
type TokenCounter interface {
	Count(text string) int
	Forget(msgID string)
}

// Summarizer is the external collaborator of spec 6.3, called to
// compress a range of messages into a shorter narrative.
type Summarizer interface {
	Summarize(ctx context.Context, messages []ctxmodel.Message, targetTokens int, instruction string) (text string, approxTokens int, err error)
}

// CompressionOutcome is the result of one compress() call, per spec 4.5.
type CompressionOutcome struct {
	StrategyUsed      Strategy
	OriginalTokens    int
	CompressedTokens  int
	Ratio             float64
	CheckpointCreated *ctxmodel.Checkpoint
	Inflated          bool
	Skipped           bool
	SkipReason        string
}

// Coordinator holds the single session-wide exclusion lock described in
// spec section 5.
type Coordinator struct {
	sessionID string
	bus       *events.Bus
	snapshots *snapshot.Store
	checkpts  *checkpoint.Manager
	breaker   *summarizerBreaker
	summ      Summarizer
	counter   TokenCounter
	cap       int

	mu          sync.Mutex
	busy        bool
	idleWaiters []chan struct{}
}

// New constructs a Coordinator for one session.
func New(sessionID string, bus *events.Bus, snapshots *snapshot.Store, checkpts *checkpoint.Manager, summ Summarizer, counter TokenCounter) *Coordinator {
	return &Coordinator{
		sessionID: sessionID,
		bus:       bus,
		snapshots: snapshots,
		checkpts:  checkpts,
		breaker:   newSummarizerBreaker(defaultSummarizerBreakerConfig),
		summ:      summ,
		counter:   counter,
		cap:       checkpoint.DefaultCap,
	}
}

// IsBusy reports whether a compression pass currently holds the
// exclusion lock.
func (c *Coordinator) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// WaitUntilIdle blocks until no pass is running or timeout elapses,
// returning false on timeout. Used by validate_and_build_prompt's
// 30-second wait per spec section 5.
func (c *Coordinator) WaitUntilIdle(timeout time.Duration) bool {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	c.idleWaiters = append(c.idleWaiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Coordinator) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	waiters := c.idleWaiters
	c.idleWaiters = nil
	c.busy = false
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *Coordinator) publish(kind events.Kind, payload map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, SessionID: c.sessionID, Payload: payload})
}

// Compress runs one compression pass over state and returns the outcome
// plus the (possibly unchanged) resulting state. It never mutates the
// ConversationState passed to it; callers (ContextManager) install the
// returned state.
func (c *Coordinator) Compress(ctx context.Context, strategy Strategy, preserveRecentTokens int, state ctxmodel.ConversationState) (CompressionOutcome, ctxmodel.ConversationState, error) {
	if !c.tryAcquire() {
		return CompressionOutcome{}, state, ctxerr.New(ctxerr.KindBusy, c.sessionID, "compress: already running", nil)
	}
	defer c.release()

	c.publish(events.KindCompressionStarted, nil)
	c.publish(events.KindBlockUserInput, nil)
	defer c.publish(events.KindUnblockUserInput, nil)

	// Snapshotting: best-effort, failure is logged but non-fatal, per
	// spec 4.5 and the open question in spec 9 (default: proceed).
	if c.snapshots != nil {
		if _, err := c.snapshots.Save(state, ctxmodel.PoolMetadata{}, "pre-compression snapshot"); err != nil {
			logx.Warnf("compression: pre-compression snapshot failed (proceeding anyway): %v", err)
		}
	}

	// Absorbing.
	absorbed, ok := checkpoint.SelectAbsorptionRange(state.Messages, preserveRecentTokens)
	if !ok {
		c.publish(events.KindCompressionSkipped, map[string]any{"reason": "empty_absorption_range"})
		return CompressionOutcome{StrategyUsed: strategy, Skipped: true, SkipReason: "empty_absorption_range"}, state, nil
	}
	originalTokens := 0
	for _, m := range absorbed {
		originalTokens += m.TokenCount
	}

	// Summarizing / Truncating.
	text, strategyUsed := c.produceSummary(ctx, strategy, absorbed)
	compressedTokens := c.counter.Count(text)

	// Inflation guard: measured strictly after the summarizer returns
	// and before aging is applied, per spec 4.5.
	if compressedTokens > originalTokens {
		c.publish(events.KindCompressionSkipped, map[string]any{"reason": "inflated"})
		return CompressionOutcome{
			StrategyUsed:     strategyUsed,
			OriginalTokens:   originalTokens,
			CompressedTokens: compressedTokens,
			Inflated:         true,
			Skipped:          true,
			SkipReason:       "inflated",
		}, state, nil
	}

	newCP, err := c.checkpts.Create(absorbed, text, compressedTokens, nil, nil, nil, time.Now())
	if err != nil {
		return CompressionOutcome{}, state, fmt.Errorf("compression: create checkpoint: %w", err)
	}

	next := state.Clone()
	next.Messages = append([]ctxmodel.Message(nil), state.Messages[len(absorbed):]...)
	next.Checkpoints = append(next.Checkpoints, newCP)
	for _, m := range absorbed {
		c.counter.Forget(m.ID)
	}

	// Aging.
	next.Checkpoints = checkpoint.Age(next.Checkpoints, time.Now(), c.shorten(ctx))
	if k := checkpoint.MergeCountToFitCap(len(next.Checkpoints), c.cap); k > 0 {
		merged, err := checkpoint.MergeOldest(next.Checkpoints, k, time.Now(), c.mergeNarrative)
		if err != nil {
			logx.Warnf("compression: merge_oldest failed, leaving checkpoints over cap: %v", err)
		} else {
			next.Checkpoints = merged
		}
	}

	// Accounting.
	next.RecomputeTokenTotal()

	ratio := 0.0
	if originalTokens > 0 {
		ratio = float64(compressedTokens) / float64(originalTokens)
	}
	c.publish(events.KindCompressionCompleted, map[string]any{"ratio": ratio})

	return CompressionOutcome{
		StrategyUsed:      strategyUsed,
		OriginalTokens:    originalTokens,
		CompressedTokens:  compressedTokens,
		Ratio:             ratio,
		CheckpointCreated: &newCP,
	}, next, nil
}

// produceSummary implements Summarizing -> Truncating: it calls the
// external Summarizer (through the circuit breaker, with the 30s
// deadline) unless strategy is explicit Truncate, and falls through to
// local truncation on error, timeout, or an open breaker.
func (c *Coordinator) produceSummary(ctx context.Context, strategy Strategy, absorbed []ctxmodel.Message) (string, Strategy) {
	if strategy == StrategyTruncate || c.summ == nil || !c.breaker.Allow() {
		return c.truncate(absorbed), StrategyTruncate
	}

	callCtx, cancel := context.WithTimeout(ctx, SummarizerTimeout)
	defer cancel()

	instruction := "Summarize the following conversation span, preserving key decisions."
	text, _, err := c.summ.Summarize(callCtx, absorbed, checkpoint.DetailedTargetTokens, instruction)
	if err != nil {
		logx.Warnf("compression: summarizer failed, falling back to truncation: %v", err)
		c.breaker.Record(false)
		return c.truncate(absorbed), StrategyTruncate
	}
	c.breaker.Record(true)
	if strategy == StrategyHybrid || strategy == StrategySummarize {
		return text, StrategyHybrid
	}
	return text, strategy
}

// truncate is the local, I/O-free fallback: a short, deterministic
// synopsis built from the absorbed range's first and last messages.
func (c *Coordinator) truncate(absorbed []ctxmodel.Message) string {
	if len(absorbed) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d messages truncated] starts: %s", len(absorbed), snippet(absorbed[0].Content, 80))
	if len(absorbed) > 1 {
		fmt.Fprintf(&b, " ends: %s", snippet(absorbed[len(absorbed)-1].Content, 80))
	}
	return b.String()
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// shorten returns a checkpoint.Shortener that asks the Summarizer (with
// the same resilience discipline as produceSummary) to produce a
// shorter narrative when aging a checkpoint, falling back to a local
// truncation of the existing summary.
func (c *Coordinator) shorten(ctx context.Context) checkpoint.Shortener {
	return func(cp ctxmodel.Checkpoint, target ctxmodel.Level) (string, int) {
		targetTokens := checkpoint.ModerateTargetTokens
		if target == ctxmodel.LevelCompact {
			targetTokens = checkpoint.CompactTargetTokens
		}
		if c.summ != nil && c.breaker.Allow() {
			callCtx, cancel := context.WithTimeout(ctx, SummarizerTimeout)
			defer cancel()
			text, _, err := c.summ.Summarize(callCtx, []ctxmodel.Message{cp.Summary}, targetTokens, "Shorten this checkpoint summary further.")
			if err == nil {
				c.breaker.Record(true)
				return text, c.counter.Count(text)
			}
			c.breaker.Record(false)
			logx.Warnf("compression: aging summarizer call failed, truncating locally: %v", err)
		}
		text := snippet(cp.Summary.Content, targetTokens*4)
		return text, c.counter.Count(text)
	}
}

// mergeNarrative builds the one-line-per-merged-checkpoint identifier
// list required by spec 4.4 ("merging never drops the fact that work
// happened").
func (c *Coordinator) mergeNarrative(oldest []ctxmodel.Checkpoint) (string, int) {
	var b strings.Builder
	b.WriteString("Merged checkpoints: ")
	for i, cp := range oldest {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s [%d-%d]", cp.ID, cp.MsgRange.First, cp.MsgRange.Last)
	}
	text := b.String()
	return text, c.counter.Count(text)
}
