// Package checkpoint implements C4 CheckpointManager: creating, aging,
// and merging the hierarchical summary checkpoints of spec section 4.4.
//
// Manager is deliberately stateless beyond its tunables: it operates on
// checkpoint/message slices passed in by the caller (CompressionCoordinator)
// and returns new slices, per the "components do not hold back-references"
// design note in spec section 9 — this keeps ownership of
// ConversationState solely with ContextManager.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ctxcore/pkg/ctxmodel"
)

// DefaultCap is the default checkpoint-count cap that triggers
// merge_oldest, per spec 4.4.
const DefaultCap = 10

// Aging thresholds per spec 4.4.
const (
	DetailedAgeThreshold = 5
	ModerateAgeThreshold = 10
)

// Nominal per-level token targets the summarizer is asked to fit within,
// per spec 4.4. Not hard caps; tokens are re-measured after aging.
const (
	DetailedTargetTokens = 750
	ModerateTargetTokens = 300
	CompactTargetTokens  = 75
)

// Manager holds the tunable cap; it has no other mutable state.
type Manager struct {
	Cap int
}

func NewManager(cap int) *Manager {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Manager{Cap: cap}
}

// SelectAbsorptionRange implements the algorithm of spec 4.4: walk
// messages newest to oldest accumulating token_count until the
// accumulator reaches preserveRecentTokens; everything older forms the
// absorption range. messages must be ordered oldest-first (as
// ConversationState.Messages always is). Returns ok=false when the
// range would be empty, i.e. the inflation guard's sibling: reaching
// preserveRecentTokens takes every message (or there are none), so
// there is nothing to absorb and the caller should skip this pass.
func SelectAbsorptionRange(messages []ctxmodel.Message, preserveRecentTokens int) (absorbed []ctxmodel.Message, ok bool) {
	acc := 0
	cut := len(messages) // index of the first message to keep verbatim
	for i := len(messages) - 1; i >= 0; i-- {
		if acc >= preserveRecentTokens {
			break
		}
		acc += messages[i].TokenCount
		cut = i
	}
	if cut == 0 {
		return nil, false
	}
	return messages[:cut], true
}

// Create appends a new Detailed-level checkpoint covering exactly the
// absorbed range. summaryTokens is the already-measured token count of
// summaryText (TokenCounter has already run by the time C5 calls this).
func (m *Manager) Create(absorbed []ctxmodel.Message, summaryText string, summaryTokens int, keyDecisions, filesModified, nextSteps []string, now time.Time) (ctxmodel.Checkpoint, error) {
	if len(absorbed) == 0 {
		return ctxmodel.Checkpoint{}, fmt.Errorf("checkpoint: cannot create from an empty absorption range")
	}
	original := 0
	for _, msg := range absorbed {
		original += msg.TokenCount
	}
	return ctxmodel.Checkpoint{
		ID:    uuid.NewString(),
		Level: ctxmodel.LevelDetailed,
		MsgRange: ctxmodel.Range{
			First: absorbed[0].Seq,
			Last:  absorbed[len(absorbed)-1].Seq,
		},
		Summary: ctxmodel.Message{
			ID:        uuid.NewString(),
			Role:      ctxmodel.RoleSystem,
			Content:   summaryText,
			CreatedAt: now,
		},
		OriginalTokens:   original,
		CurrentTokens:    summaryTokens,
		CompressionCount: 0,
		CreatedAt:        now,
		LastAgedAt:       now,
		KeyDecisions:     keyDecisions,
		FilesModified:    filesModified,
		NextSteps:        nextSteps,
	}, nil
}

// Shortener produces a shorter narrative for a checkpoint being aged to
// targetLevel, returning the new summary text and its measured token
// count. It is supplied by the caller (C5, via the external Summarizer
// or a local truncation fallback) so this package stays free of I/O.
type Shortener func(c ctxmodel.Checkpoint, targetLevel ctxmodel.Level) (text string, tokens int)

// Age walks checkpoints oldest-first, incrementing compression_count for
// every checkpoint (one compression pass has elapsed for all of them),
// and promotes any Detailed checkpoint whose compression_count reaches
// DetailedAgeThreshold to Moderate, and any Moderate checkpoint whose
// compression_count reaches ModerateAgeThreshold to Compact. Aging is
// monotone: level never increases. Returns a new slice; the input is not
// mutated.
func Age(checkpoints []ctxmodel.Checkpoint, now time.Time, shorten Shortener) []ctxmodel.Checkpoint {
	out := make([]ctxmodel.Checkpoint, len(checkpoints))
	for i, c := range checkpoints {
		c.CompressionCount++
		switch {
		case c.Level == ctxmodel.LevelDetailed && c.CompressionCount >= DetailedAgeThreshold:
			text, tokens := shorten(c, ctxmodel.LevelModerate)
			c.Level = ctxmodel.LevelModerate
			c.Summary = ctxmodel.Message{ID: c.Summary.ID, Role: ctxmodel.RoleSystem, Content: text, CreatedAt: now}
			c.CurrentTokens = tokens
			c.LastAgedAt = now
			// KeyDecisions survive the Detailed -> Moderate transition.
		case c.Level == ctxmodel.LevelModerate && c.CompressionCount >= ModerateAgeThreshold:
			text, tokens := shorten(c, ctxmodel.LevelCompact)
			c.Level = ctxmodel.LevelCompact
			c.Summary = ctxmodel.Message{ID: c.Summary.ID, Role: ctxmodel.RoleSystem, Content: text, CreatedAt: now}
			c.CurrentTokens = tokens
			c.LastAgedAt = now
			c.KeyDecisions = nil // decisions dropped at Compact
		}
		out[i] = c
	}
	return out
}

// MergeOldest coalesces the k oldest checkpoints into a single Compact
// summary whose range spans their union. merge is supplied by the caller
// to produce the coalesced narrative (always a one-line-per-merged-
// checkpoint identifier list per spec 4.4, "merging never drops the fact
// that work happened"); mergeTokens is its measured token count.
func MergeOldest(checkpoints []ctxmodel.Checkpoint, k int, now time.Time, merge func(oldest []ctxmodel.Checkpoint) (text string, tokens int)) ([]ctxmodel.Checkpoint, error) {
	if k <= 0 || k > len(checkpoints) {
		return nil, fmt.Errorf("checkpoint: merge_oldest k=%d out of range for %d checkpoints", k, len(checkpoints))
	}
	oldest := checkpoints[:k]
	rest := checkpoints[k:]

	text, tokens := merge(oldest)
	merged := ctxmodel.Checkpoint{
		ID:    uuid.NewString(),
		Level: ctxmodel.LevelCompact,
		MsgRange: ctxmodel.Range{
			First: oldest[0].MsgRange.First,
			Last:  oldest[len(oldest)-1].MsgRange.Last,
		},
		Summary: ctxmodel.Message{
			ID:        uuid.NewString(),
			Role:      ctxmodel.RoleSystem,
			Content:   text,
			CreatedAt: now,
		},
		OriginalTokens:   sumOriginal(oldest),
		CurrentTokens:    tokens,
		CompressionCount: maxCompressionCount(oldest),
		CreatedAt:        now,
		LastAgedAt:       now,
	}
	out := make([]ctxmodel.Checkpoint, 0, 1+len(rest))
	out = append(out, merged)
	out = append(out, rest...)
	return out, nil
}

func sumOriginal(cs []ctxmodel.Checkpoint) int {
	total := 0
	for _, c := range cs {
		total += c.OriginalTokens
	}
	return total
}

func maxCompressionCount(cs []ctxmodel.Checkpoint) int {
	max := 0
	for _, c := range cs {
		if c.CompressionCount > max {
			max = c.CompressionCount
		}
	}
	return max
}

// MergeCountToFitCap returns the smallest k such that merging the k
// oldest checkpoints brings len(checkpoints)-k+1 back to at most cap.
func MergeCountToFitCap(numCheckpoints, cap int) int {
	if numCheckpoints <= cap {
		return 0
	}
	// merging k checkpoints into 1 reduces the count by k-1; we need
	// numCheckpoints - (k-1) <= cap.
	k := numCheckpoints - cap + 1
	if k < 2 {
		k = 2
	}
	if k > numCheckpoints {
		k = numCheckpoints
	}
	return k
}

// TotalTokens sums current_tokens across checkpoints.
func TotalTokens(checkpoints []ctxmodel.Checkpoint) int {
	total := 0
	for _, c := range checkpoints {
		total += c.CurrentTokens
	}
	return total
}

// ValidatePartition checks that checkpoint ranges are contiguous,
// non-overlapping, and ordered by first_msg_seq, per spec invariant 3
// (checked by tests, and usable as a defensive assertion by callers).
func ValidatePartition(checkpoints []ctxmodel.Checkpoint) error {
	for i := 1; i < len(checkpoints); i++ {
		prev, cur := checkpoints[i-1], checkpoints[i]
		if cur.MsgRange.First <= prev.MsgRange.Last {
			return fmt.Errorf("checkpoint: ranges overlap or are out of order: [%d,%d] then [%d,%d]",
				prev.MsgRange.First, prev.MsgRange.Last, cur.MsgRange.First, cur.MsgRange.Last)
		}
		if cur.MsgRange.First != prev.MsgRange.Last+1 {
			return fmt.Errorf("checkpoint: gap between ranges: [%d,%d] then [%d,%d]",
				prev.MsgRange.First, prev.MsgRange.Last, cur.MsgRange.First, cur.MsgRange.Last)
		}
	}
	return nil
}
