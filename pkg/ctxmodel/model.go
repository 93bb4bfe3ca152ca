// Package ctxmodel defines the shared data model of spec section 3:
// Message, ConversationState, Checkpoint, and Snapshot. It has no
// dependencies on the other core packages so that TokenCounter,
// CheckpointManager, CompressionCoordinator, SnapshotStore, MemoryGuard,
// and ContextManager can all share one definition without import
// cycles.
package ctxmodel

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is immutable once added except for TokenCount, which is set
// once on first count. Owned exclusively by ConversationState.
type Message struct {
	ID         string
	Role       Role
	Content    string
	CreatedAt  time.Time
	TokenCount int
	ToolCallID string // opaque, empty if not a tool result
	Seq        int64  // monotonic sequence number, assigned on append
}

// Level is a Checkpoint's compression tier. Higher values are less
// compressed; aging only ever decreases Level.
type Level int

const (
	LevelCompact  Level = 1
	LevelModerate Level = 2
	LevelDetailed Level = 3
)

func (l Level) String() string {
	switch l {
	case LevelDetailed:
		return "Detailed"
	case LevelModerate:
		return "Moderate"
	case LevelCompact:
		return "Compact"
	default:
		return "Unknown"
	}
}

// Range is the inclusive [First, Last] message-sequence span a
// Checkpoint absorbed.
type Range struct {
	First int64
	Last  int64
}

// Checkpoint is an additive, role=system summary message representing
// an absorbed contiguous span of earlier messages. Owned by
// ConversationState, created by CheckpointManager, never mutated except
// by the aging transition (which produces a new Summary and increments
// CompressionCount).
type Checkpoint struct {
	ID               string
	Level            Level
	MsgRange         Range
	Summary          Message
	OriginalTokens   int
	CurrentTokens    int
	CompressionCount int
	CreatedAt        time.Time
	LastAgedAt       time.Time
	KeyDecisions     []string
	FilesModified    []string
	NextSteps        []string
}

// ConversationState is the full, mutable state of a session.
type ConversationState struct {
	SessionID    string
	SystemPrompt Message
	Checkpoints  []Checkpoint
	Messages     []Message
	TokenTotal   int
	NextSeq      int64
}

// RecomputeTokenTotal recomputes TokenTotal from scratch per the
// invariant in spec section 3 and stores it. Callers use this after any
// mutation to re-establish the closed-accounting invariant.
func (s *ConversationState) RecomputeTokenTotal() {
	total := s.SystemPrompt.TokenCount
	for _, c := range s.Checkpoints {
		total += c.CurrentTokens
	}
	for _, m := range s.Messages {
		total += m.TokenCount
	}
	s.TokenTotal = total
}

// Clone returns a deep-enough copy of the state for safe handoff to
// components that must not observe subsequent mutation (e.g. a snapshot
// write running concurrently with further add_message calls).
func (s *ConversationState) Clone() ConversationState {
	out := *s
	out.Checkpoints = append([]Checkpoint(nil), s.Checkpoints...)
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// PoolMetadata captures the subset of pool/model state a Snapshot
// records for later inspection, per spec section 6.2.
type PoolMetadata struct {
	ModelName            string
	PoolSize             int
	LastCompressionRatio float64
}

// Snapshot is the full durable record of a ConversationState, owned by
// SnapshotStore on disk and immutable after write.
type Snapshot struct {
	SchemaVersion int
	ID            string
	SessionID     string
	CreatedAt     time.Time
	TokenCount    int
	Summary       string
	Messages      []Message
	Checkpoints   []Checkpoint
	Metadata      PoolMetadata
}

// ThresholdLevel classifies fraction_used into the five-tier scale of
// spec section 3.
type ThresholdLevel int

const (
	ThresholdNormal ThresholdLevel = iota
	ThresholdWarn
	ThresholdCritical
	ThresholdEmergency
	ThresholdOverflow
)

func (t ThresholdLevel) String() string {
	switch t {
	case ThresholdNormal:
		return "Normal"
	case ThresholdWarn:
		return "Warn"
	case ThresholdCritical:
		return "Critical"
	case ThresholdEmergency:
		return "Emergency"
	case ThresholdOverflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// ClassifyThreshold returns the ThresholdLevel whose range contains
// fractionUsed, per spec section 3's fraction table.
func ClassifyThreshold(fractionUsed float64) ThresholdLevel {
	switch {
	case fractionUsed < 0.70:
		return ThresholdNormal
	case fractionUsed < 0.80:
		return ThresholdWarn
	case fractionUsed < 0.95:
		return ThresholdCritical
	case fractionUsed < 1.00:
		return ThresholdEmergency
	default:
		return ThresholdOverflow
	}
}

// Budget is a derived view, recomputed on demand and never stored.
type Budget struct {
	PoolSize     int
	Used         int
	Free         int
	FractionUsed float64
}

// ComputeBudget derives a Budget from a token total and pool size.
func ComputeBudget(tokenTotal, poolSize int) Budget {
	if poolSize <= 0 {
		return Budget{PoolSize: poolSize, Used: tokenTotal, Free: 0, FractionUsed: 1}
	}
	return Budget{
		PoolSize:     poolSize,
		Used:         tokenTotal,
		Free:         poolSize - tokenTotal,
		FractionUsed: float64(tokenTotal) / float64(poolSize),
	}
}
