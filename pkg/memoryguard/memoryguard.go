// Package memoryguard implements C7 MemoryGuard: the pre-send gatekeeper
// that classifies the current budget into one of five tiers and
// dispatches the corresponding action, per spec section 4.7.
//
// Authored fresh; no teacher file models a threshold-tier dispatcher, but
// its structure (a small pure classifier plus an orchestration method
// that calls out to other components and never returns without a usable
// state) follows the same shape as CompressionCoordinator's state
// machine in pkg/compression.
package memoryguard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ctxcore/pkg/compression"
	"ctxcore/pkg/ctxmodel"
	"ctxcore/pkg/events"
	"ctxcore/pkg/logx"
	"ctxcore/pkg/snapshot"
)

// RolloverPreserveUserMessages is the number of most recent user
// messages a rollover keeps verbatim, per spec 4.7.
const RolloverPreserveUserMessages = 10

// RolloverSynthesisTargetTokens bounds the synthesized Compact
// checkpoint a rollover produces, per spec 4.7.
const RolloverSynthesisTargetTokens = 400

// Action is the dispatch decision evaluate() returns for a budget.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionCompress
	ActionEmergencyCompress
	ActionRollover
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarn:
		return "warn"
	case ActionCompress:
		return "compress"
	case ActionEmergencyCompress:
		return "emergency_compress"
	case ActionRollover:
		return "rollover"
	default:
		return "unknown"
	}
}

// TokenCounter is the minimal counting capability a rollover synthesis
// needs.
type TokenCounter interface {
	Count(text string) int
}

// Guard holds the session's compression and snapshot collaborators. One
// Guard per session, shared with the owning ContextManager.
type Guard struct {
	sessionID string
	bus       *events.Bus
	coord     *compression.Coordinator
	snapshots *snapshot.Store
	summ      compression.Summarizer // may be nil; rollover then truncates locally
	counter   TokenCounter

	// PreserveRecentTokens is the normal Critical-tier compression
	// window; EmergencyPreserveRecentTokens is the smaller,
	// more-aggressive window used at Emergency, per spec 4.7.
	PreserveRecentTokens          int
	EmergencyPreserveRecentTokens int
}

// New constructs a Guard for one session.
func New(sessionID string, bus *events.Bus, coord *compression.Coordinator, snapshots *snapshot.Store, summ compression.Summarizer, counter TokenCounter) *Guard {
	return &Guard{
		sessionID:                     sessionID,
		bus:                           bus,
		coord:                         coord,
		snapshots:                     snapshots,
		summ:                          summ,
		counter:                       counter,
		PreserveRecentTokens:          1500,
		EmergencyPreserveRecentTokens: 500,
	}
}

// Evaluate is the pure classifier of spec 4.7: for pool size P and token
// total T, it returns the action for the level whose fraction-used
// range contains T/P, and no other.
func Evaluate(budget ctxmodel.Budget) Action {
	switch ctxmodel.ClassifyThreshold(budget.FractionUsed) {
	case ctxmodel.ThresholdNormal:
		return ActionNone
	case ctxmodel.ThresholdWarn:
		return ActionWarn
	case ctxmodel.ThresholdCritical:
		return ActionCompress
	case ctxmodel.ThresholdEmergency:
		return ActionEmergencyCompress
	default:
		return ActionRollover
	}
}

func (g *Guard) publish(kind events.Kind, payload map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.Event{Kind: kind, SessionID: g.sessionID, Payload: payload})
}

// Apply evaluates state against poolSize and executes the resulting
// action, returning the (possibly updated) state and the action taken.
// It never returns an error for a budget that is merely over threshold:
// per spec 4.7 MemoryGuard never throws. A non-nil error here means
// rollover itself could not complete (its snapshot write failed); the
// error wraps the snapshot store's error.
func (g *Guard) Apply(ctx context.Context, state ctxmodel.ConversationState, poolSize int) (ctxmodel.ConversationState, Action, error) {
	budget := ctxmodel.ComputeBudget(state.TokenTotal, poolSize)
	action := Evaluate(budget)

	switch action {
	case ActionNone:
		return state, action, nil

	case ActionWarn:
		g.publish(events.KindMemoryWarn, map[string]any{"fraction_used": budget.FractionUsed})
		return state, action, nil

	case ActionCompress:
		g.publish(events.KindMemoryCritical, map[string]any{"fraction_used": budget.FractionUsed})
		next, ok, err := g.compress(ctx, state, g.PreserveRecentTokens)
		if err != nil || !ok {
			// Compression failed or made no progress: escalate to Emergency.
			logx.Warnf("memoryguard: critical-tier compression did not help, escalating to emergency: %v", err)
			return g.applyEmergency(ctx, state, poolSize)
		}
		return next, action, nil

	case ActionEmergencyCompress:
		return g.applyEmergency(ctx, state, poolSize)

	default: // ActionRollover
		next, err := g.rollover(ctx, state)
		return next, ActionRollover, err
	}
}

// applyEmergency runs the Emergency-tier aggressive compression and,
// if the budget is still at or over 1.00 afterward (or compression
// itself failed), forces a rollover — the Emergency-failure-escalates-
// to-Overflow rule of spec 4.7.
func (g *Guard) applyEmergency(ctx context.Context, state ctxmodel.ConversationState, poolSize int) (ctxmodel.ConversationState, Action, error) {
	g.publish(events.KindMemoryEmergency, nil)
	next, ok, err := g.compress(ctx, state, g.EmergencyPreserveRecentTokens)
	if err != nil || !ok {
		rolled, rerr := g.rollover(ctx, state)
		return rolled, ActionRollover, rerr
	}
	budget := ctxmodel.ComputeBudget(next.TokenTotal, poolSize)
	if budget.FractionUsed >= 1.0 {
		rolled, rerr := g.rollover(ctx, next)
		return rolled, ActionRollover, rerr
	}
	return next, ActionEmergencyCompress, nil
}

// compress runs one Hybrid compression pass and reports whether it made
// forward progress (ok=false on error, skip, or a pass that freed no
// tokens — all of which should escalate rather than be reported as
// success).
func (g *Guard) compress(ctx context.Context, state ctxmodel.ConversationState, preserveRecentTokens int) (ctxmodel.ConversationState, bool, error) {
	if g.coord == nil {
		return state, false, fmt.Errorf("memoryguard: no compression coordinator configured")
	}
	outcome, next, err := g.coord.Compress(ctx, compression.StrategyHybrid, preserveRecentTokens, state)
	if err != nil {
		return state, false, err
	}
	if outcome.Skipped {
		return state, false, nil
	}
	if next.TokenTotal >= state.TokenTotal {
		return state, false, nil
	}
	return next, true, nil
}

// rollover implements the spec 4.7 rollover policy: snapshot first,
// then replace the live state with the system prompt, a single
// synthesized Compact checkpoint covering everything prior, and the
// last RolloverPreserveUserMessages user messages verbatim.
func (g *Guard) rollover(ctx context.Context, state ctxmodel.ConversationState) (ctxmodel.ConversationState, error) {
	snapshotID := ""
	if g.snapshots != nil {
		id, err := g.snapshots.Save(state, ctxmodel.PoolMetadata{}, "pre-rollover snapshot")
		if err != nil {
			return state, fmt.Errorf("memoryguard: rollover snapshot failed, aborting rollover: %w", err)
		}
		snapshotID = id
	}

	narrative, narrativeTokens := g.synthesize(ctx, state)
	now := time.Now()
	synthesized := ctxmodel.Checkpoint{
		ID:    uuid.NewString(),
		Level: ctxmodel.LevelCompact,
		MsgRange: ctxmodel.Range{
			First: firstSeq(state),
			Last:  lastSeq(state),
		},
		Summary: ctxmodel.Message{
			ID:        uuid.NewString(),
			Role:      ctxmodel.RoleSystem,
			Content:   narrative,
			CreatedAt: now,
		},
		OriginalTokens:   state.TokenTotal - state.SystemPrompt.TokenCount,
		CurrentTokens:    narrativeTokens,
		CompressionCount: 0,
		CreatedAt:        now,
		LastAgedAt:       now,
	}

	next := ctxmodel.ConversationState{
		SessionID:    state.SessionID,
		SystemPrompt: state.SystemPrompt,
		Checkpoints:  []ctxmodel.Checkpoint{synthesized},
		Messages:     lastUserMessages(state.Messages, RolloverPreserveUserMessages),
		NextSeq:      state.NextSeq,
	}
	next.RecomputeTokenTotal()

	g.publish(events.KindRollover, map[string]any{"new_snapshot_id": snapshotID})
	return next, nil
}

// synthesize produces the rollover narrative: the Summarizer's
// distillation of every checkpoint summary and message into at most
// RolloverSynthesisTargetTokens, or a deterministic local fallback (the
// first 40 characters of every checkpoint summary and message, joined
// with " | ", stopping once the text passes
// RolloverSynthesisTargetTokens*4 characters) if no Summarizer is
// configured or it fails.
func (g *Guard) synthesize(ctx context.Context, state ctxmodel.ConversationState) (string, int) {
	all := make([]ctxmodel.Message, 0, len(state.Checkpoints)+len(state.Messages))
	for _, cp := range state.Checkpoints {
		all = append(all, cp.Summary)
	}
	all = append(all, state.Messages...)

	if g.summ != nil {
		text, _, err := g.summ.Summarize(ctx, all, RolloverSynthesisTargetTokens,
			"Summarize the entire prior conversation as a compact briefing for a fresh session.")
		if err == nil {
			return text, g.count(text)
		}
		logx.Warnf("memoryguard: rollover summarizer failed, falling back to local synthesis: %v", err)
	}

	var fallback string
	for i, m := range all {
		if i > 0 {
			fallback += " | "
		}
		fallback += snippet(m.Content, 40)
		if len(fallback) > RolloverSynthesisTargetTokens*4 {
			break
		}
	}
	return fallback, g.count(fallback)
}

func (g *Guard) count(text string) int {
	if g.counter == nil {
		return len(text) / 4
	}
	return g.counter.Count(text)
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstSeq(state ctxmodel.ConversationState) int64 {
	if len(state.Checkpoints) > 0 {
		return state.Checkpoints[0].MsgRange.First
	}
	if len(state.Messages) > 0 {
		return state.Messages[0].Seq
	}
	return 0
}

func lastSeq(state ctxmodel.ConversationState) int64 {
	if len(state.Messages) > 0 {
		return state.Messages[len(state.Messages)-1].Seq
	}
	if len(state.Checkpoints) > 0 {
		return state.Checkpoints[len(state.Checkpoints)-1].MsgRange.Last
	}
	return 0
}

// lastUserMessages returns the last n messages with Role == RoleUser,
// in their original relative order.
func lastUserMessages(messages []ctxmodel.Message, n int) []ctxmodel.Message {
	var users []ctxmodel.Message
	for _, m := range messages {
		if m.Role == ctxmodel.RoleUser {
			users = append(users, m)
		}
	}
	if len(users) <= n {
		return users
	}
	return append([]ctxmodel.Message(nil), users[len(users)-n:]...)
}
