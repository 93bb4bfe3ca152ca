// Package contextmgr implements C8 ContextManager: the public façade that
// owns a session's ConversationState, wires C1-C7 together, and is the
// sole mutator of that state, per spec section 4.8.
//
// Authored fresh; no teacher file models a façade over a single owned
// state with this component shape, but its single-owner/no-back-
// references discipline follows the design note in spec section 9, and
// its event-emission style (before/after pairs around every mutation)
// follows the same convention already used by pkg/contextpool and
// pkg/compression.
package contextmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ctxcore/pkg/checkpoint"
	"ctxcore/pkg/compression"
	"ctxcore/pkg/config"
	"ctxcore/pkg/contextpool"
	"ctxcore/pkg/ctxerr"
	"ctxcore/pkg/ctxmodel"
	"ctxcore/pkg/events"
	"ctxcore/pkg/logx"
	"ctxcore/pkg/memoryguard"
	"ctxcore/pkg/snapshot"
	"ctxcore/pkg/tokencount"
	"ctxcore/pkg/vram"
)

// WaitIdleTimeout is the 30-second ceiling ValidateAndBuildPrompt waits
// for an in-flight compression pass, per spec section 5.
const WaitIdleTimeout = 30 * time.Second

// PromptBundle is the exact sequence a provider receives for one turn,
// per spec 4.8.
type PromptBundle struct {
	SystemPrompt             ctxmodel.Message
	CheckpointsAsSystemMessages []ctxmodel.Message
	Messages                 []ctxmodel.Message
	UserMessage              ctxmodel.Message
}

// ContextManager is the public façade. One instance per session.
type ContextManager struct {
	sessionID string
	bus       *events.Bus
	log       *logx.Logger

	counter *tokencount.Counter
	probe   *vram.Probe
	pool    *contextpool.Pool
	coord   *compression.Coordinator
	guard   *memoryguard.Guard
	store   *snapshot.Store

	paramsBillion float64

	mu    sync.Mutex
	state ctxmodel.ConversationState
}

// New wires up C1-C7 for one session and seeds the ConversationState with
// systemPrompt. paramsBillion is the active model's parameter count, used
// by the pool-sizing formula and by VramProbe's fallback profile.
func New(
	sessionID string,
	bus *events.Bus,
	counter *tokencount.Counter,
	probe *vram.Probe,
	store *snapshot.Store,
	summarizer compression.Summarizer,
	cfg config.PoolConfig,
	systemPrompt string,
	paramsBillion float64,
) *ContextManager {
	mem := probe.Query(paramsBillion)
	pool := contextpool.New(bus, sessionID, mem, cfg)
	checkpts := checkpoint.NewManager(checkpoint.DefaultCap)
	coord := compression.New(sessionID, bus, store, checkpts, summarizer, counter)
	guard := memoryguard.New(sessionID, bus, coord, store, summarizer, counter)

	cm := &ContextManager{
		sessionID:     sessionID,
		bus:           bus,
		log:           logx.NewLogger(sessionID),
		counter:       counter,
		probe:         probe,
		pool:          pool,
		coord:         coord,
		guard:         guard,
		store:         store,
		paramsBillion: paramsBillion,
		state:         ctxmodel.ConversationState{SessionID: sessionID, NextSeq: 1},
	}
	cm.setSystemPromptLocked(systemPrompt)
	return cm
}

func (cm *ContextManager) publish(kind events.Kind, payload map[string]any) {
	if cm.bus == nil {
		return
	}
	cm.bus.Publish(events.Event{Kind: kind, SessionID: cm.sessionID, Payload: payload})
}

// Start emits the started event. Purely observational.
func (cm *ContextManager) Start() {
	cm.publish(events.KindStarted, nil)
}

// Stop emits the stopped event.
func (cm *ContextManager) Stop() {
	cm.publish(events.KindStopped, nil)
}

// SetSystemPrompt replaces the system prompt message identity. Per
// testable property 2, this is the only operation permitted to do so.
func (cm *ContextManager) SetSystemPrompt(text string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.setSystemPromptLocked(text)
}

func (cm *ContextManager) setSystemPromptLocked(text string) {
	msg := ctxmodel.Message{
		ID:        "system-prompt-" + cm.sessionID,
		Role:      ctxmodel.RoleSystem,
		Content:   text,
		CreatedAt: time.Now(),
	}
	msg.TokenCount = cm.counter.CountCached(msg.ID, text)
	cm.state.SystemPrompt = msg
	cm.state.RecomputeTokenTotal()
}

// AddMessage appends msg to the conversation, assigning its sequence
// number and token count. If the resulting fraction used crosses into
// Warn or above, MemoryGuard is applied synchronously before returning —
// the fast path (staying Normal) never suspends, matching spec section
// 5's "add_message must not suspend" for the common case.
func (cm *ContextManager) AddMessage(ctx context.Context, msg ctxmodel.Message) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	msg.Seq = cm.state.NextSeq
	cm.state.NextSeq++
	if msg.TokenCount == 0 {
		msg.TokenCount = cm.counter.CountCached(msg.ID, msg.Content)
	}
	cm.state.Messages = append(cm.state.Messages, msg)
	cm.state.RecomputeTokenTotal()

	budget := ctxmodel.ComputeBudget(cm.state.TokenTotal, cm.pool.Size())
	cm.publish(events.KindMessageAdded, map[string]any{"budget": budget})

	if memoryguard.Evaluate(budget) == memoryguard.ActionNone {
		return nil
	}
	next, _, err := cm.guard.Apply(ctx, cm.state, cm.pool.Size())
	if err != nil {
		return fmt.Errorf("contextmgr: add_message guard dispatch: %w", err)
	}
	cm.state = next
	return nil
}

// ValidateAndBuildPrompt is the pre-send critical path. It waits (up to
// WaitIdleTimeout) for any in-flight compression pass, guards the
// accumulated state against the budget that sending userText would
// produce, and returns the exact message sequence a provider should
// receive. userText is not committed to ConversationState; the caller
// commits it (and the provider's reply) via AddMessage once the turn
// actually completes.
func (cm *ContextManager) ValidateAndBuildPrompt(ctx context.Context, userText string) (PromptBundle, error) {
	if !cm.coord.WaitUntilIdle(WaitIdleTimeout) {
		return PromptBundle{}, ctxerr.New(ctxerr.KindTimeout, cm.sessionID, "validate_and_build_prompt: timed out waiting for compression to finish", nil)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	userTokens := cm.counter.Count(userText)
	hypothetical := ctxmodel.ComputeBudget(cm.state.TokenTotal+userTokens, cm.pool.Size())

	if memoryguard.Evaluate(hypothetical) != memoryguard.ActionNone {
		next, _, err := cm.guard.Apply(ctx, cm.state, cm.pool.Size())
		if err != nil {
			return PromptBundle{}, fmt.Errorf("contextmgr: validate_and_build_prompt guard dispatch: %w", err)
		}
		cm.state = next
	}

	reEvaluated := ctxmodel.ComputeBudget(cm.state.TokenTotal+userTokens, cm.pool.Size())
	if ctxmodel.ClassifyThreshold(reEvaluated.FractionUsed) == ctxmodel.ThresholdOverflow {
		return PromptBundle{}, ctxerr.New(ctxerr.KindBudgetExceeded, cm.sessionID, "validate_and_build_prompt: message does not fit even after rollover", nil)
	}

	checkpointMessages := make([]ctxmodel.Message, 0, len(cm.state.Checkpoints))
	for _, c := range cm.state.Checkpoints {
		checkpointMessages = append(checkpointMessages, c.Summary)
	}
	userMsg := ctxmodel.Message{
		Role:       ctxmodel.RoleUser,
		Content:    userText,
		CreatedAt:  time.Now(),
		TokenCount: userTokens,
	}
	return PromptBundle{
		SystemPrompt:                cm.state.SystemPrompt,
		CheckpointsAsSystemMessages: checkpointMessages,
		Messages:                    append([]ctxmodel.Message(nil), cm.state.Messages...),
		UserMessage:                 userMsg,
	}, nil
}

// Compress runs an explicit Hybrid compression pass using the guard's
// configured Critical-tier preservation window, mirroring the internal
// trigger AddMessage may fire.
func (cm *ContextManager) Compress(ctx context.Context) (compression.CompressionOutcome, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	outcome, next, err := cm.coord.Compress(ctx, compression.StrategyHybrid, cm.guard.PreserveRecentTokens, cm.state)
	if err != nil {
		return compression.CompressionOutcome{}, err
	}
	cm.state = next
	return outcome, nil
}

// CreateSnapshot persists the current state and returns the new
// snapshot's id.
func (cm *ContextManager) CreateSnapshot(summary string) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	meta := ctxmodel.PoolMetadata{PoolSize: cm.pool.Size()}
	id, err := cm.store.Save(cm.state, meta, summary)
	if err != nil {
		return "", err
	}
	cm.publish(events.KindSnapshotCreated, map[string]any{"id": id})
	return id, nil
}

// RestoreSnapshot replaces the live state with a previously saved
// snapshot. Rejected with Busy while a compression pass holds the
// exclusion lock, per spec section 5.
func (cm *ContextManager) RestoreSnapshot(id string) error {
	if cm.coord.IsBusy() {
		return ctxerr.New(ctxerr.KindBusy, cm.sessionID, "restore_snapshot: compression pass in progress", nil)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	state, _, err := cm.store.Load(cm.sessionID, id)
	if err != nil {
		return err
	}
	cm.state = state
	cm.publish(events.KindSnapshotRestored, map[string]any{"id": id})
	return nil
}

// ListSnapshots returns every retained snapshot, oldest first.
func (cm *ContextManager) ListSnapshots() ([]snapshot.IndexEntry, error) {
	return cm.store.List(cm.sessionID)
}

// Clear resets the conversation to just the system prompt, discarding
// checkpoints and messages.
func (cm *ContextManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.state = ctxmodel.ConversationState{
		SessionID:    cm.sessionID,
		SystemPrompt: cm.state.SystemPrompt,
		NextSeq:      1,
	}
	cm.state.RecomputeTokenTotal()
	cm.publish(events.KindCleared, nil)
}

// UpdateConfig validates cfg, recomputes the pool size from it and the
// latest VRAM reading, and resizes the pool. Rejected without mutation if
// cfg is invalid or the new size cannot hold the current token total.
func (cm *ContextManager) UpdateConfig(cfg config.PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return ctxerr.New(ctxerr.KindInvalidConfig, cm.sessionID, err.Error(), nil)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	mem := cm.probe.Query(cm.paramsBillion)
	newSize := contextpool.Compute(mem, cfg)
	if err := cm.pool.Resize(newSize, cm.state.TokenTotal); err != nil {
		return ctxerr.New(ctxerr.KindInvalidConfig, cm.sessionID, err.Error(), err)
	}
	if err := config.UpdatePoolConfig(cfg); err != nil {
		return ctxerr.New(ctxerr.KindInvalidConfig, cm.sessionID, err.Error(), err)
	}
	cm.publish(events.KindConfigUpdated, nil)
	return nil
}

// CurrentBudget is a pure query; it never suspends.
func (cm *ContextManager) CurrentBudget() ctxmodel.Budget {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return ctxmodel.ComputeBudget(cm.state.TokenTotal, cm.pool.Size())
}

// State returns a defensive copy of the current ConversationState, for
// callers that need to inspect it (tests, the demo CLI's history view).
func (cm *ContextManager) State() ctxmodel.ConversationState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state.Clone()
}

// PoolSize returns the current pool size in tokens.
func (cm *ContextManager) PoolSize() int {
	return cm.pool.Size()
}
