package contextmgr

import (
	"context"
	"strings"
	"testing"

	"ctxcore/pkg/compression"
	"ctxcore/pkg/config"
	"ctxcore/pkg/ctxmodel"
	"ctxcore/pkg/events"
	"ctxcore/pkg/snapshot"
	"ctxcore/pkg/tokencount"
	"ctxcore/pkg/vram"
)

type stubSummarizer struct {
	text   string
	tokens int
	err    error
}

func (s stubSummarizer) Summarize(ctx context.Context, messages []ctxmodel.Message, targetTokens int, instruction string) (string, int, error) {
	if s.err != nil {
		return "", 0, s.err
	}
	return s.text, s.tokens, nil
}

func newTestManager(t *testing.T, cfg config.PoolConfig, summ compression.Summarizer) *ContextManager {
	t.Helper()
	bus := events.New()
	store := snapshot.New(t.TempDir())
	counter := tokencount.New("llama3.1:8b")
	probe := vram.New()
	cm := New("s1", bus, counter, probe, store, summ, cfg, "you are a helpful assistant", 8)
	return cm
}

func fixedPoolConfig(target int) config.PoolConfig {
	return config.PoolConfig{
		MinTokens:      1,
		MaxTokens:      1 << 20,
		TargetTokens:   target,
		AutoSize:       false,
		KVQuantization: config.Q8,
	}
}

func collectEvents(bus *events.Bus) (*[]events.Event, func()) {
	var got []events.Event
	h := bus.Subscribe(func(ev events.Event) { got = append(got, ev) })
	return &got, h.Close
}

func TestAddMessageUnderBudgetEmitsOnlyMessageAdded(t *testing.T) {
	cm := newTestManager(t, fixedPoolConfig(8192), nil)
	got, stop := collectEvents(cm.bus)
	defer stop()

	err := cm.AddMessage(context.Background(), ctxmodel.Message{ID: "u1", Role: ctxmodel.RoleUser, Content: "hello", TokenCount: 2})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	err = cm.AddMessage(context.Background(), ctxmodel.Message{ID: "a1", Role: ctxmodel.RoleAssistant, Content: "reply", TokenCount: 100})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	budget := cm.CurrentBudget()
	if ctxmodel.ClassifyThreshold(budget.FractionUsed) != ctxmodel.ThresholdNormal {
		t.Errorf("expected Normal threshold, got %v (fraction %.3f)", ctxmodel.ClassifyThreshold(budget.FractionUsed), budget.FractionUsed)
	}
	for _, ev := range *got {
		if ev.Kind != events.KindMessageAdded {
			t.Errorf("expected only message_added events, saw %s", ev.Kind)
		}
	}
}

func TestAddMessageCrossingWarnEmitsWarnOnce(t *testing.T) {
	cm := newTestManager(t, fixedPoolConfig(1000), nil)
	got, stop := collectEvents(cm.bus)
	defer stop()

	err := cm.AddMessage(context.Background(), ctxmodel.Message{ID: "u1", Role: ctxmodel.RoleUser, Content: "x", TokenCount: 701})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	warnCount := 0
	for _, ev := range *got {
		if ev.Kind == events.KindMemoryWarn {
			warnCount++
		}
	}
	if warnCount != 1 {
		t.Errorf("expected exactly 1 memory_warn event, got %d", warnCount)
	}
	state := cm.State()
	if want := state.SystemPrompt.TokenCount + 701; state.TokenTotal != want {
		t.Errorf("expected token_total %d, got %d", want, state.TokenTotal)
	}
}

func TestAddMessageCrossingCriticalCompresses(t *testing.T) {
	cfg := fixedPoolConfig(1000)
	summ := stubSummarizer{text: "short summary", tokens: 100}
	cm := newTestManager(t, cfg, summ)
	cm.guard.PreserveRecentTokens = 200
	got, stop := collectEvents(cm.bus)
	defer stop()

	for i := 0; i < 6; i++ {
		err := cm.AddMessage(context.Background(), ctxmodel.Message{
			ID: "m", Role: ctxmodel.RoleUser, Content: "message body text", TokenCount: 150,
		})
		if err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	sawStarted, sawCompleted := false, false
	for _, ev := range *got {
		switch ev.Kind {
		case events.KindCompressionStarted:
			sawStarted = true
		case events.KindCompressionCompleted:
			sawCompleted = true
		}
	}
	if !sawStarted || !sawCompleted {
		t.Fatalf("expected a compression pass to run, started=%v completed=%v", sawStarted, sawCompleted)
	}
	if len(cm.State().Checkpoints) != 1 {
		t.Errorf("expected exactly 1 checkpoint, got %d", len(cm.State().Checkpoints))
	}
	budget := cm.CurrentBudget()
	if budget.FractionUsed >= 1.0 {
		t.Errorf("expected compression to bring fraction used under 1.0, got %.3f", budget.FractionUsed)
	}
}

// When the summarizer inflates every tier (Critical and Emergency both
// skip with reason=inflated), neither compression pass makes progress, so
// the escalation chain runs all the way to a forced rollover. The
// coordinator counts the returned text itself, so the text has to be
// longer than the absorbed range. Token accounting stays closed either
// way.
func TestInflationEscalatesAndTokenAccountingStaysClosed(t *testing.T) {
	cfg := fixedPoolConfig(1000)
	summ := stubSummarizer{text: strings.Repeat("inflated ", 1000), tokens: 5000}
	cm := newTestManager(t, cfg, summ)
	cm.guard.PreserveRecentTokens = 200

	for i := 0; i < 6; i++ {
		_ = cm.AddMessage(context.Background(), ctxmodel.Message{ID: "m", Role: ctxmodel.RoleUser, Content: "message body", TokenCount: 150})
	}

	after := cm.State()
	if len(after.Checkpoints) > 1 {
		t.Errorf("expected at most 1 checkpoint (a rollover's synthesized summary), got %d", len(after.Checkpoints))
	}
	want := after.SystemPrompt.TokenCount
	for _, c := range after.Checkpoints {
		want += c.CurrentTokens
	}
	for _, m := range after.Messages {
		want += m.TokenCount
	}
	if after.TokenTotal != want {
		t.Errorf("token accounting invariant violated: token_total=%d, recomputed=%d", after.TokenTotal, want)
	}
}

func TestValidateAndBuildPromptReturnsBundle(t *testing.T) {
	cm := newTestManager(t, fixedPoolConfig(8192), nil)
	_ = cm.AddMessage(context.Background(), ctxmodel.Message{ID: "u1", Role: ctxmodel.RoleUser, Content: "hi", TokenCount: 2})

	bundle, err := cm.ValidateAndBuildPrompt(context.Background(), "what's next?")
	if err != nil {
		t.Fatalf("ValidateAndBuildPrompt: %v", err)
	}
	if bundle.UserMessage.Content != "what's next?" {
		t.Errorf("expected user message to carry the given text, got %q", bundle.UserMessage.Content)
	}
	if len(bundle.Messages) != 1 {
		t.Errorf("expected 1 prior message in the bundle, got %d", len(bundle.Messages))
	}
}

// A single message that by itself pushes fraction_used to or past 1.00
// forces rollover unconditionally (the Overflow tier), per spec 4.7's
// "≥1.00: force rollover" row. This exercises S5 directly rather than via
// the Critical/Emergency escalation chain.
func TestOverflowForcesRolloverAndSnapshotIsRecoverable(t *testing.T) {
	cfg := fixedPoolConfig(500)
	summ := stubSummarizer{text: "compact briefing", tokens: 50}
	cm := newTestManager(t, cfg, summ)

	got, stop := collectEvents(cm.bus)
	defer stop()

	err := cm.AddMessage(context.Background(), ctxmodel.Message{ID: "huge", Role: ctxmodel.RoleUser, Content: "body", TokenCount: 600})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	var snapID string
	for _, ev := range *got {
		if ev.Kind == events.KindRollover {
			snapID, _ = ev.Payload["new_snapshot_id"].(string)
		}
	}
	if snapID == "" {
		t.Fatalf("expected a rollover event carrying a snapshot id")
	}
	if _, _, err := cm.store.Load(cm.sessionID, snapID); err != nil {
		t.Errorf("expected rollover snapshot %s to load cleanly, got %v", snapID, err)
	}

	after := cm.State()
	if len(after.Checkpoints) != 1 {
		t.Errorf("expected rollover to leave exactly 1 synthesized checkpoint, got %d", len(after.Checkpoints))
	}
	if after.SystemPrompt.Content != "you are a helpful assistant" {
		t.Errorf("expected system prompt identity to survive rollover, got %q", after.SystemPrompt.Content)
	}
}

func TestCreateAndRestoreSnapshotRoundTrips(t *testing.T) {
	cm := newTestManager(t, fixedPoolConfig(8192), nil)
	_ = cm.AddMessage(context.Background(), ctxmodel.Message{ID: "u1", Role: ctxmodel.RoleUser, Content: "hello", TokenCount: 5})

	id, err := cm.CreateSnapshot("checkpoint before clearing")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	cm.Clear()
	if len(cm.State().Messages) != 0 {
		t.Fatalf("expected Clear to empty messages")
	}

	if err := cm.RestoreSnapshot(id); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if len(cm.State().Messages) != 1 {
		t.Errorf("expected restored state to have 1 message, got %d", len(cm.State().Messages))
	}

	list, err := cm.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 retained snapshot, got %d", len(list))
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	cm := newTestManager(t, fixedPoolConfig(8192), nil)
	bad := config.PoolConfig{MinTokens: 100, MaxTokens: 50, TargetTokens: 60, KVQuantization: config.Q8}
	if err := cm.UpdateConfig(bad); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}

func TestUpdateConfigResizesPool(t *testing.T) {
	t.Cleanup(config.Reset)
	cm := newTestManager(t, fixedPoolConfig(8192), nil)
	good := fixedPoolConfig(16384)
	if err := cm.UpdateConfig(good); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cm.PoolSize() != 16384 {
		t.Errorf("expected pool resized to 16384, got %d", cm.PoolSize())
	}
}
