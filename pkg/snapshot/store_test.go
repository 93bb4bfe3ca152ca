package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ctxcore/pkg/ctxmodel"
)

func sampleState(sessionID string) ctxmodel.ConversationState {
	s := ctxmodel.ConversationState{
		SessionID:    sessionID,
		SystemPrompt: ctxmodel.Message{ID: "sys", Role: ctxmodel.RoleSystem, Content: "you are a helpful assistant", TokenCount: 10},
		Messages: []ctxmodel.Message{
			{ID: "m1", Role: ctxmodel.RoleUser, Content: "hello", TokenCount: 2, Seq: 1},
			{ID: "m2", Role: ctxmodel.RoleAssistant, Content: "hi there", TokenCount: 4, Seq: 2},
		},
	}
	s.RecomputeTokenTotal()
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	state := sampleState("sess-1")
	meta := ctxmodel.PoolMetadata{ModelName: "llama3.1:8b", PoolSize: 8192, LastCompressionRatio: 0.5}

	id, err := store.Save(state, meta, "short summary")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, gotMeta, err := store.Load("sess-1", id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TokenTotal != state.TokenTotal {
		t.Errorf("expected token total %d, got %d", state.TokenTotal, got.TokenTotal)
	}
	if len(got.Messages) != len(state.Messages) {
		t.Errorf("expected %d messages, got %d", len(state.Messages), len(got.Messages))
	}
	if gotMeta.ModelName != meta.ModelName {
		t.Errorf("expected model name %s, got %s", meta.ModelName, gotMeta.ModelName)
	}
}

func TestListIncludesAndExcludesAfterDelete(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	state := sampleState("sess-2")
	id, err := store.Save(state, ctxmodel.PoolMetadata{}, "s")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.List("sess-2")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("expected saved id %s in list", id)
	}

	if err := store.Delete("sess-2", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, err = store.List("sess-2")
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	for _, e := range entries {
		if e.ID == id {
			t.Errorf("expected id %s to be excluded after delete", id)
		}
	}
}

func TestLoadCorruptReturnsCorruptError(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	state := sampleState("sess-3")
	id, err := store.Save(state, ctxmodel.PoolMetadata{}, "s")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Truncate the payload to simulate corruption.
	path := store.snapshotPath("sess-3", id)
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("corrupt fixture: %v", err)
	}

	_, _, err = store.Load("sess-3", id)
	if err == nil {
		t.Fatalf("expected error loading corrupt snapshot")
	}

	entries, err := store.List("sess-3")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	valid := 0
	for _, e := range entries {
		if !e.Corrupt {
			valid++
		}
	}
	if valid != 0 {
		t.Errorf("expected the only snapshot to be marked corrupt, valid count = %d", valid)
	}
}

func TestPruneBoundsRetentionToMostRecent(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	var ids []string
	for i := 0; i < 8; i++ {
		state := sampleState("sess-4")
		id, err := store.Save(state, ctxmodel.PoolMetadata{}, "s")
		if err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}
	if err := store.Prune("sess-4", 5); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	entries, err := store.List("sess-4")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("expected 5 retained snapshots, got %d", len(entries))
	}
	// the retained set must be the 5 most recent, i.e. the last 5 saved ids
	want := ids[len(ids)-5:]
	gotIDs := make(map[string]bool, len(entries))
	for _, e := range entries {
		gotIDs[e.ID] = true
	}
	for _, w := range want {
		if !gotIDs[w] {
			t.Errorf("expected most recent id %s to be retained", w)
		}
	}
}

func TestSaveThenCrashLeavesNoTornIndex(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	state := sampleState("sess-5")
	if _, err := store.Save(state, ctxmodel.PoolMetadata{}, "s"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// No .tmp files should remain after a successful save.
	matches, err := filepath.Glob(filepath.Join(dir, "context-snapshots", "sess-5", "*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no leftover .tmp files, found %v", matches)
	}
	// index.json must parse as valid JSON.
	data, err := os.ReadFile(store.indexPath("sess-5"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Errorf("index.json is not valid JSON: %v", err)
	}
}
