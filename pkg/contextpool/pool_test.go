package contextpool

import (
	"testing"

	"ctxcore/pkg/config"
	"ctxcore/pkg/events"
	"ctxcore/pkg/vram"
)

func TestComputeClampsToMinMax(t *testing.T) {
	cfg := config.PoolConfig{MinTokens: 2048, MaxTokens: 8192, AutoSize: true, KVQuantization: config.Q8, SafetyBufferBytes: 0}
	mem := vram.DeviceMemory{FreeBytes: 1, ModelResident: 7 * 1_000_000_000 * 2}
	got := Compute(mem, cfg)
	if got != cfg.MinTokens {
		t.Errorf("expected clamp to min %d, got %d", cfg.MinTokens, got)
	}

	memHuge := vram.DeviceMemory{FreeBytes: 1 << 40, ModelResident: 7 * 1_000_000_000 * 2}
	got = Compute(memHuge, cfg)
	if got != cfg.MaxTokens {
		t.Errorf("expected clamp to max %d, got %d", cfg.MaxTokens, got)
	}
}

func TestComputeNonAutoSizeUsesTarget(t *testing.T) {
	cfg := config.PoolConfig{MinTokens: 2048, MaxTokens: 65536, TargetTokens: 16384, AutoSize: false}
	got := Compute(vram.DeviceMemory{}, cfg)
	if got != 16384 {
		t.Errorf("expected target_tokens when auto_size=false, got %d", got)
	}
}

func TestResizeRejectsBelowCurrentTotal(t *testing.T) {
	p := New(events.New(), "s1", vram.DeviceMemory{FreeBytes: 1 << 34, ModelResident: 14_000_000_000}, config.DefaultPoolConfig())
	err := p.Resize(100, 5000)
	if err == nil {
		t.Errorf("expected error resizing below current token total")
	}
}

func TestResizeEmitsEvent(t *testing.T) {
	bus := events.New()
	var gotEvent bool
	h := bus.Subscribe(func(ev events.Event) {
		if ev.Kind == events.KindContextResized {
			gotEvent = true
		}
	})
	defer h.Close()

	p := New(bus, "s1", vram.DeviceMemory{FreeBytes: 1 << 34, ModelResident: 14_000_000_000}, config.DefaultPoolConfig())
	if err := p.Resize(20000, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotEvent {
		t.Errorf("expected context_resized event to be published")
	}
	if p.Size() != 20000 {
		t.Errorf("expected size 20000, got %d", p.Size())
	}
}
