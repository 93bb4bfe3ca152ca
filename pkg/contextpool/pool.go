// Package contextpool implements C3 ContextPool: computing the target
// context token budget from available VRAM and the active model's
// quantization, per the formula in spec section 4.3.
package contextpool

import (
	"fmt"
	"sync"

	"ctxcore/pkg/config"
	"ctxcore/pkg/events"
	"ctxcore/pkg/logx"
	"ctxcore/pkg/vram"
)

// Pool holds the current pool size and serializes resize calls, as
// required by spec section 4.3 ("concurrent resize calls are
// serialized").
type Pool struct {
	mu       sync.Mutex
	size     int
	bus      *events.Bus
	sessionID string
}

// New constructs a Pool with an initial size computed from mem and cfg.
func New(bus *events.Bus, sessionID string, mem vram.DeviceMemory, cfg config.PoolConfig) *Pool {
	return &Pool{
		size:      Compute(mem, cfg),
		bus:       bus,
		sessionID: sessionID,
	}
}

// Compute implements the spec 4.3 formula directly. paramsBillion is
// recovered from mem.ModelResident via paramsFromResident (7B when the
// probe reports no resident size); if auto_size is false, the target is
// simply clamped.
func Compute(mem vram.DeviceMemory, cfg config.PoolConfig) int {
	if !cfg.AutoSize {
		return clamp(cfg.TargetTokens, cfg.MinTokens, cfg.MaxTokens)
	}
	paramsBillion := paramsFromResident(mem)
	bytesPerToken := paramsBillion * 2 * cfg.KVQuantization.QFactor()
	if bytesPerToken <= 0 {
		return clamp(cfg.TargetTokens, cfg.MinTokens, cfg.MaxTokens)
	}
	usableBytes := mem.FreeBytes - cfg.SafetyBufferBytes
	if usableBytes < 0 {
		usableBytes = 0
	}
	candidate := int(float64(usableBytes) / bytesPerToken)
	return clamp(candidate, cfg.MinTokens, cfg.MaxTokens)
}

// paramsFromResident recovers an approximate parameter count (in
// billions) from the resident model bytes VramProbe reported, assuming
// 2 bytes/param at F16 residency. Falls back to a conservative 7B if
// the probe didn't report a resident size.
func paramsFromResident(mem vram.DeviceMemory) float64 {
	if mem.ModelResident > 0 {
		return float64(mem.ModelResident) / 2.0 / 1e9
	}
	return 7
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Size returns the current pool size in tokens.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Resize is the only mutator. It validates that the new size is not
// smaller than currentTokenTotal (the caller must compress first if so),
// serializes concurrent callers, and emits context_resized on success.
func (p *Pool) Resize(newSize int, currentTokenTotal int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newSize <= 0 {
		return fmt.Errorf("contextpool: resize target must be positive, got %d", newSize)
	}
	if newSize < currentTokenTotal {
		return fmt.Errorf("contextpool: resize to %d would drop below current token total %d; compress first", newSize, currentTokenTotal)
	}
	p.size = newSize
	logx.Infof("contextpool: resized to %d tokens", newSize)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Kind:      events.KindContextResized,
			SessionID: p.sessionID,
			Payload:   map[string]any{"new_size": newSize},
		})
	}
	return nil
}
