// Package tokencount implements C1 TokenCounter: counting tokens per
// message, memoized by message id, with a deterministic fallback
// estimator when no real tokenizer codec is available.
//
// Grounded on the teacher's pkg/utils/tiktoken.go, extended with the
// count_cached memoization, the 50-token tool-call envelope overhead,
// and the per-model multiplier and cache-invalidation-on-model-change
// behavior required by spec section 4.1.
package tokencount

import (
	"math"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"ctxcore/pkg/config"
	"ctxcore/pkg/logx"
)

// ToolCallOverhead is the fixed per-tool-call token overhead added to
// account for JSON schema envelopes around tool calls, per spec 4.1.
const ToolCallOverhead = 50

// Counter counts tokens for message text, optionally delegating to a
// real BPE tokenizer and otherwise falling back to a character-based
// estimator. It is safe for concurrent use.
type Counter struct {
	mu    sync.Mutex
	codec tokenizer.Codec // nil if unavailable; counting never fails
	model string
	cache map[string]int // msg_id -> token count, cleared on model change
	log   *logx.Logger
}

// New creates a Counter for the given model name. If the real tokenizer
// cannot be constructed for this model, Counter silently falls back to
// the estimator for every call — New itself never returns an error,
// consistent with the "counting never fails" guarantee.
func New(model string) *Counter {
	c := &Counter{
		model: model,
		cache: make(map[string]int),
	}
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		logx.Warnf("tokencount: no codec for model %s, using character estimator: %v", model, err)
		return c
	}
	c.codec = codec
	return c
}

// estimate applies the deterministic fallback: ceil(len_chars/4), times
// the model's token multiplier from its profile if one is configured.
func (c *Counter) estimate(text string) int {
	base := math.Ceil(float64(len(text)) / 4.0)
	if profile, ok := config.GetConfig().ModelProfiles[c.model]; ok && profile.TokenMultiplier > 0 {
		base *= profile.TokenMultiplier
	}
	return int(base)
}

// count returns the token count for text, using the real tokenizer when
// available and degrading silently to the estimator on any error or
// negative result.
func (c *Counter) count(text string) int {
	if c.codec == nil {
		return c.estimate(text)
	}
	n, err := c.codec.Count(text)
	if err != nil || n < 0 {
		logx.Warnf("tokencount: provider tokenizer failed, degrading to estimator: %v", err)
		return c.estimate(text)
	}
	return n
}

// Count returns the token count for arbitrary text, uncached.
func (c *Counter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count(text)
}

// CountCached returns the token count for text associated with msgID.
// For the same (msgID, text, active model) tuple within the Counter's
// lifetime, it returns a stable value without recomputation.
func (c *Counter) CountCached(msgID, text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.cache[msgID]; ok {
		return n
	}
	n := c.count(text)
	c.cache[msgID] = n
	return n
}

// CountToolCall returns CountCached's result plus the fixed per-tool-call
// envelope overhead.
func (c *Counter) CountToolCall(msgID, text string) int {
	return c.CountCached(msgID, text) + ToolCallOverhead
}

// SetModel switches the active model and invalidates the memoization
// cache wholesale, per spec 4.1's "cache is invalidated wholesale when
// the active model changes."
func (c *Counter) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model == c.model {
		return
	}
	c.model = model
	c.cache = make(map[string]int)
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		logx.Warnf("tokencount: no codec for model %s, using character estimator: %v", model, err)
		c.codec = nil
		return
	}
	c.codec = codec
}

// Forget drops a single message's cached count, used when a message is
// absorbed into a checkpoint and will never be counted again.
func (c *Counter) Forget(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, msgID)
}
