package logx

import (
	"fmt"
	"testing"
)

func ExampleLogger_contextManager_usage() {
	// Example of how the context manager might use the logger.
	fmt.Println("=== Context Manager Logging Demo ===")

	// Main context manager logger.
	contextmgr := NewLogger("contextmgr")
	contextmgr.Info("Starting context manager for session %s", "demo-session")
	contextmgr.Debug("Loading model profile from %s", "profiles.yaml")

	// Component loggers.
	pool := NewLogger("pool")
	compression := NewLogger("compression")
	memoryguard := NewLogger("memoryguard")

	// Simulate a turn passing through the core.
	pool.Info("Checking budget before turn: %s", "12000/65536 tokens")
	pool.Debug("Resizing pool for model vram headroom")

	compression.Info("Received compression trigger")
	compression.Warn("High token usage detected - estimated %d tokens", 58000)

	memoryguard.Info("Evaluating warning threshold")
	memoryguard.Error("Compression failed: %s", "summarizer unreachable")

	// A component can create sub-loggers for a narrower concern.
	checkpointer := compression.WithComponentID("checkpoint")
	checkpointer.Info("Aging oldest checkpoint out of the pool")

	// Shutdown sequence.
	contextmgr.Info("Initiating graceful shutdown")
	pool.Info("Flushing pending snapshot")
	contextmgr.Info("Context manager stopped")

	fmt.Println("=== End Demo ===")
}

func TestContextManagerUsage(t *testing.T) {
	ExampleLogger_contextManager_usage()
}
