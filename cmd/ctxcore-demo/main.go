// Command ctxcore-demo is a small interactive driver wiring C1-C8 of
// ctxcore together against a local Ollama server: it runs a chat REPL,
// prints budget/threshold narration at startup and on /budget, and
// supports inline snapshot/compress/clear commands for exercising the
// core by hand.
//
// Grounded on cmd/maestro/interactive_bootstrap.go: the step-numbered
// fmt.Println narration, logx.NewLogger usage, and non-fatal-warning-
// then-continue handling of optional setup steps (model profile file,
// event log, telemetry) are kept; the git/workspace bootstrap flow
// itself is replaced with a chat loop since this core has no git
// concept.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"ctxcore/internal/ollamaprovider"
	"ctxcore/pkg/config"
	"ctxcore/pkg/contextmgr"
	"ctxcore/pkg/ctxmodel"
	"ctxcore/pkg/events"
	"ctxcore/pkg/eventlog"
	"ctxcore/pkg/logx"
	"ctxcore/pkg/metrics"
	"ctxcore/pkg/snapshot"
	"ctxcore/pkg/telemetry"
	"ctxcore/pkg/tokencount"
	"ctxcore/pkg/vram"
)

func main() {
	host := flag.String("host", "http://localhost:11434", "Ollama server URL")
	model := flag.String("model", "llama3.1:8b", "model name, must match an entry in the model profile table")
	profilesPath := flag.String("profiles", "", "optional YAML file of model profiles (defaults to the built-in table)")
	dataDir := flag.String("data-dir", "./ctxcore-data", "directory for snapshots and the telemetry database")
	logDir := flag.String("log-dir", "./ctxcore-logs", "directory for the daily-rotated event log")
	sessionID := flag.String("session", "demo-session", "session identifier")
	authPrompt := flag.Bool("auth", false, "prompt for a bearer token before connecting (masked input)")
	flag.Parse()

	logger := logx.NewLogger("ctxcore-demo")

	fmt.Println("ctxcore interactive demo")
	fmt.Println("Wires the context management core against a local Ollama server.")
	fmt.Println()

	var bearerToken string
	if *authPrompt {
		token, err := readToken()
		if err != nil {
			logger.Warn("could not read auth token, continuing without one: %v", err)
		} else {
			bearerToken = token
		}
	}

	fmt.Printf("Step 1: loading model profiles for %s\n", *model)
	if *profilesPath != "" {
		if err := config.LoadModelProfiles(*profilesPath); err != nil {
			logger.Warn("failed to load model profiles from %s, using built-in defaults: %v", *profilesPath, err)
		}
	}
	config.SetActiveModel(*model)
	profiles := config.GetConfig().ModelProfiles
	profile, ok := profiles[*model]
	if !ok {
		logger.Warn("no profile for model %s, assuming 8B parameters", *model)
		profile = config.ModelProfile{Name: *model, ParamsBillion: 8, DefaultKVQuant: config.Q8}
	}

	fmt.Println("Step 2: preparing data directories")
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(*logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create log dir: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Step 3: wiring the context management core")
	bus := events.New()
	counter := tokencount.New(*model)
	probe := vram.New()
	store := snapshot.New(*dataDir)
	provider := ollamaprovider.New(*host, *model, bearerToken)

	cfg := config.DefaultPoolConfig()
	cfg.KVQuantization = profile.DefaultKVQuant

	cm := contextmgr.New(*sessionID, bus, counter, probe, store, provider, cfg, defaultSystemPrompt, profile.ParamsBillion)
	cm.Start()
	defer cm.Stop()

	fmt.Println("Step 4: attaching observability (best-effort; failures don't block the demo)")
	if writer, err := eventlog.NewWriter(*logDir, 24); err != nil {
		logger.Warn("event log unavailable: %v", err)
	} else {
		h := writer.Subscribe(bus)
		defer h.Close()
		defer writer.Close()
	}
	if err := telemetry.Initialize(filepath.Join(*dataDir, "telemetry.db")); err != nil {
		logger.Warn("telemetry database unavailable: %v", err)
	} else {
		rec := telemetry.NewRecorder()
		h := rec.Subscribe(bus)
		defer h.Close()
	}
	promRecorder := metrics.NewRecorder()
	promHandle := promRecorder.Subscribe(bus, *model)
	defer promHandle.Close()

	printBudget(cm)
	fmt.Println()
	fmt.Println("Type a message, or one of: /budget /snapshot /restore <id> /compress /clear /quit")

	repl(cm, provider)
}

const defaultSystemPrompt = "You are a helpful, concise assistant running on a local model."

func repl(cm *contextmgr.ContextManager, provider *ollamaprovider.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return
		case line == "/budget":
			printBudget(cm)
			continue
		case line == "/clear":
			cm.Clear()
			fmt.Println("conversation cleared")
			continue
		case line == "/compress":
			outcome, err := cm.Compress(ctx)
			if err != nil {
				fmt.Printf("compress failed: %v\n", err)
				continue
			}
			if outcome.Skipped {
				fmt.Printf("compression skipped: %s\n", outcome.SkipReason)
			} else {
				fmt.Printf("compressed: %d -> %d tokens (ratio %.2f)\n", outcome.OriginalTokens, outcome.CompressedTokens, outcome.Ratio)
			}
			continue
		case line == "/snapshot":
			id, err := cm.CreateSnapshot("manual snapshot from demo CLI")
			if err != nil {
				fmt.Printf("snapshot failed: %v\n", err)
				continue
			}
			fmt.Printf("snapshot created: %s\n", id)
			continue
		case strings.HasPrefix(line, "/restore "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/restore "))
			if err := cm.RestoreSnapshot(id); err != nil {
				fmt.Printf("restore failed: %v\n", err)
				continue
			}
			fmt.Printf("restored snapshot %s\n", id)
			continue
		}

		if err := runTurn(ctx, cm, provider, line); err != nil {
			fmt.Printf("turn failed: %v\n", err)
		}
	}
}

func runTurn(ctx context.Context, cm *contextmgr.ContextManager, provider *ollamaprovider.Client, userText string) error {
	bundle, err := cm.ValidateAndBuildPrompt(ctx, userText)
	if err != nil {
		return fmt.Errorf("validate_and_build_prompt: %w", err)
	}

	messages := make([]ctxmodel.Message, 0, len(bundle.CheckpointsAsSystemMessages)+len(bundle.Messages)+2)
	messages = append(messages, bundle.SystemPrompt)
	messages = append(messages, bundle.CheckpointsAsSystemMessages...)
	messages = append(messages, bundle.Messages...)
	messages = append(messages, bundle.UserMessage)

	reply, err := provider.Chat(ctx, messages)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	if err := cm.AddMessage(ctx, ctxmodel.Message{ID: newMessageID("u"), Role: ctxmodel.RoleUser, Content: userText}); err != nil {
		return fmt.Errorf("add_message (user): %w", err)
	}
	if err := cm.AddMessage(ctx, ctxmodel.Message{ID: newMessageID("a"), Role: ctxmodel.RoleAssistant, Content: reply}); err != nil {
		return fmt.Errorf("add_message (assistant): %w", err)
	}

	fmt.Println(reply)
	return nil
}

var messageSeq int

func newMessageID(prefix string) string {
	messageSeq++
	return fmt.Sprintf("%s-%d", prefix, messageSeq)
}

func printBudget(cm *contextmgr.ContextManager) {
	budget := cm.CurrentBudget()
	level := ctxmodel.ClassifyThreshold(budget.FractionUsed)
	fmt.Printf("budget: %d/%d tokens used (%.1f%%, %s)\n", budget.Used, budget.PoolSize, budget.FractionUsed*100, level)
}

func readToken() (string, error) {
	fmt.Print("bearer token (input hidden): ")
	b, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
