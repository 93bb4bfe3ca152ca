// Package ollamaprovider wires a local Ollama server into ctxcore's external
// collaborator interfaces: pkg/compression.Summarizer and a minimal chat
// client for cmd/ctxcore-demo. It is used only by the demo driver, never by
// the core packages, which depend on the interfaces rather than this
// concrete client.
//
// Grounded on
// pkg/agent/internal/llmimpl/ollama/client.go: the api.NewClient wiring,
// non-streaming api.ChatRequest/ChatResponse shape, and error
// classification by substring match are kept; message conversion is
// rebuilt against ctxmodel.Message instead of the teacher's own
// CompletionMessage type, and tool-call/tool-definition conversion is
// dropped since neither the core nor the demo ever constructs a tool call.
package ollamaprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"ctxcore/pkg/ctxmodel"
)

// Client wraps an Ollama API client bound to one model.
type Client struct {
	api   *api.Client
	model string
}

// bearerTokenTransport injects an Authorization header, for Ollama
// deployments sitting behind an authenticating reverse proxy.
type bearerTokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// New creates a Client against hostURL (e.g. "http://localhost:11434") for
// model. Falls back to the default local host on an invalid hostURL. An
// empty bearerToken leaves requests unauthenticated.
func New(hostURL, model, bearerToken string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}

	httpClient := http.DefaultClient
	if bearerToken != "" {
		httpClient = &http.Client{Transport: bearerTokenTransport{token: bearerToken, base: http.DefaultTransport}}
	}

	return &Client{
		api:   api.NewClient(parsed, httpClient),
		model: model,
	}
}

// Model returns the bound model name.
func (c *Client) Model() string {
	return c.model
}

// Chat sends messages as a single non-streaming turn and returns the
// assistant's reply content.
func (c *Client) Chat(ctx context.Context, messages []ctxmodel.Message) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
		Stream:   &stream,
	}

	var resp api.ChatResponse
	err := c.api.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return "", classifyError(err)
	}
	return resp.Message.Content, nil
}

// Summarize implements compression.Summarizer by asking the bound model to
// compress messages into a narrative of roughly targetTokens tokens,
// steered by instruction (e.g. key decisions/files/next steps to retain).
// approxTokens is a length-based estimate, not an exact tokenizer count —
// the caller (pkg/compression.Coordinator) re-counts the returned text
// itself before trusting it.
func (c *Client) Summarize(ctx context.Context, messages []ctxmodel.Message, targetTokens int, instruction string) (string, int, error) {
	prompt := fmt.Sprintf(
		"Summarize the following conversation excerpt in roughly %d tokens. %s\n\n%s",
		targetTokens, instruction, renderTranscript(messages),
	)
	reply, err := c.Chat(ctx, []ctxmodel.Message{{Role: ctxmodel.RoleUser, Content: prompt}})
	if err != nil {
		return "", 0, err
	}
	return reply, approxTokens(reply), nil
}

func renderTranscript(messages []ctxmodel.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// approxTokens estimates a token count at roughly 4 characters per token,
// used only as a cheap fallback label; the coordinator always re-counts
// with the real tokenizer before acting on it.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

func convertMessages(messages []ctxmodel.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return fmt.Errorf("ollamaprovider: server not reachable: %w", err)
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return fmt.Errorf("ollamaprovider: model not found: %w", err)
	case strings.Contains(errStr, "context canceled"):
		return fmt.Errorf("ollamaprovider: request canceled: %w", err)
	case strings.Contains(errStr, "timeout"):
		return fmt.Errorf("ollamaprovider: request timed out: %w", err)
	default:
		return fmt.Errorf("ollamaprovider: chat request failed: %w", err)
	}
}
