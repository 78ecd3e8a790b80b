// Package agent is the Agent Runner: the
// LLM-driven loop that actually executes a task inside its worktree,
// streaming tokens, invoking tools, and heartbeating its AgentRecord.
//
// ChatProvider wraps tmc/langchaingo's streaming-channel idiom,
// narrowed to the two providers Sibyl actually configures.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

func parseArgs(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}

// Message is one turn of the agent's conversation history.
type Message struct {
	Role string // "user" | "assistant" | "system" | "tool_call" | "tool_result"
	Content string
}

// ToolCall is a single function invocation the model requested.
type ToolCall struct {
	ID string
	Name string
	Args map[string]interface{}
}

// ToolResponse carries a streamed reply plus any tool calls the model
// asked for alongside it.
type ToolResponse struct {
	TextChannel <-chan string
	ToolCalls []ToolCall
}

// ChatProvider is the capability a Runner drives. Two implementations
// are wired (OpenAI, Anthropic); both go through langchaingo so
// switching providers never touches the runner loop.
type ChatProvider interface {
	StreamChatWithTools(ctx context.Context, messages []Message, tools []llms.Tool) (*ToolResponse, error)
	SupportsTools() bool
}

// ProviderConfig configures which backend a Runner talks to.
type ProviderConfig struct {
	Provider string // "openai" | "anthropic"
	Model string
	APIKey string
	ProviderURL string // optional OpenAI-compatible base URL (e.g. a local Ollama)
	Temperature float64
	MaxOutputTokens int
}

func (c ProviderConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("agent: provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("agent: model is required")
	}
	return nil
}

// NewChatProvider builds a ChatProvider for the configured backend.
func NewChatProvider(cfg ProviderConfig) (ChatProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "openai":
		return newOpenAIProvider(cfg)
	case "anthropic":
		return newAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("agent: unsupported provider %q", cfg.Provider)
	}
}

type openAIProvider struct {
	llm *openai.LLM
	cfg ProviderConfig
}

func newOpenAIProvider(cfg ProviderConfig) (*openAIProvider, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(cfg.APIKey)}
	if cfg.ProviderURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.ProviderURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("agent: building openai client: %w", err)
	}
	return &openAIProvider{llm: llm, cfg: cfg}, nil
}

func (p *openAIProvider) SupportsTools() bool { return true }

func (p *openAIProvider) StreamChatWithTools(ctx context.Context, messages []Message, tools []llms.Tool) (*ToolResponse, error) {
	return streamWithTools(ctx, p.llm, p.cfg, messages, tools)
}

type anthropicProvider struct {
	llm *anthropic.LLM
	cfg ProviderConfig
}

func newAnthropicProvider(cfg ProviderConfig) (*anthropicProvider, error) {
	llm, err := anthropic.New(anthropic.WithModel(cfg.Model), anthropic.WithToken(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("agent: building anthropic client: %w", err)
	}
	return &anthropicProvider{llm: llm, cfg: cfg}, nil
}

func (p *anthropicProvider) SupportsTools() bool {
	model := strings.ToLower(p.cfg.Model)
	return strings.Contains(model, "claude-3") || strings.Contains(model, "claude-4")
}

func (p *anthropicProvider) StreamChatWithTools(ctx context.Context, messages []Message, tools []llms.Tool) (*ToolResponse, error) {
	return streamWithTools(ctx, p.llm, p.cfg, messages, tools)
}

// streamingModel is the subset of langchaingo's llms.Model both
// providers satisfy, letting the streaming logic live in one place.
type streamingModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options...llms.CallOption) (*llms.ContentResponse, error)
}

func streamWithTools(ctx context.Context, model streamingModel, cfg ProviderConfig, messages []Message, tools []llms.Tool) (*ToolResponse, error) {
	contents := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		contents = append(contents, llms.TextParts(messageType(m.Role), m.Content))
	}

	textChan := make(chan string, 256)
	opts := []llms.CallOption{
		llms.WithTemperature(cfg.Temperature),
		llms.WithTools(tools),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case textChan <- string(chunk):
				return nil
			}
		}),
	}
	if cfg.MaxOutputTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxOutputTokens))
	}

	type generateResult struct {
		resp *llms.ContentResponse
		err error
	}
	resultCh := make(chan generateResult, 1)
	go func() {
		resp, err := model.GenerateContent(ctx, contents, opts...)
		resultCh <- generateResult{resp: resp, err: err}
		close(textChan)
	}()

	result := <-resultCh
	if result.err != nil && result.err != context.Canceled {
		return nil, fmt.Errorf("agent: generating content: %w", result.err)
	}

	var calls []ToolCall
	if result.resp != nil && len(result.resp.Choices) > 0 {
		if fc := result.resp.Choices[0].FuncCall; fc != nil {
			calls = append(calls, ToolCall{Name: fc.Name, Args: parseArgs(fc.Arguments)})
		}
		for _, tc := range result.resp.Choices[0].ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name, Args: parseArgs(tc.FunctionCall.Arguments)})
		}
	}

	return &ToolResponse{TextChannel: textChan, ToolCalls: calls}, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case "assistant":
		return llms.ChatMessageTypeAI
	case "system":
		return llms.ChatMessageTypeSystem
	case "tool_result":
		return llms.ChatMessageTypeTool
	default:
		return llms.ChatMessageTypeHuman
	}
}
