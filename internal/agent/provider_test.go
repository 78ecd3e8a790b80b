package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestProviderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr bool
	}{
		{name: "valid", cfg: ProviderConfig{Provider: "openai", Model: "gpt-4o"}, wantErr: false},
		{name: "missing provider", cfg: ProviderConfig{Model: "gpt-4o"}, wantErr: true},
		{name: "missing model", cfg: ProviderConfig{Provider: "anthropic"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewChatProvider_UnsupportedProviderErrors(t *testing.T) {
	_, err := NewChatProvider(ProviderConfig{Provider: "cohere", Model: "command"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
}

func TestNewChatProvider_OpenAI(t *testing.T) {
	p, err := NewChatProvider(ProviderConfig{Provider: "openai", Model: "gpt-4o", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.True(t, p.SupportsTools())
}

func TestNewChatProvider_Anthropic(t *testing.T) {
	p, err := NewChatProvider(ProviderConfig{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.True(t, p.SupportsTools())
}

func TestAnthropicProvider_SupportsToolsDependsOnModelFamily(t *testing.T) {
	p, err := NewChatProvider(ProviderConfig{Provider: "anthropic", Model: "claude-instant-1.2", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.False(t, p.SupportsTools(), "pre-claude-3 models do not support tool use")
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		role string
		want llms.ChatMessageType
	}{
		{"assistant", llms.ChatMessageTypeAI},
		{"system", llms.ChatMessageTypeSystem},
		{"tool_result", llms.ChatMessageTypeTool},
		{"user", llms.ChatMessageTypeHuman},
		{"", llms.ChatMessageTypeHuman},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, messageType(tt.role), "role=%s", tt.role)
	}
}

func TestParseArgs(t *testing.T) {
	assert.Nil(t, parseArgs(""))
	assert.Nil(t, parseArgs("{not json"))

	args := parseArgs(`{"query": "auth bug", "limit": 5}`)
	require.NotNil(t, args)
	assert.Equal(t, "auth bug", args["query"])
	assert.Equal(t, float64(5), args["limit"])
}
