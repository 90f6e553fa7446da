package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/invopop/jsonschema"
)

var nameInvalidChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Role selects a temperature/model band for a call. The coordinator,
// executor and planning loops reason at RoleMind, the Phase 1.5 reflection
// gate and the validator run at RoleReflex, and synthesis/revision text runs
// at RoleVoice.
type Role string

const (
	RoleReflex Role = "reflex"
	RoleMind   Role = "mind"
	RoleVoice  Role = "voice"
)

// defaultTemperature returns the band's default sampling temperature when a
// caller doesn't pin one explicitly.
func (r Role) defaultTemperature() *float64 {
	switch r {
	case RoleReflex:
		return Temp(0.0)
	case RoleVoice:
		return Temp(0.7)
	default:
		return Temp(0.2)
	}
}

// AgentClient supports tool-calling conversations for agent loops.
type AgentClient interface {
	ChatWithTools(ctx context.Context, req AgentRequest) (*AgentResponse, error)
	Model() string
}

// AgentRequest contains the messages and tools for an agent turn.
type AgentRequest struct {
	Role        Role // temperature band; Temperature overrides it when set
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
}

func (r AgentRequest) temperature() *float64 {
	if r.Temperature != nil {
		return r.Temperature
	}
	if r.Role != "" {
		return r.Role.defaultTemperature()
	}
	return nil
}

// Message represents a conversation message.
type Message struct {
	Role       string     // "system", "user", "assistant", "tool"
	Name       string     // Optional: participant name for multi-user conversations (user messages only)
	Content    string     // Text content
	ToolCalls  []ToolCall // For assistant messages that request tool calls
	ToolCallID string     // For tool result messages (references the tool call)
}

// Tool defines a function the LLM can call.
type Tool struct {
	Name        string
	Description string
	Parameters  any // JSON Schema for parameters
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string // Unique ID for this call
	Name      string // Tool name
	Arguments string // JSON-encoded arguments
}

// AgentResponse contains the LLM's response.
type AgentResponse struct {
	Content          string     // Text response (when no tool calls)
	ToolCalls        []ToolCall // Tool calls to execute
	FinishReason     string     // "stop", "tool_calls", "length"
	PromptTokens     int
	CompletionTokens int
}

// NewAgentClient builds an AgentClient for the provider named in cfg.Provider
// ("openai" or "anthropic"; defaults to "openai").
func NewAgentClient(cfg Config) (AgentClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg)
	case "anthropic":
		return newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// ParseToolArguments unmarshals tool arguments into the target struct.
func ParseToolArguments[T any](arguments string) (T, error) {
	var result T
	if err := json.Unmarshal([]byte(arguments), &result); err != nil {
		return result, fmt.Errorf("parse tool arguments: %w", err)
	}
	return result, nil
}

// GenerateSchemaFrom generates a JSON schema from an instance value. Useful
// when the type is not known at compile time (e.g. a tool registered at
// runtime by the Tool Catalog).
func GenerateSchemaFrom(v any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}

// SanitizeName converts a display name to a valid OpenAI "name" message
// field. For a non-empty input the result matches ^[a-zA-Z0-9_-]{1,64}$;
// an empty input is returned unchanged.
func SanitizeName(name string) string {
	sanitized := nameInvalidChars.ReplaceAllString(name, "_")
	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	return sanitized
}
