package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes a single generation call.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Adapter produces one completed text response for a prompt.
// Implementations surface failures as errorsx-reasoned errors; callers
// decide what a failed turn means for the conversation.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, systemPrompt string, history []Message, params Params) (string, error)
}
