package llm

import "context"

// Tool is the provider-facing description of a registered capability:
// name, spoken-word description, and a JSON-schema parameter object with a
// required-field list.
type Tool struct {
	Name        string
	Description string
	Schema      any
}

type Context struct {
	Messages []map[string]any
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is one model turn: either spoken text or one-or-more tool calls,
// never both streams of meaning at once.
type Response struct {
	Text         string
	Tokens       int
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan string, error)
	MapTools(tools []Tool) (providerTools any, err error)
	ToProviderFormat(ctx Context) (any, error)
	FromProviderFormat(raw any) (Response, error)
	Name() string
}

// ToolCall is the model's request to invoke a named tool. ID is opaque and
// must round-trip onto the matching result.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}
