package convo

import (
	"encoding/json"
	"time"

	"github.com/parkvoice/joanne/pkg/llm"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one utterance in the conversation. A tool turn references exactly
// one tool call issued by a preceding assistant turn; an assistant turn
// carrying tool calls has no spoken content of its own.
type Turn struct {
	Role       Role
	Content    string
	ToolCalls  []llm.ToolCall
	ToolResult *ToolResult
	Timestamp  time.Time
	Truncated  bool
}

// ToolResult is the single outcome of one tool call. Exactly one is produced
// per call, even when the handler fails or times out.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Payload    json.RawMessage
	IsError    bool
}

// Context owns the ordered turn history for one phone call. It is mutated
// only from the call's dispatcher goroutine; there are no concurrent writers.
// Lifetime is one call.
type Context struct {
	turns    []Turn
	maxTurns int
}

type Options struct {
	SystemPrompt string
	MaxTurns     int
}

func New(opts Options) *Context {
	c := &Context{maxTurns: opts.MaxTurns}
	if c.maxTurns <= 0 {
		c.maxTurns = 64
	}
	if opts.SystemPrompt != "" {
		c.turns = append(c.turns, Turn{
			Role:      RoleSystem,
			Content:   opts.SystemPrompt,
			Timestamp: time.Now(),
		})
	}
	return c
}

func (c *Context) AppendUser(text string) {
	c.append(Turn{Role: RoleUser, Content: text, Timestamp: time.Now()})
}

func (c *Context) AppendAssistant(text string) {
	c.append(Turn{Role: RoleAssistant, Content: text, Timestamp: time.Now()})
}

// AppendAssistantToolCalls records the model turn that requested tool
// execution. The spoken content stays empty.
func (c *Context) AppendAssistantToolCalls(calls []llm.ToolCall) {
	c.append(Turn{Role: RoleAssistant, ToolCalls: calls, Timestamp: time.Now()})
}

// AppendToolResult records one tool outcome. Results of a single model turn
// arrive in completion order, which is fine: the model sees all of them
// before it produces its next turn.
func (c *Context) AppendToolResult(res ToolResult) {
	c.append(Turn{Role: RoleTool, ToolResult: &res, Timestamp: time.Now()})
}

// MarkLastAssistantTruncated flags the most recent assistant turn as cut off
// mid-speech so the model knows the caller did not hear all of it.
func (c *Context) MarkLastAssistantTruncated() {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleAssistant {
			c.turns[i].Truncated = true
			return
		}
	}
}

func (c *Context) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Context) Len() int { return len(c.turns) }

func (c *Context) append(t Turn) {
	c.turns = append(c.turns, t)
	c.prune()
}

// prune drops the oldest non-system turns once history exceeds maxTurns.
// Tool turns are never separated from the assistant turn that issued them.
func (c *Context) prune() {
	if len(c.turns) <= c.maxTurns {
		return
	}
	start := 0
	if len(c.turns) > 0 && c.turns[0].Role == RoleSystem {
		start = 1
	}
	drop := len(c.turns) - c.maxTurns
	cut := start + drop
	for cut < len(c.turns) && c.turns[cut].Role == RoleTool {
		cut++
	}
	c.turns = append(c.turns[:start], c.turns[cut:]...)
}

// Render flattens history into provider-neutral chat messages. Truncated
// assistant turns get an explicit cut-off marker appended.
func (c *Context) Render() []map[string]any {
	out := make([]map[string]any, 0, len(c.turns))
	for _, t := range c.turns {
		switch t.Role {
		case RoleSystem, RoleUser:
			out = append(out, map[string]any{"role": string(t.Role), "content": t.Content})
		case RoleAssistant:
			if len(t.ToolCalls) > 0 {
				out = append(out, map[string]any{
					"role":       "assistant",
					"content":    nil,
					"tool_calls": renderToolCalls(t.ToolCalls),
				})
				continue
			}
			content := t.Content
			if t.Truncated {
				content += " [interrupted by caller]"
			}
			out = append(out, map[string]any{"role": "assistant", "content": content})
		case RoleTool:
			if t.ToolResult == nil {
				continue
			}
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": t.ToolResult.ToolCallID,
				"content":      string(t.ToolResult.Payload),
			})
		}
	}
	return out
}

func renderToolCalls(calls []llm.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out = append(out, map[string]any{
			"id":   call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      call.Name,
				"arguments": string(args),
			},
		})
	}
	return out
}
