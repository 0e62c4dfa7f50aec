package convo

import (
	"encoding/json"
	"testing"

	"github.com/parkvoice/joanne/pkg/llm"
)

func TestRenderOrdering(t *testing.T) {
	c := New(Options{SystemPrompt: "You are a parking agent."})
	c.AppendUser("hello")
	c.AppendAssistant("hi there")

	msgs := c.Render()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0]["role"] != "system" || msgs[1]["role"] != "user" || msgs[2]["role"] != "assistant" {
		t.Fatalf("unexpected role order: %v", msgs)
	}
}

func TestTruncatedAssistantMarked(t *testing.T) {
	c := New(Options{})
	c.AppendUser("what time do you close")
	c.AppendAssistant("we are open until")
	c.MarkLastAssistantTruncated()

	msgs := c.Render()
	content := msgs[1]["content"].(string)
	if content == "we are open until" {
		t.Fatalf("expected cut-off marker on truncated turn, got %q", content)
	}
}

func TestToolTurnsFollowAssistantCall(t *testing.T) {
	c := New(Options{})
	c.AppendUser("my reg is AB12CDE")
	c.AppendAssistantToolCalls([]llm.ToolCall{
		{ID: "call_1", Name: "find_booking", Arguments: map[string]any{"registration": "AB12CDE"}},
		{ID: "call_2", Name: "whatsapp_message", Arguments: map[string]any{"message": "x"}},
	})
	c.AppendToolResult(ToolResult{ToolCallID: "call_2", ToolName: "whatsapp_message", Payload: json.RawMessage(`{"ok":true}`)})
	c.AppendToolResult(ToolResult{ToolCallID: "call_1", ToolName: "find_booking", Payload: json.RawMessage(`{"found":true}`)})

	msgs := c.Render()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[1]["tool_calls"] == nil {
		t.Fatalf("expected assistant tool_calls message")
	}
	// Completion order is preserved, request order is not required.
	if msgs[2]["tool_call_id"] != "call_2" || msgs[3]["tool_call_id"] != "call_1" {
		t.Fatalf("unexpected tool result order: %v", msgs)
	}
}

func TestPruneKeepsSystemAndToolPairs(t *testing.T) {
	c := New(Options{SystemPrompt: "sys", MaxTurns: 4})
	for i := 0; i < 10; i++ {
		c.AppendUser("u")
		c.AppendAssistant("a")
	}
	if c.Len() > 5 {
		t.Fatalf("expected pruned history, got %d turns", c.Len())
	}
	if c.Turns()[0].Role != RoleSystem {
		t.Fatalf("expected system turn preserved")
	}
}
