package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parkvoice/joanne/pkg/llm"
)

func echoTool() llm.Tool {
	return llm.Tool{
		Name:        "echo",
		Description: "returns its input",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool(), func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register(echoTool(), func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "nope"})
	if !res.IsError {
		t.Fatalf("expected error result for unknown tool")
	}
	if res.ToolCallID != "c1" {
		t.Fatalf("result must carry the call id, got %q", res.ToolCallID)
	}
	var body map[string]string
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if !strings.Contains(body["error"], "unknown tool") {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestDispatchValidatesRequiredArgs(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(echoTool(), func(ctx context.Context, args map[string]any) (any, error) {
		called = true
		return args["text"], nil
	})
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]any{}})
	if !res.IsError {
		t.Fatalf("expected validation error")
	}
	if called {
		t.Fatalf("handler must not run on invalid arguments")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(llm.Tool{Name: "boom"}, func(ctx context.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c3", Name: "boom"})
	if !res.IsError {
		t.Fatalf("expected error result from panicking handler")
	}
}

func TestDispatchTimesOut(t *testing.T) {
	r := NewRegistry(WithTimeout(30 * time.Millisecond))
	r.Register(llm.Tool{Name: "slow"}, func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	})
	start := time.Now()
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c4", Name: "slow"})
	if !res.IsError {
		t.Fatalf("expected timeout to produce an error result")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("dispatch did not honor the timeout")
	}
}

func TestDispatchHandlerErrorBecomesResult(t *testing.T) {
	r := NewRegistry()
	r.Register(llm.Tool{Name: "flaky"}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("downstream unavailable")
	})
	res := r.Dispatch(context.Background(), llm.ToolCall{ID: "c5", Name: "flaky"})
	if !res.IsError {
		t.Fatalf("expected error result")
	}
	if res.ToolCallID != "c5" || res.ToolName != "flaky" {
		t.Fatalf("result must identify the originating call: %+v", res)
	}
}

func TestExportSchemasIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool(), func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	schemas := r.ExportSchemas()
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Fatalf("unexpected schemas: %v", schemas)
	}
	schemas[0].Name = "mutated"
	if r.ExportSchemas()[0].Name != "echo" {
		t.Fatalf("exported schema slice must be a copy")
	}
}
