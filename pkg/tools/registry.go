package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parkvoice/joanne/pkg/convo"
	"github.com/parkvoice/joanne/pkg/errorsx"
	"github.com/parkvoice/joanne/pkg/llm"
)

// Handler executes one tool invocation. The returned value is JSON-encoded
// into the tool result payload. A returned error becomes an isError result;
// it never propagates past the registry.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registry binds tool names to handlers and their declared schemas. Names are
// unique: a duplicate registration is a configuration mistake and panics at
// startup rather than surfacing as a runtime error mid-call.
type Registry struct {
	defs     []llm.Tool
	handlers map[string]Handler
	timeout  time.Duration
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(def llm.Tool, h Handler) {
	if def.Name == "" {
		panic("tools: register with empty name")
	}
	if h == nil {
		panic("tools: register " + def.Name + " with nil handler")
	}
	if _, dup := r.handlers[def.Name]; dup {
		panic("tools: duplicate registration of " + def.Name)
	}
	r.handlers[def.Name] = h
	r.defs = append(r.defs, def)
}

// ExportSchemas returns the declared tool set for the model backend call.
// The slice is a copy; schemas are immutable after registration.
func (r *Registry) ExportSchemas() []llm.Tool {
	out := make([]llm.Tool, len(r.defs))
	copy(out, r.defs)
	return out
}

// Dispatch runs one tool call to completion and always returns exactly one
// result. Unknown names, argument validation failures, handler errors,
// panics, and timeouts all come back as isError results carrying a
// human-readable message.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) convo.ToolResult {
	h, ok := r.handlers[call.Name]
	if !ok {
		slog.Warn("tool_unknown", "tool", call.Name, "tool_call_id", call.ID)
		return errResult(call, "unknown tool: "+call.Name)
	}
	if msg := r.validate(call); msg != "" {
		slog.Warn("tool_args_invalid", "tool", call.Name, "detail", msg)
		return errResult(call, msg)
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := invoke(cctx, h, call)
	if err != nil {
		slog.Error("tool_failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"reason", string(errorsx.Reason(err)),
			"error", err.Error())
		return errResult(call, err.Error())
	}

	raw, merr := json.Marshal(payload)
	if merr != nil {
		return errResult(call, "tool produced unencodable result")
	}
	return convo.ToolResult{ToolCallID: call.ID, ToolName: call.Name, Payload: raw}
}

// invoke runs the handler on its own goroutine so a stuck handler cannot
// wedge the dispatcher; the timeout converts it into a tool-level failure.
func invoke(ctx context.Context, h Handler, call llm.ToolCall) (out any, err error) {
	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: errorsx.Wrap(fmt.Errorf("tool panic: %v", rec), errorsx.ReasonTool)}
			}
		}()
		val, herr := h(ctx, call.Arguments)
		done <- outcome{val: val, err: herr}
	}()

	select {
	case <-ctx.Done():
		return nil, errorsx.Wrap(fmt.Errorf("tool %s timed out", call.Name), errorsx.ReasonToolTimeout)
	case res := <-done:
		return res.val, res.err
	}
}

// validate checks the required-field list declared in the tool schema before
// the handler runs. Anything missing is a validation failure.
func (r *Registry) validate(call llm.ToolCall) string {
	var def *llm.Tool
	for i := range r.defs {
		if r.defs[i].Name == call.Name {
			def = &r.defs[i]
			break
		}
	}
	if def == nil {
		return ""
	}
	schema, ok := def.Schema.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range requiredKeys(schema) {
		v, present := call.Arguments[key]
		if !present {
			return "missing required argument: " + key
		}
		if s, isStr := v.(string); isStr && s == "" {
			return "missing required argument: " + key
		}
	}
	return ""
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func errResult(call llm.ToolCall, msg string) convo.ToolResult {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return convo.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Payload:    raw,
		IsError:    true,
	}
}
