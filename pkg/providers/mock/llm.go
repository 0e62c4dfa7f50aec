package mock

import (
	"context"
	"sync"

	"github.com/parkvoice/joanne/pkg/llm"
)

// LLMConfig scripts the canned model reply. Err, when set, is returned from
// every call so failure paths can be exercised.
type LLMConfig struct {
	ResponseText string
	ToolCalls    []llm.ToolCall
	StreamChunks []string
	Err          error
}

// LLMAdapter replays a fixed response and records how many turns it served.
type LLMAdapter struct {
	cfg LLMConfig

	mu    sync.Mutex
	calls int
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

// Calls reports how many Generate or Stream invocations the adapter served.
func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *LLMAdapter) record() {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
}

func (a *LLMAdapter) Generate(_ context.Context, _ llm.Context) (llm.Response, error) {
	a.record()
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText, ToolCalls: a.cfg.ToolCalls}, nil
}

func (a *LLMAdapter) Stream(_ context.Context, _ llm.Context) (<-chan string, error) {
	a.record()
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan string, len(chunks))
	for _, chunk := range chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (a *LLMAdapter) MapTools([]llm.Tool) (any, error) { return nil, nil }

func (a *LLMAdapter) ToProviderFormat(llm.Context) (any, error) { return nil, nil }

func (a *LLMAdapter) FromProviderFormat(any) (llm.Response, error) {
	return llm.Response{Text: a.cfg.ResponseText}, nil
}
