package mock

import (
	"context"
	"sync"

	"github.com/voxlabs/voicebridge/pkg/llm"
)

// LLMAdapter returns a fixed response and records every call.
type LLMAdapter struct {
	mu       sync.Mutex
	Response string
	Err      error
	// Delay holds the call open until released, for concurrency tests.
	Block chan struct{}

	calls    int
	inFlight int
	maxInFlight int
	lastSystem  string
	lastHistory []llm.Message
}

func NewLLMAdapter(response string) *LLMAdapter {
	if response == "" {
		response = "mock response"
	}
	return &LLMAdapter{Response: response}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, systemPrompt string, history []llm.Message, params llm.Params) (string, error) {
	a.mu.Lock()
	a.calls++
	a.inFlight++
	if a.inFlight > a.maxInFlight {
		a.maxInFlight = a.inFlight
	}
	a.lastSystem = systemPrompt
	a.lastHistory = append([]llm.Message(nil), history...)
	block := a.Block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	a.mu.Lock()
	a.inFlight--
	a.mu.Unlock()
	if a.Err != nil {
		return "", a.Err
	}
	return a.Response, nil
}

func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *LLMAdapter) MaxInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInFlight
}

func (a *LLMAdapter) LastSystem() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSystem
}

func (a *LLMAdapter) LastHistory() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Message(nil), a.lastHistory...)
}

var _ llm.Adapter = (*LLMAdapter)(nil)
