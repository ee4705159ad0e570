package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/voxlabs/voicebridge/pkg/errorsx"
	"github.com/voxlabs/voicebridge/pkg/llm"
)

// Adapter generates single-shot chat completions. Voice turns keep
// max_tokens small so spoken replies stay short; that policy lives in the
// agent config, not here.
type Adapter struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func NewAdapter(apiKey string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, systemPrompt string, history []llm.Message, params llm.Params) (string, error) {
	messages := make([]map[string]any, 0, 1+len(history))
	if systemPrompt != "" {
		messages = append(messages, map[string]any{"role": llm.RoleSystem, "content": systemPrompt})
	}
	for _, msg := range history {
		messages = append(messages, map[string]any{"role": msg.Role, "content": msg.Content})
	}
	payload := map[string]any{
		"model":    params.Model,
		"messages": messages,
	}
	if params.Temperature > 0 {
		payload["temperature"] = params.Temperature
	}
	if params.MaxTokens > 0 {
		payload["max_tokens"] = params.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client().Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errorsx.Wrap(errors.New(string(b)), errorsx.ReasonLLMGenerate)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	if len(parsed.Choices) == 0 {
		return "", errorsx.Wrap(errors.New("no choices"), errorsx.ReasonLLMGenerate)
	}
	return parsed.Choices[0].Message.Content, nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

var _ llm.Adapter = (*Adapter)(nil)
