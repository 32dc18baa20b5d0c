package llmstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"net/http"

	"github.com/remdis-go/remdis/pkg/dialogue"
)

// OpenAICompat streams chat completions from any OpenAI-compatible
// endpoint (OpenAI itself, or Groq, which speaks the same
// /v1/chat/completions SSE shape). Grounded on the request construction in
// pkg/providers/llm/openai.go and pkg/providers/llm/groq.go, switched from
// a single decoded JSON response to "stream": true plus incremental SSE
// "data: {...}" deltas.
type OpenAICompat struct {
	apiKey string
	url    string
	model  string
}

// NewOpenAIStream targets the OpenAI chat completions endpoint.
func NewOpenAIStream(apiKey, model string) *OpenAICompat {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAICompat{apiKey: apiKey, url: "https://api.openai.com/v1/chat/completions", model: model}
}

// NewGroqStream targets Groq's OpenAI-compatible chat completions endpoint.
func NewGroqStream(apiKey, model string) *OpenAICompat {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &OpenAICompat{apiKey: apiKey, url: "https://api.groq.com/openai/v1/chat/completions", model: model}
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (l *OpenAICompat) Stream(ctx context.Context, messages []dialogue.Message) (<-chan dialogue.Token, error) {
	payload := map[string]any{
		"model":    l.model,
		"messages": toChatMessages(messages),
		"stream":   true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	out := make(chan dialogue.Token)
	go func() {
		defer close(out)
		err := doSSE(ctx, req, func(data string) (bool, error) {
			if data == "[DONE]" {
				return true, nil
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return false, fmt.Errorf("llmstream: decode openai-compat chunk: %w", err)
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content == "" {
					continue
				}
				if !sendToken(ctx, out, dialogue.Token{Text: c.Delta.Content}) {
					return true, nil
				}
			}
			return false, nil
		})
		if err != nil && ctx.Err() == nil {
			sendToken(ctx, out, dialogue.Token{Err: err})
		}
	}()
	return out, nil
}

func (l *OpenAICompat) Name() string { return "openai-compat-stream:" + l.model }
