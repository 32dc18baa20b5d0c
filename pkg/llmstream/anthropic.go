package llmstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/remdis-go/remdis/pkg/dialogue"
)

// AnthropicStream streams Anthropic Messages API completions. Grounded on
// the request construction in pkg/providers/llm/anthropic.go (system
// message extraction, x-api-key/anthropic-version headers), switched from
// a single decoded response to "stream": true plus
// content_block_delta/message_stop SSE events.
type AnthropicStream struct {
	apiKey string
	url    string
	model  string
}

func NewAnthropicStream(apiKey, model string) *AnthropicStream {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicStream{apiKey: apiKey, url: "https://api.anthropic.com/v1/messages", model: model}
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (l *AnthropicStream) Stream(ctx context.Context, messages []dialogue.Message) (<-chan dialogue.Token, error) {
	var system string
	var anthropicMessages []chatMessage
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		anthropicMessages = append(anthropicMessages, chatMessage{Role: m.Role, Content: m.Content})
	}

	payload := map[string]any{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
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
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "text/event-stream")

	out := make(chan dialogue.Token)
	go func() {
		defer close(out)
		err := doSSE(ctx, req, func(data string) (bool, error) {
			var evt anthropicEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				return false, fmt.Errorf("llmstream: decode anthropic event: %w", err)
			}
			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Text != "" {
					if !sendToken(ctx, out, dialogue.Token{Text: evt.Delta.Text}) {
						return true, nil
					}
				}
			case "message_stop":
				return true, nil
			}
			return false, nil
		})
		if err != nil && ctx.Err() == nil {
			sendToken(ctx, out, dialogue.Token{Err: err})
		}
	}()
	return out, nil
}

func (l *AnthropicStream) Name() string { return "anthropic-stream:" + l.model }
