package main

import (
	"context"

	"github.com/remdis-go/remdis/pkg/dialogue"
	"github.com/remdis-go/remdis/pkg/orchestrator"
)

// oneShotLLM adapts a non-streaming orchestrator.LLMProvider into a
// dialogue.LLMStreamer that emits its whole completion as a single Token.
// It is used for the Text-VAP backchannel adapter, which only ever reads
// a call to completion before parsing its labelled lines anyway, and for any LLM
// provider selection that has no true streaming implementation.
type oneShotLLM struct {
	provider orchestrator.LLMProvider
}

func newOneShotLLM(provider orchestrator.LLMProvider) *oneShotLLM {
	return &oneShotLLM{provider: provider}
}

func (o *oneShotLLM) Stream(ctx context.Context, messages []dialogue.Message) (<-chan dialogue.Token, error) {
	out := make(chan dialogue.Token, 1)
	go func() {
		defer close(out)
		text, err := o.provider.Complete(ctx, toOrchestratorMessages(messages))
		if err != nil {
			select {
			case out <- dialogue.Token{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- dialogue.Token{Text: text}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func toOrchestratorMessages(messages []dialogue.Message) []orchestrator.Message {
	out := make([]orchestrator.Message, len(messages))
	for i, m := range messages {
		out[i] = orchestrator.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
