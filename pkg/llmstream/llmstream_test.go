package llmstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/remdis-go/remdis/pkg/dialogue"
)

func TestOpenAICompatStreamEmitsTokensInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo.\"}}]}\n\n")
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	l := &OpenAICompat{apiKey: "test", url: server.URL, model: "test-model"}
	tokens, err := l.Stream(context.Background(), []dialogue.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got string
	for tok := range tokens {
		if tok.Err != nil {
			t.Fatalf("unexpected token error: %v", tok.Err)
		}
		got += tok.Text
	}
	if got != "Hello." {
		t.Fatalf("expected %q, got %q", "Hello.", got)
	}
}

func TestOpenAICompatStreamClosesOnCancel(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		close(started)
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	l := &OpenAICompat{apiKey: "test", url: server.URL, model: "test-model"}
	ctx, cancel := context.WithCancel(context.Background())
	tokens, err := l.Stream(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-started
	<-tokens
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tokens:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected token channel to close promptly after cancel")
		}
	}
}

func TestAnthropicStreamEmitsTokensAndStopsOnMessageStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprintf(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	l := &AnthropicStream{apiKey: "test", url: server.URL, model: "test-model"}
	tokens, err := l.Stream(context.Background(), []dialogue.Message{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got string
	for tok := range tokens {
		if tok.Err != nil {
			t.Fatalf("unexpected token error: %v", tok.Err)
		}
		got += tok.Text
	}
	if got != "Hi there" {
		t.Fatalf("expected %q, got %q", "Hi there", got)
	}
}
