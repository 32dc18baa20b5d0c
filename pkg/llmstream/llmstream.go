// Package llmstream provides streaming chat-completion clients, built on
// the request shapes of this repository's synchronous providers, that
// implement the lazy, cancellable token stream the dialogue controller
// requires: github.com/remdis-go/remdis/pkg/dialogue.LLMStreamer.
package llmstream

import (
	"bufio"
	"context"
	"net/http"
	"strings"

	"github.com/remdis-go/remdis/pkg/dialogue"
)

// doSSE issues req and runs onLine for every non-empty "data: ..." payload
// of a server-sent-events response body, stopping at ctx cancellation or
// stream end. It does not interpret the payload; callers decide how to
// parse it and how to recognize a terminal sentinel.
func doSSE(ctx context.Context, req *http.Request, onLine func(data string) (done bool, err error)) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		done, err := onLine(data)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return "llmstream: unexpected status " + http.StatusText(e.status)
}

// sendToken delivers tok on out, honoring ctx cancellation within one
// token as the dialogue.LLMStreamer contract requires.
func sendToken(ctx context.Context, out chan<- dialogue.Token, tok dialogue.Token) bool {
	select {
	case out <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}

func toChatMessages(messages []dialogue.Message) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
