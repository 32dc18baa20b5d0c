package prompts

import (
	"testing"

	"github.com/remdis-go/remdis/pkg/dialogue"
)

func TestLoadFromShippedTemplates(t *testing.T) {
	b, err := Load("templates")
	if err != nil {
		t.Fatalf("unexpected error loading shipped templates: %v", err)
	}

	history := []dialogue.Turn{{Role: "user", Text: "hi"}, {Role: "system", Text: "hello"}}

	resp := b.ResponsePrompt(history, "what time is it")
	if len(resp) != 2 || resp[1].Content != "what time is it" {
		t.Fatalf("unexpected response prompt: %+v", resp)
	}

	timeout := b.TimeoutPrompt(history)
	if len(timeout) != 1 || timeout[0].Content == "" {
		t.Fatalf("unexpected timeout prompt: %+v", timeout)
	}

	bc := b.BackchannelPrompt("I went to Paris")
	if len(bc) != 1 || bc[0].Content == "" {
		t.Fatalf("unexpected backchannel prompt: %+v", bc)
	}
}

func TestLoadMissingDirectoryFails(t *testing.T) {
	if _, err := Load("does-not-exist"); err == nil {
		t.Fatal("expected an error loading from a nonexistent directory")
	}
}
