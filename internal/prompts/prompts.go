// Package prompts loads and renders the external text/template prompt
// files that back pkg/dialogue.PromptBuilder and
// pkg/textvap.PromptBuilder, keeping the wording of what is sent to an
// LLM out of Go source.
package prompts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/remdis-go/remdis/pkg/dialogue"
)

const (
	responseFile    = "response.tmpl"
	timeoutFile     = "timeout.tmpl"
	backchannelFile = "backchannel.tmpl"
)

// context is the data made available to every template.
type context struct {
	History   []dialogue.Turn
	UserDraft string
}

// Builder implements both dialogue.PromptBuilder and
// textvap.PromptBuilder off the same set of loaded templates.
type Builder struct {
	response    *template.Template
	timeout     *template.Template
	backchannel *template.Template
}

// Load reads the three prompt templates from dir.
func Load(dir string) (*Builder, error) {
	response, err := loadOne(dir, responseFile)
	if err != nil {
		return nil, err
	}
	timeout, err := loadOne(dir, timeoutFile)
	if err != nil {
		return nil, err
	}
	backchannel, err := loadOne(dir, backchannelFile)
	if err != nil {
		return nil, err
	}
	return &Builder{response: response, timeout: timeout, backchannel: backchannel}, nil
}

func loadOne(dir, name string) (*template.Template, error) {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: read %q: %w", path, err)
	}
	tmpl, err := template.New(name).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("prompts: parse %q: %w", path, err)
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data context) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: render %q: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// ResponsePrompt implements dialogue.PromptBuilder.
func (b *Builder) ResponsePrompt(history []dialogue.Turn, userDraft string) []dialogue.Message {
	text, err := render(b.response, context{History: history, UserDraft: userDraft})
	if err != nil {
		// Rendering failures fall back to a minimal single-message
		// prompt rather than sending the LLM nothing at all.
		return []dialogue.Message{{Role: "user", Content: userDraft}}
	}
	return []dialogue.Message{{Role: "system", Content: text}, {Role: "user", Content: userDraft}}
}

// TimeoutPrompt implements dialogue.PromptBuilder.
func (b *Builder) TimeoutPrompt(history []dialogue.Turn) []dialogue.Message {
	text, err := render(b.timeout, context{History: history})
	if err != nil {
		return []dialogue.Message{{Role: "system", Content: "Check in with the user; they have gone quiet."}}
	}
	return []dialogue.Message{{Role: "system", Content: text}}
}

// BackchannelPrompt implements textvap.PromptBuilder.
func (b *Builder) BackchannelPrompt(partialUtterance string) []dialogue.Message {
	text, err := render(b.backchannel, context{UserDraft: partialUtterance})
	if err != nil {
		return []dialogue.Message{{Role: "user", Content: partialUtterance}}
	}
	return []dialogue.Message{{Role: "system", Content: text}}
}
