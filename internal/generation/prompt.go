package generation

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// DefaultPromptTemplate is used when no template file is configured.
const DefaultPromptTemplate = `Break down this task into {{.Count}} actionable subtasks:

Task: {{.Title}}
Description: {{.Description}}

Return only a JSON array of subtasks in this format: [{"title": "subtask 1", "completed": false}]`

// Prompter renders generation prompts from a template.
type Prompter struct {
	tmpl *template.Template
}

// NewPrompter loads the template at path, or the default template when path
// is empty.
func NewPrompter(path string) (*Prompter, error) {
	text := DefaultPromptTemplate
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read prompt template from %s: %v",
				ErrInvalidConfig, path, err)
		}
		text = string(content)
	}

	tmpl, err := template.New("subtasks").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", ErrInvalidConfig, err)
	}
	return &Prompter{tmpl: tmpl}, nil
}

// Build renders the prompt for req.
func (p *Prompter) Build(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

var defaultPrompter = func() *Prompter {
	p, err := NewPrompter("")
	if err != nil {
		panic(err)
	}
	return p
}()

// BuildPrompt renders req with the default template.
func BuildPrompt(req Request) (string, error) {
	return defaultPrompter.Build(req)
}
