package llm

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

const (
	promptSystem   = "system.tmpl"
	promptPlan     = "plan.tmpl"
	promptWrite    = "write.tmpl"
	promptClarify  = "clarify.tmpl"
	promptEvaluate = "evaluate.tmpl"
)

// Prompts renders the embedded prompt templates.
type Prompts struct {
	tmpl *template.Template
}

func LoadPrompts() (*Prompts, error) {
	tmpl, err := template.New("prompts").
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	return &Prompts{tmpl: tmpl}, nil
}

func (p *Prompts) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
