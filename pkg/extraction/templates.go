package extraction

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// PromptTemplate is a versioned system/user prompt pair.
type PromptTemplate struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	System  string `json:"system" yaml:"system"`
	User    string `json:"user" yaml:"user"`
}

// DefaultPromptTemplate returns the built-in meeting extraction prompt.
func DefaultPromptTemplate() *PromptTemplate {
	return &PromptTemplate{
		Name:    "meeting-intelligence",
		Version: "1.0.0",
		System:  defaultSystemText,
		User:    defaultUserText,
	}
}

const defaultSystemText = `You are an expert meeting analyst. Extract structured intelligence from one section of a meeting transcript.

Guidelines:
- Be precise and factual. Only extract information explicitly stated in this section.
- Action items: only set owner_name or owner_email if explicitly mentioned. Never invent names or emails.
- Due dates: only if explicitly stated, formatted YYYY-MM-DD. Otherwise null.
- Status is "open" unless the transcript says otherwise (in_progress, blocked, done).
- Confidence: "high" if explicitly stated, "medium" if implied, "low" if uncertain.
- Entities: people, companies, products and locations that are named. Use kind "other" for anything else.
- Summary: a concise markdown summary of this section only.
{{- if or .Meeting.Title .Meeting.Date .Meeting.Type .Meeting.Company}}

Meeting Context:
{{- with .Meeting.Title}}
- Title: {{.}}{{end}}
{{- with .Meeting.Date}}
- Date: {{.}}{{end}}
{{- with .Meeting.Type}}
- Type: {{.}}{{end}}
{{- with .Meeting.Company}}
- Company: {{.}}{{end}}
{{- end}}
{{- if .Meeting.Participants}}

Known Participants:
{{- range .Meeting.Participants}}
- {{.}}{{end}}
{{- end}}`

const defaultUserText = `Transcript section {{add .Chunk.Index 1}} of {{.Meeting.TotalChunks}}
{{- if .Chunk.Speakers}} (speakers: {{join .Chunk.Speakers ", "}}){{end}}:

{{.Chunk.Text}}`

// Prompt is a rendered template.
type Prompt struct {
	System string
	User   string
}

var promptFuncs = template.FuncMap{
	"add":  func(a, b int) int { return a + b },
	"join": strings.Join,
}

// Compile parses both halves of the template.
func (t *PromptTemplate) Compile() (*CompiledPrompt, error) {
	sys, err := template.New(t.Name + ".system").Funcs(promptFuncs).Parse(t.System)
	if err != nil {
		return nil, fmt.Errorf("failed to parse system template: %w", err)
	}
	user, err := template.New(t.Name + ".user").Funcs(promptFuncs).Parse(t.User)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user template: %w", err)
	}
	return &CompiledPrompt{Version: t.Version, system: sys, user: user}, nil
}

// CompiledPrompt renders requests without reparsing.
type CompiledPrompt struct {
	Version string
	system  *template.Template
	user    *template.Template
}

// Render fills the template for one chunk.
func (c *CompiledPrompt) Render(req ChunkRequest) (*Prompt, error) {
	var sys, user bytes.Buffer
	if err := c.system.Execute(&sys, req); err != nil {
		return nil, fmt.Errorf("failed to execute system template: %w", err)
	}
	if err := c.user.Execute(&user, req); err != nil {
		return nil, fmt.Errorf("failed to execute user template: %w", err)
	}
	return &Prompt{System: sys.String(), User: user.String()}, nil
}
