package generator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

var generationTmpl = template.Must(template.New("generate").Parse(`You are a technical planning assistant. Produce a structured plan for implementing the story below.

STORY
- Key: {{.StoryKey}}
- Summary: {{.StorySummary}}
- Description: {{if .StoryDescription}}{{.StoryDescription}}{{else}}No description provided{{end}}
{{if .Repos}}
REPOSITORIES
{{range .Repos}}- {{.URL}}{{if .Ref}} ({{.Ref}}){{end}}
{{end}}{{end}}{{if .ScopeJSON}}
SCOPE CONSTRAINTS
{{.ScopeJSON}}
{{end}}{{if .AdditionalContext}}
ADDITIONAL CONTEXT
{{.AdditionalContext}}
{{end}}
The plan drives automatic code changes. Every section must be filled: an empty section fails the plan.
Use concrete file paths and test targets. Identify what can go wrong and how to recover.

Return a single JSON object with exactly these keys:
{{.Schema}}
Return only the JSON object.
`))

var revisionTmpl = template.Must(template.New("revise").Parse(`You are a technical planning assistant. Revise the plan below to address the reviewer's feedback.

PREVIOUS PLAN (v{{.Version}})
{{.PreviousJSON}}

FEEDBACK{{if .FeedbackType}} ({{.FeedbackType}}){{end}}
{{.Feedback}}
{{if .Concerns}}
SPECIFIC CONCERNS
{{range .Concerns}}- {{.}}
{{end}}{{end}}{{if .RequestedChanges}}
REQUESTED CHANGES
{{.RequestedChanges}}
{{end}}
Address every concern. Keep content that the feedback does not touch. Every section must remain non-empty.
This becomes v{{.NextVersion}}. Do not include a version field.

Return only the revised JSON object with the same keys as the previous plan.
`))

const schemaExample = `{
  "summary": "what the change accomplishes",
  "scope": {"files": [{"path": "src/api/users.py", "change": "modify"}]},
  "happy_paths": ["..."],
  "edge_cases": ["..."],
  "failure_modes": [{"trigger": "...", "impact": "...", "mitigation": "..."}],
  "assumptions": ["..."],
  "unknowns": ["..."],
  "tests": [{"type": "unit", "target": "..."}],
  "rollback": ["..."],
  "cross_repo_impacts": [{"repo": "...", "reason": "..."}]
}`

func renderGenerationPrompt(in GenerateInput) (string, error) {
	data := struct {
		GenerateInput
		ScopeJSON string
		Schema    string
	}{GenerateInput: in, Schema: schemaExample}
	if in.Scope != nil && len(in.Scope.Files) > 0 {
		b, err := json.MarshalIndent(in.Scope, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding scope: %w", err)
		}
		data.ScopeJSON = string(b)
	}
	var buf bytes.Buffer
	if err := generationTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering generation prompt: %w", err)
	}
	return buf.String(), nil
}

func renderRevisionPrompt(previous *plan.Version, fb plan.Feedback) (string, error) {
	prev, err := json.MarshalIndent(previous.Spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding previous plan: %w", err)
	}
	data := struct {
		Version          int
		NextVersion      int
		PreviousJSON     string
		Feedback         string
		FeedbackType     plan.FeedbackType
		Concerns         []string
		RequestedChanges string
	}{
		Version:      previous.Version,
		NextVersion:  previous.Version + 1,
		PreviousJSON: string(prev),
		Feedback:     fb.Text,
		FeedbackType: fb.Type,
		Concerns:         fb.SpecificConcerns,
		RequestedChanges: fb.RequestedChanges,
	}
	var buf bytes.Buffer
	if err := revisionTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering revision prompt: %w", err)
	}
	return buf.String(), nil
}
