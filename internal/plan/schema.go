package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const minSummaryLength = 10

// Validate checks spec against the plan schema. Every problem is reported.
func Validate(spec *Spec) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if utf8.RuneCountInString(strings.TrimSpace(spec.Summary)) < minSummaryLength {
		add("summary must be at least %d characters", minSummaryLength)
	}

	if len(spec.Scope.Files) == 0 {
		add("scope.files must list at least one file")
	}
	for i, f := range spec.Scope.Files {
		if strings.TrimSpace(f.Path) == "" {
			add("scope.files[%d].path is required", i)
		}
		if f.Change != "" && !f.Change.Valid() {
			add("scope.files[%d].change %q must be one of create, modify, delete", i, f.Change)
		}
	}

	for i, fm := range spec.FailureModes {
		if fm.Trigger == "" {
			add("failure_modes[%d].trigger is required", i)
		}
		if fm.Impact == "" {
			add("failure_modes[%d].impact is required", i)
		}
	}
	for i, t := range spec.Tests {
		switch t.Type {
		case TestUnit, TestIntegration, TestE2E:
		default:
			add("tests[%d].type %q must be one of unit, integration, e2e", i, t.Type)
		}
		if t.Target == "" {
			add("tests[%d].target is required", i)
		}
	}
	for i, c := range spec.CrossRepoImpacts {
		if c.Repo == "" {
			add("cross_repo_impacts[%d].repo is required", i)
		}
	}

	// Empty safety sections are a generation failure, not a valid plan.
	if len(spec.HappyPaths) == 0 {
		add("at least one happy path must be specified (empty happy_paths section)")
	}
	if len(spec.EdgeCases) == 0 {
		add("at least one edge case must be considered (empty edge_cases section)")
	}
	if len(spec.FailureModes) == 0 {
		add("at least one failure mode must be identified (empty failure_modes section)")
	}
	if len(spec.Assumptions) == 0 {
		add("assumptions must be explicitly stated (empty assumptions section)")
	}
	if len(spec.Tests) == 0 {
		add("at least one test must be specified (empty tests section)")
	}

	if len(problems) > 0 {
		return &SchemaViolation{Problems: problems}
	}
	return nil
}

// Parse decodes generator output into a validated Spec. The JSON may be
// wrapped in a markdown code fence. Unknown fields are rejected.
func Parse(data []byte) (*Spec, error) {
	raw := ExtractJSON(data)
	if len(raw) == 0 {
		return nil, &SchemaViolation{Problems: []string{"no JSON object found"}}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, &SchemaViolation{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ExtractJSON returns the outermost JSON object in data, unwrapping a
// markdown code fence if present.
func ExtractJSON(data []byte) []byte {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil
	}
	return []byte(s[start : end+1])
}
