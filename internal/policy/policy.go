// Package policy decides whether a plan may be approved without human review.
//
// Evaluation is pure: the same plan and policy always produce the same
// verdict, and nothing is cached between calls.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// LOCEstimate is the per-change-kind line estimate used before any code exists.
type LOCEstimate struct {
	Create int `json:"create"`
	Modify int `json:"modify"`
	Delete int `json:"delete"`
}

// Policy bounds what an auto-approvable plan may touch.
type Policy struct {
	MaxFiles     int         `json:"max_files"`
	MaxLOCDelta  int         `json:"max_loc_delta"`
	AllowPaths   []string    `json:"allow_paths,omitempty"`
	DenyPaths    []string    `json:"deny_paths,omitempty"`
	RequireTests bool        `json:"require_tests"`
	LOCEstimate  LOCEstimate `json:"loc_estimate"`
}

// Default returns the stock auto-approval policy.
func Default() Policy {
	return Policy{
		MaxFiles:    5,
		MaxLOCDelta: 200,
		LOCEstimate: LOCEstimate{Create: 50, Modify: 30, Delete: -20},
	}
}

// FromConfig builds a Policy from application config.
func FromConfig(c config.PolicyConfig) Policy {
	p := Default()
	if c.MaxFiles > 0 {
		p.MaxFiles = c.MaxFiles
	}
	if c.MaxLOCDelta > 0 {
		p.MaxLOCDelta = c.MaxLOCDelta
	}
	if c.LOCCreate != nil {
		p.LOCEstimate.Create = *c.LOCCreate
	}
	if c.LOCModify != nil {
		p.LOCEstimate.Modify = *c.LOCModify
	}
	if c.LOCDelete != nil {
		p.LOCEstimate.Delete = *c.LOCDelete
	}
	p.AllowPaths = c.AllowPaths
	p.DenyPaths = c.DenyPaths
	p.RequireTests = c.RequireTests
	return p
}

// Details records the measurements behind an Evaluation.
type Details struct {
	FileCount    int      `json:"file_count"`
	LOCEstimate  int      `json:"loc_estimate"`
	AllowedFiles []string `json:"allowed_files,omitempty"`
	DeniedFiles  []string `json:"denied_files,omitempty"`
	HasTests     *bool    `json:"has_tests,omitempty"`
}

// Evaluation is the verdict for one plan.
type Evaluation struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
	Details    Details  `json:"details"`
}

// Evaluate checks spec against p. Every check runs; violations are not
// short-circuited.
func (p Policy) Evaluate(spec *plan.Spec) Evaluation {
	violations := []string{}
	var d Details

	files := spec.Scope.Files
	d.FileCount = len(files)
	if d.FileCount > p.MaxFiles {
		violations = append(violations, fmt.Sprintf("Too many files: %d > %d", d.FileCount, p.MaxFiles))
	}

	d.LOCEstimate = p.estimateLOC(files)
	if d.LOCEstimate > p.MaxLOCDelta {
		violations = append(violations,
			fmt.Sprintf("Estimated LOC delta too large: %d > %d", d.LOCEstimate, p.MaxLOCDelta))
	}

	paths := spec.Scope.Paths()
	if len(p.AllowPaths) > 0 {
		d.AllowedFiles = matchAny(paths, p.AllowPaths)
		if len(d.AllowedFiles) == 0 {
			violations = append(violations, "No files match allowed path patterns")
		}
	}
	if len(p.DenyPaths) > 0 {
		d.DeniedFiles = matchAny(paths, p.DenyPaths)
		if len(d.DeniedFiles) > 0 {
			violations = append(violations,
				fmt.Sprintf("Files match denied paths: [%s]", strings.Join(d.DeniedFiles, ", ")))
		}
	}

	if p.RequireTests {
		has := len(spec.Tests) > 0
		d.HasTests = &has
		if !has {
			violations = append(violations, "Tests are required but none specified")
		}
	}

	// A plan with no identified risk is never auto-approvable.
	if len(spec.EdgeCases) == 0 {
		violations = append(violations, "No edge cases specified (safety risk)")
	}
	if len(spec.FailureModes) == 0 {
		violations = append(violations, "No failure modes identified (safety risk)")
	}

	return Evaluation{
		Compliant:  len(violations) == 0,
		Violations: violations,
		Details:    d,
	}
}

func (p Policy) estimateLOC(files []plan.FileChange) int {
	total := 0
	for _, f := range files {
		switch plan.ChangeKind(strings.ToLower(string(f.Change))) {
		case plan.ChangeCreate:
			total += p.LOCEstimate.Create
		case plan.ChangeDelete:
			total += p.LOCEstimate.Delete
		default:
			total += p.LOCEstimate.Modify
		}
	}
	return total
}

// matchAny returns the paths matching at least one pattern, in input order.
func matchAny(paths, patterns []string) []string {
	matchers := make([]*regexp.Regexp, 0, 2*len(patterns))
	for _, pat := range patterns {
		matchers = append(matchers, globRegexp(pat), globRegexp("**/"+pat))
	}
	var matched []string
	for _, p := range paths {
		for _, m := range matchers {
			if m.MatchString(p) {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched
}

// Match reports whether path matches the shell-style glob pattern. Unlike
// path.Match, '*' also matches '/'.
func Match(pattern, path string) bool {
	return globRegexp(pattern).MatchString(path) || globRegexp("**/"+pattern).MatchString(path)
}

// globRegexp translates a shell-style pattern into an anchored regexp.
// '*' matches any run of characters, '?' one character, and bracket
// expressions accept a leading '!' for negation.
func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`^(?s:`)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : j]
			negate := strings.HasPrefix(class, "!")
			if negate {
				class = class[1:]
			}
			class = strings.ReplaceAll(class, `\`, `\\`)
			if strings.HasPrefix(class, "^") {
				class = `\` + class
			}
			if negate {
				class = "^" + class
			}
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`)$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`^` + regexp.QuoteMeta(pattern) + `$`)
	}
	return re
}
