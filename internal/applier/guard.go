package applier

import (
	"fmt"
	"path"
	"strings"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/vcs"
)

// DefaultMaxLOCDelta bounds the net line change of a single apply.
const DefaultMaxLOCDelta = 1000

// Guard checks actual changes against a plan's declared scope.
type Guard struct {
	MaxLOCDelta int
}

// Check returns a *GuardViolation when changed strays from the plan, and
// warnings for planned files that were left untouched.
func (g Guard) Check(spec *plan.Spec, changed []string, delta vcs.LineDelta) (warnings []string, err error) {
	max := g.MaxLOCDelta
	if max <= 0 {
		max = DefaultMaxLOCDelta
	}

	planned := make(map[string]bool, len(spec.Scope.Files))
	for _, f := range spec.Scope.Files {
		planned[cleanPath(f.Path)] = true
	}
	actual := make(map[string]bool, len(changed))
	for _, c := range changed {
		actual[cleanPath(c)] = true
	}

	var violations []string
	switch {
	case len(planned) == 0 && len(actual) > 0:
		violations = append(violations, fmt.Sprintf(
			"plan specifies no files to change, but %d files were changed: [%s]",
			len(actual), strings.Join(changed, ", ")))
	case len(planned) == 0:
		violations = append(violations, "plan specifies no files to change")
	case len(actual) == 0:
		violations = append(violations, fmt.Sprintf(
			"plan declares %d files but no files were changed", len(planned)))
	}

	if len(planned) > 0 {
		var unexpected []string
		for _, c := range changed {
			if !planned[cleanPath(c)] {
				unexpected = append(unexpected, c)
			}
		}
		if len(unexpected) > 0 {
			violations = append(violations,
				fmt.Sprintf("unexpected files changed: [%s]", strings.Join(unexpected, ", ")))
		}
	}

	if net := delta.Net(); net > max || net < -max {
		violations = append(violations,
			fmt.Sprintf("LOC delta very large: %d exceeds %d (might indicate divergence)", net, max))
	}

	if len(actual) > 0 {
		for _, f := range spec.Scope.Files {
			if !actual[cleanPath(f.Path)] {
				warnings = append(warnings, "planned file not changed: "+f.Path)
			}
		}
	}

	if len(violations) > 0 {
		return warnings, &GuardViolation{Violations: violations}
	}
	return warnings, nil
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(strings.TrimPrefix(p, "./"))
	return strings.TrimPrefix(p, "/")
}
