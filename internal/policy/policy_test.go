package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

func spec(files ...plan.FileChange) *plan.Spec {
	return &plan.Spec{
		Summary:      "Add retry handling to client",
		Scope:        plan.Scope{Files: files},
		HappyPaths:   []string{"request succeeds"},
		EdgeCases:    []string{"empty response"},
		FailureModes: []plan.FailureMode{{Trigger: "timeout", Impact: "slow request"}},
		Assumptions:  []string{"network is flaky"},
		Tests:        []plan.TestSpec{{Type: plan.TestUnit, Target: "client_test.py"}},
	}
}

func modify(path string) plan.FileChange {
	return plan.FileChange{Path: path, Change: plan.ChangeModify}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		policy     func(p *Policy)
		spec       func() *plan.Spec
		violations []string
	}{
		{
			name:   "compliant",
			policy: func(p *Policy) {},
			spec:   func() *plan.Spec { return spec(modify("src/a.py")) },
		},
		{
			name:   "too many files and LOC",
			policy: func(p *Policy) { p.MaxFiles = 1; p.MaxLOCDelta = 50 },
			spec:   func() *plan.Spec { return spec(modify("a.py"), modify("b.py")) },
			violations: []string{
				"Too many files: 2 > 1",
				"Estimated LOC delta too large: 60 > 50",
			},
		},
		{
			name:       "no allowed match",
			policy:     func(p *Policy) { p.AllowPaths = []string{"docs/*"} },
			spec:       func() *plan.Spec { return spec(modify("src/a.py")) },
			violations: []string{"No files match allowed path patterns"},
		},
		{
			name:       "denied path",
			policy:     func(p *Policy) { p.DenyPaths = []string{"*.env", "migrations/*"} },
			spec:       func() *plan.Spec { return spec(modify("config/prod.env"), modify("src/a.py")) },
			violations: []string{"Files match denied paths: [config/prod.env]"},
		},
		{
			name:   "tests required",
			policy: func(p *Policy) { p.RequireTests = true },
			spec: func() *plan.Spec {
				s := spec(modify("a.py"))
				s.Tests = nil
				return s
			},
			violations: []string{"Tests are required but none specified"},
		},
		{
			name:   "missing risk sections always violate",
			policy: func(p *Policy) {},
			spec: func() *plan.Spec {
				s := spec(modify("a.py"))
				s.EdgeCases = nil
				s.FailureModes = nil
				return s
			},
			violations: []string{
				"No edge cases specified (safety risk)",
				"No failure modes identified (safety risk)",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.policy(&p)
			got := p.Evaluate(tt.spec())
			if len(tt.violations) == 0 {
				assert.True(t, got.Compliant)
				assert.Empty(t, got.Violations)
				return
			}
			assert.False(t, got.Compliant)
			assert.Equal(t, tt.violations, got.Violations)
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := Default()
	p.DenyPaths = []string{"*.lock"}
	s := spec(modify("a.py"), modify("go.lock"))
	first := p.Evaluate(s)
	second := p.Evaluate(s)
	assert.Equal(t, first, second)
}

func TestEvaluate_LOCEstimate(t *testing.T) {
	p := Default()
	s := spec(
		plan.FileChange{Path: "new.py", Change: plan.ChangeCreate},
		modify("a.py"),
		plan.FileChange{Path: "old.py", Change: plan.ChangeDelete},
	)
	assert.Equal(t, 60, p.Evaluate(s).Details.LOCEstimate)
}

func TestEvaluate_HasTestsDetail(t *testing.T) {
	p := Default()
	assert.Nil(t, p.Evaluate(spec(modify("a.py"))).Details.HasTests)

	p.RequireTests = true
	d := p.Evaluate(spec(modify("a.py"))).Details
	require.NotNil(t, d.HasTests)
	assert.True(t, *d.HasTests)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"*.py", "a.py", true},
		{"*.py", "src/deep/a.py", true},
		{"src/*", "src/a/b.go", true},
		{"src/*", "lib/src/a.go", true},
		{"src/*", "srcx/a.go", false},
		{"a?.go", "ab.go", true},
		{"[ab].go", "c.go", false},
		{"[!ab].go", "c.go", true},
		{"README.md", "README.md", true},
		{"README.md", "READMExmd", false},
		{"[", "[", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.path), "Match(%q, %q)", tt.pattern, tt.path)
	}
}

func TestFromConfig(t *testing.T) {
	modify := 10
	p := FromConfig(config.PolicyConfig{MaxFiles: 3, LOCModify: &modify, DenyPaths: []string{"*.env"}})
	assert.Equal(t, 3, p.MaxFiles)
	assert.Equal(t, 200, p.MaxLOCDelta)
	assert.Equal(t, 10, p.LOCEstimate.Modify)
	assert.Equal(t, 50, p.LOCEstimate.Create)
	assert.Equal(t, -20, p.LOCEstimate.Delete)
	assert.Equal(t, []string{"*.env"}, p.DenyPaths)
}

func TestFromConfig_ZeroEstimates(t *testing.T) {
	zero := 0
	p := FromConfig(config.PolicyConfig{LOCCreate: &zero, LOCModify: &zero, LOCDelete: &zero})
	assert.Equal(t, LOCEstimate{}, p.LOCEstimate)

	eval := p.Evaluate(&plan.Spec{
		Scope: plan.Scope{Files: []plan.FileChange{
			{Path: "a.py", Change: plan.ChangeCreate},
			{Path: "b.py", Change: plan.ChangeModify},
		}},
	})
	assert.Equal(t, 0, eval.Details.LOCEstimate)
}
