package plan

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Spec {
	return Spec{
		Summary: "Add retry handling to the payment client",
		Scope: Scope{Files: []FileChange{
			{Path: "x.py", Change: ChangeModify},
		}},
		HappyPaths:   []string{"payment succeeds on first attempt"},
		EdgeCases:    []string{"gateway returns 429"},
		FailureModes: []FailureMode{{Trigger: "gateway down", Impact: "payments delayed", Mitigation: "queue"}},
		Assumptions:  []string{"gateway is idempotent"},
		Tests:        []TestSpec{{Type: TestUnit, Target: "payment client retries"}},
	}
}

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestValidate(t *testing.T) {
	spec := validSpec()
	require.NoError(t, Validate(&spec))

	tests := []struct {
		name    string
		mutate  func(*Spec)
		problem string
	}{
		{"short summary", func(s *Spec) { s.Summary = "too short" }, "summary must be at least 10"},
		{"empty scope", func(s *Spec) { s.Scope.Files = nil }, "scope.files must list"},
		{"missing path", func(s *Spec) { s.Scope.Files[0].Path = "" }, "scope.files[0].path"},
		{"bad change", func(s *Spec) { s.Scope.Files[0].Change = "rename" }, "must be one of create"},
		{"empty edge cases", func(s *Spec) { s.EdgeCases = nil }, "empty edge_cases"},
		{"empty failure modes", func(s *Spec) { s.FailureModes = []FailureMode{} }, "empty failure_modes"},
		{"empty assumptions", func(s *Spec) { s.Assumptions = nil }, "empty assumptions"},
		{"empty tests", func(s *Spec) { s.Tests = nil }, "empty tests"},
		{"empty happy paths", func(s *Spec) { s.HappyPaths = nil }, "empty happy_paths"},
		{"failure mode trigger", func(s *Spec) { s.FailureModes[0].Trigger = "" }, "failure_modes[0].trigger"},
		{"bad test type", func(s *Spec) { s.Tests[0].Type = "smoke" }, "tests[0].type"},
		{"cross repo without repo", func(s *Spec) {
			s.CrossRepoImpacts = []CrossRepoImpact{{Reason: "shared schema"}}
		}, "cross_repo_impacts[0].repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(&s)
			err := Validate(&s)
			var sv *SchemaViolation
			require.True(t, errors.As(err, &sv), "expected SchemaViolation, got %v", err)
			assert.Contains(t, sv.Error(), tt.problem)
		})
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	err := Validate(&Spec{})
	var sv *SchemaViolation
	require.True(t, errors.As(err, &sv))
	assert.GreaterOrEqual(t, len(sv.Problems), 7)
}

func TestParse(t *testing.T) {
	spec := validSpec()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, spec.Summary, got.Summary)

	fenced := "Here is the plan:\n```json\n" + string(raw) + "\n```\n"
	got, err = Parse([]byte(fenced))
	require.NoError(t, err)
	assert.Equal(t, spec.Scope, got.Scope)

	_, err = Parse([]byte(`{"summary":"Add retry handling everywhere","bogus":true}`))
	var sv *SchemaViolation
	require.True(t, errors.As(err, &sv))
	assert.Contains(t, sv.Error(), "bogus")

	_, err = Parse([]byte("no json here"))
	assert.Error(t, err)
}

func TestHash_Deterministic(t *testing.T) {
	spec := validSpec()
	h1, err := Hash(&spec)
	require.NoError(t, err)
	h2, err := Hash(&spec)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Regexp(t, hexHash, h1)

	// Round-tripping through JSON must not change the hash.
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	var decoded Spec
	require.NoError(t, json.Unmarshal(raw, &decoded))
	h3, err := Hash(&decoded)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	spec.EdgeCases = append(spec.EdgeCases, "network partition")
	h4, err := Hash(&spec)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestCanonical_SortedCompactUnescaped(t *testing.T) {
	spec := validSpec()
	spec.Summary = "Handle <script> & friends safely"
	b, err := Canonical(&spec)
	require.NoError(t, err)

	s := string(b)
	assert.NotContains(t, s, "\n")
	assert.NotContains(t, s, ": ")
	assert.Contains(t, s, "<script> & friends")
	assert.Contains(t, s, `"cross_repo_impacts":[]`)
	// Keys sorted: assumptions first, unknowns last.
	assert.Regexp(t, `^\{"assumptions":`, s)
	assert.Regexp(t, `"unknowns":\[\]\}$`, s)
}

func TestNewVersion_Chain(t *testing.T) {
	v1, err := NewVersion(validSpec(), nil, nil, GeneratedByText)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Nil(t, v1.PreviousHash)
	assert.Empty(t, v1.FeedbackHistory)
	assert.Regexp(t, hexHash, v1.Hash)
	assert.Equal(t, "plan_v1", v1.ArtifactName())

	spec2 := validSpec()
	spec2.EdgeCases = append(spec2.EdgeCases, "timeout while retrying")
	fb := &Feedback{Text: "add error handling", Type: FeedbackSafety}
	v2, err := NewVersion(spec2, v1, fb, GeneratedByText)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.PreviousHash)
	assert.Equal(t, v1.Hash, *v2.PreviousHash)
	assert.Len(t, v2.FeedbackHistory, 1)

	_, err = NewVersion(Spec{}, nil, nil, GeneratedByText)
	var sv *SchemaViolation
	assert.True(t, errors.As(err, &sv))
}

func TestVerifyVersion(t *testing.T) {
	v, err := NewVersion(validSpec(), nil, nil, GeneratedByText)
	require.NoError(t, err)
	require.NoError(t, VerifyVersion(v))

	// Survives a storage round trip.
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var loaded Version
	require.NoError(t, json.Unmarshal(raw, &loaded))
	require.NoError(t, VerifyVersion(&loaded))

	loaded.Spec.Summary = "Tampered summary text"
	err = VerifyVersion(&loaded)
	var hi *HashIntegrityError
	require.True(t, errors.As(err, &hi))
	assert.Equal(t, v.Hash, hi.Stored)
	assert.NotEqual(t, hi.Stored, hi.Computed)
}

func TestApproval_Matches(t *testing.T) {
	v, err := NewVersion(validSpec(), nil, nil, GeneratedByText)
	require.NoError(t, err)
	assert.True(t, (&Approval{PlanHash: v.Hash}).Matches(v))
	assert.False(t, (&Approval{PlanHash: "deadbeef"}).Matches(v))
	assert.False(t, (*Approval)(nil).Matches(v))
}

func TestFingerprintWorkspace(t *testing.T) {
	repos := []RepoRef{{URL: "https://github.com/acme/api.git", Ref: "main"}}
	a, err := FingerprintWorkspace(repos, []string{"x.py"})
	require.NoError(t, err)
	b, err := FingerprintWorkspace(repos, []string{"x.py"})
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
	assert.Regexp(t, hexHash, a.Hash)

	c, err := FingerprintWorkspace(repos, []string{"y.py"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash)

	d, err := FingerprintWorkspace(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, d.Repos)
	assert.NotNil(t, d.SelectedPaths)
}
