package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Canonical returns the sorted-key, whitespace-free JSON form of spec.
// Nil lists serialize as empty lists so a decoded spec hashes the same as
// the one it was encoded from.
func Canonical(spec *Spec) ([]byte, error) {
	return canonicalJSON(normalize(*spec))
}

// Hash returns the lowercase hex SHA-256 of Canonical(spec).
func Hash(spec *Spec) (string, error) {
	b, err := Canonical(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyVersion recomputes v's hash and compares it to the stored one.
func VerifyVersion(v *Version) error {
	computed, err := Hash(&v.Spec)
	if err != nil {
		return fmt.Errorf("hashing plan v%d: %w", v.Version, err)
	}
	if computed != v.Hash {
		return &HashIntegrityError{Version: v.Version, Stored: v.Hash, Computed: computed}
	}
	return nil
}

// NewVersion validates and hashes spec, chaining it to previous when set.
func NewVersion(spec Spec, previous *Version, feedback *Feedback, generatedBy string) (*Version, error) {
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	spec = normalize(spec)
	h, err := Hash(&spec)
	if err != nil {
		return nil, err
	}

	v := &Version{
		Version:         1,
		Spec:            spec,
		Hash:            h,
		FeedbackHistory: []Feedback{},
		GeneratedBy:     generatedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if previous != nil {
		prev := previous.Hash
		v.Version = previous.Version + 1
		v.PreviousHash = &prev
	}
	if feedback != nil {
		v.FeedbackHistory = []Feedback{*feedback}
	}
	return v, nil
}

// ArtifactName returns the artifact key for plan version n.
func ArtifactName(n int) string {
	return fmt.Sprintf("plan_v%d", n)
}

// FingerprintWorkspace hashes the repository set and selected paths.
func FingerprintWorkspace(repos []RepoRef, selectedPaths []string) (*WorkspaceFingerprint, error) {
	if repos == nil {
		repos = []RepoRef{}
	}
	if selectedPaths == nil {
		selectedPaths = []string{}
	}
	b, err := canonicalJSON(struct {
		Repos         []RepoRef `json:"repos"`
		SelectedPaths []string  `json:"selected_paths"`
	}{repos, selectedPaths})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return &WorkspaceFingerprint{
		Repos:         repos,
		SelectedPaths: selectedPaths,
		Hash:          hex.EncodeToString(sum[:]),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func normalize(s Spec) Spec {
	if s.Scope.Files == nil {
		s.Scope.Files = []FileChange{}
	}
	if s.HappyPaths == nil {
		s.HappyPaths = []string{}
	}
	if s.EdgeCases == nil {
		s.EdgeCases = []string{}
	}
	if s.FailureModes == nil {
		s.FailureModes = []FailureMode{}
	}
	if s.Assumptions == nil {
		s.Assumptions = []string{}
	}
	if s.Unknowns == nil {
		s.Unknowns = []string{}
	}
	if s.Tests == nil {
		s.Tests = []TestSpec{}
	}
	if s.Rollback == nil {
		s.Rollback = []string{}
	}
	if s.CrossRepoImpacts == nil {
		s.CrossRepoImpacts = []CrossRepoImpact{}
	}
	return s
}

// canonicalJSON round-trips v through a generic value so that object keys
// come out sorted at every depth.
func canonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
