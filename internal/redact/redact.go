// Package redact scrubs credentials out of text before it is persisted.
// Detection uses the default Gitleaks rule set.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Secret      string `json:"-"`
}

// Result is redacted content plus what was removed from it.
type Result struct {
	Content  string
	Findings []Finding
}

// Rules returns the distinct rule IDs in r, sorted.
func (r *Result) Rules() []string {
	seen := map[string]struct{}{}
	for _, f := range r.Findings {
		seen[f.RuleID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Redactor detects and replaces secrets.
type Redactor struct {
	allow  *Allowlist
	logger *zap.Logger
}

// New returns a Redactor. allow may be nil.
func New(allow *Allowlist, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if allow != nil {
		if err := allow.validate(); err != nil {
			return nil, err
		}
	}
	return &Redactor{allow: allow, logger: logger}, nil
}

// Detect scans content without modifying it.
func (r *Redactor) Detect(content string) ([]Finding, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	if !r.allow.empty() {
		applyAllowlist(&detector.Config, r.allow)
	}

	found := detector.DetectString(content)
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}
	return findings, nil
}

// Redact replaces every detected secret with a [REDACTED:<rule>] marker.
func (r *Redactor) Redact(content string) (*Result, error) {
	findings, err := r.Detect(content)
	if err != nil {
		return nil, err
	}
	res := &Result{Content: content, Findings: findings}
	if len(findings) > 0 {
		res.Content = replaceSecrets(content, findings)
		r.logger.Debug("redacted secrets",
			zap.Int("count", len(findings)),
			zap.Strings("rules", res.Rules()),
		)
	}
	return res, nil
}

// replaceSecrets substitutes longer secrets first so a secret that contains
// another is replaced whole.
func replaceSecrets(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Secret) > len(sorted[j].Secret)
	})
	for _, f := range sorted {
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "draftpr allowlist",
		StopWords:   append([]string(nil), allow.StopWords...),
	}
	for _, pattern := range allow.Regexes {
		// Validated in New.
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
