package plan

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Change holds a section's value before and after.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Comparison is the structural diff between two plan versions.
type Comparison struct {
	FromVersion     int               `json:"from_version"`
	ToVersion       int               `json:"to_version"`
	Added           map[string]any    `json:"added"`
	Removed         map[string]any    `json:"removed"`
	Modified        map[string]Change `json:"modified"`
	ChangedSections []string          `json:"changed_sections"`
	Summary         string            `json:"summary"`
}

// Compare diffs the top-level sections of two versions. A section that is
// empty on one side and populated on the other counts as added or removed.
func Compare(from, to *Version) (*Comparison, error) {
	fromSections, err := sections(&from.Spec)
	if err != nil {
		return nil, err
	}
	toSections, err := sections(&to.Spec)
	if err != nil {
		return nil, err
	}

	c := &Comparison{
		FromVersion:     from.Version,
		ToVersion:       to.Version,
		Added:           map[string]any{},
		Removed:         map[string]any{},
		Modified:        map[string]Change{},
		ChangedSections: []string{},
	}

	for key, tv := range toSections {
		fv, ok := fromSections[key]
		switch {
		case !ok:
			c.Added[key] = tv
			c.ChangedSections = append(c.ChangedSections, key)
		case !reflect.DeepEqual(fv, tv):
			c.Modified[key] = Change{From: fv, To: tv}
			c.ChangedSections = append(c.ChangedSections, key)
		}
	}
	for key, fv := range fromSections {
		if _, ok := toSections[key]; !ok {
			c.Removed[key] = fv
			c.ChangedSections = append(c.ChangedSections, key)
		}
	}
	sort.Strings(c.ChangedSections)

	c.Summary = summarize(c, &from.Spec, &to.Spec)
	return c, nil
}

func summarize(c *Comparison, from, to *Spec) string {
	if len(c.ChangedSections) == 0 {
		return fmt.Sprintf("Plan v%d and v%d are identical.", c.FromVersion, c.ToVersion)
	}

	parts := []string{fmt.Sprintf("Plan updated from v%d to v%d.", c.FromVersion, c.ToVersion)}
	if len(c.Added) > 0 {
		parts = append(parts, fmt.Sprintf("Added sections: %s.", strings.Join(sortedKeys(c.Added), ", ")))
	}
	if len(c.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("Removed sections: %s.", strings.Join(sortedKeys(c.Removed), ", ")))
	}
	if len(c.Modified) > 0 {
		keys := make([]string, 0, len(c.Modified))
		for k := range c.Modified {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, fmt.Sprintf("Modified sections: %s.", strings.Join(keys, ", ")))
	}

	if touched(c, "scope") && len(from.Scope.Files) != len(to.Scope.Files) {
		parts = append(parts, fmt.Sprintf("File count changed: %d → %d files.", len(from.Scope.Files), len(to.Scope.Files)))
	}
	if touched(c, "tests") && len(from.Tests) != len(to.Tests) {
		parts = append(parts, fmt.Sprintf("Test count changed: %d → %d tests.", len(from.Tests), len(to.Tests)))
	}
	if touched(c, "edge_cases") && len(from.EdgeCases) != len(to.EdgeCases) {
		parts = append(parts, fmt.Sprintf("Edge cases changed: %d → %d cases.", len(from.EdgeCases), len(to.EdgeCases)))
	}
	return strings.Join(parts, " ")
}

func touched(c *Comparison, key string) bool {
	i := sort.SearchStrings(c.ChangedSections, key)
	return i < len(c.ChangedSections) && c.ChangedSections[i] == key
}

// SectionDiff is the item-level diff of one text section.
type SectionDiff struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
}

// DetailedDiff extends a Comparison with item-level diffs of text sections.
type DetailedDiff struct {
	Summary         string                 `json:"summary"`
	ChangedSections []string               `json:"changed_sections"`
	SectionDiffs    map[string]SectionDiff `json:"section_diffs"`
}

// Diff compares two versions and adds item-level detail for the summary
// and the list-of-text sections.
func Diff(from, to *Version) (*DetailedDiff, error) {
	c, err := Compare(from, to)
	if err != nil {
		return nil, err
	}
	d := &DetailedDiff{
		Summary:         c.Summary,
		ChangedSections: c.ChangedSections,
		SectionDiffs:    map[string]SectionDiff{},
	}

	if from.Spec.Summary != to.Spec.Summary {
		d.SectionDiffs["summary"] = SectionDiff{From: from.Spec.Summary, To: to.Spec.Summary}
	}
	lists := map[string][2][]string{
		"happy_paths": {from.Spec.HappyPaths, to.Spec.HappyPaths},
		"edge_cases":  {from.Spec.EdgeCases, to.Spec.EdgeCases},
		"assumptions": {from.Spec.Assumptions, to.Spec.Assumptions},
		"unknowns":    {from.Spec.Unknowns, to.Spec.Unknowns},
		"rollback":    {from.Spec.Rollback, to.Spec.Rollback},
	}
	for name, pair := range lists {
		if _, changed := c.Modified[name]; changed {
			d.SectionDiffs[name] = diffLists(pair[0], pair[1])
		}
	}
	return d, nil
}

func diffLists(from, to []string) SectionDiff {
	inFrom := make(map[string]bool, len(from))
	for _, s := range from {
		inFrom[s] = true
	}
	inTo := make(map[string]bool, len(to))
	for _, s := range to {
		inTo[s] = true
	}

	var d SectionDiff
	for _, s := range to {
		if !inFrom[s] {
			d.Added = append(d.Added, s)
		}
	}
	for _, s := range from {
		if inTo[s] {
			d.Unchanged = append(d.Unchanged, s)
		} else {
			d.Removed = append(d.Removed, s)
		}
	}
	return d
}

// sections returns the spec's populated top-level sections as generic JSON values.
func sections(spec *Spec) (map[string]any, error) {
	b, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}
	for k, v := range m {
		if isEmpty(v) {
			delete(m, k)
		}
	}
	return m, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		for _, inner := range t {
			if !isEmpty(inner) {
				return false
			}
		}
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
