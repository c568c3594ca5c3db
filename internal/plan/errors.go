package plan

import (
	"fmt"
	"strings"
)

// SchemaViolation reports every structural problem found in a spec.
type SchemaViolation struct {
	Problems []string
}

func (e *SchemaViolation) Error() string {
	return "plan schema violation: " + strings.Join(e.Problems, "; ")
}

// HashIntegrityError means a stored plan no longer hashes to its recorded hash.
type HashIntegrityError struct {
	Version  int
	Stored   string
	Computed string
}

func (e *HashIntegrityError) Error() string {
	return fmt.Sprintf("plan v%d integrity check failed: stored hash %s, computed %s",
		e.Version, e.Stored, e.Computed)
}
