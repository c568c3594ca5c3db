package applier

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// GuardViolation is raised when the applied changes diverge from the plan.
// The working copy is rolled back before it is returned.
type GuardViolation struct {
	Violations []string
}

func (e *GuardViolation) Error() string {
	return "plan-apply guard violations: " + strings.Join(e.Violations, "; ")
}

// ApplicationError reports a failed apply. RolledBack tells whether the
// working copy was restored to the checkpoint.
type ApplicationError struct {
	Err               error
	WorkspaceModified bool
	RolledBack        bool
	RollbackErr       error
}

func (e *ApplicationError) Error() string {
	var b strings.Builder
	b.WriteString("code application failed")
	if e.WorkspaceModified {
		b.WriteString(" after modifying the workspace")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	switch {
	case e.RollbackErr != nil:
		fmt.Fprintf(&b, " (rollback failed: %v)", e.RollbackErr)
	case e.RolledBack:
		b.WriteString(" (rolled back to checkpoint)")
	}
	return b.String()
}

// Unwrap exposes both the apply error and the rollback error.
func (e *ApplicationError) Unwrap() []error {
	return multierr.Errors(multierr.Combine(e.Err, e.RollbackErr))
}

// Unrecoverable reports whether the rollback itself failed, leaving the
// working copy in an unknown state.
func (e *ApplicationError) Unrecoverable() bool {
	return e.RollbackErr != nil
}
