// Package sandbox defines the execution backend contract used for plan
// generation and code application, plus a backend that drives an external
// agent command inside the job workspace.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Job kinds understood by execution backends.
const (
	KindPlanGeneration  = "plan_generation"
	KindCodeApplication = "code_application"
)

// ErrTimeout is returned when a backend call exceeds its deadline.
var ErrTimeout = errors.New("execution backend timed out")

// Request is one instruction for an execution backend.
type Request struct {
	JobID         string
	WorkspacePath string
	Instruction   string
	Kind          string
}

// Validate checks the request before dispatch.
func (r Request) Validate() error {
	switch {
	case r.JobID == "":
		return errors.New("job id is required")
	case r.WorkspacePath == "":
		return errors.New("workspace path is required")
	case r.Instruction == "":
		return errors.New("instruction is required")
	case r.Kind != KindPlanGeneration && r.Kind != KindCodeApplication:
		return fmt.Errorf("unknown job kind %q", r.Kind)
	}
	return nil
}

// Result is the structured output of a backend call. Data is nil when the
// backend produced no result document.
type Result struct {
	Data   json.RawMessage
	Output string
}

// Executor runs instructions against a working copy. Cancellation of ctx
// must stop the underlying work.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// ExecutionError reports a failed backend run.
type ExecutionError struct {
	Kind     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s execution failed (exit code %d): %v", e.Kind, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s execution failed: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
