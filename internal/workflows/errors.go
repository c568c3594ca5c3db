package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/draftpr/internal/artifact"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
)

// Application error types reported by activities. The workflow matches on
// these to decide whether a signal can be retried by the sender.
const (
	ErrTypeStaleApproval = "StaleApproval"
	ErrTypeUnknownHash   = "UnknownPlanHash"
	ErrTypeWrongStage    = "WrongStage"
	ErrTypeJobExists     = "JobExists"
	ErrTypeNotFound      = "JobNotFound"
	ErrTypeIntegrity     = "PlanIntegrity"
	ErrTypeCancelled     = "Cancelled"
	ErrTypePipeline      = "PipelineFailed"
)

// wrapActivityError converts a pipeline error into a non-retryable Temporal
// application error. Pipeline calls are not idempotent once a stage has
// started, so every failure is final for the attempt.
func wrapActivityError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var (
		se  *pipeline.StageError
		hie *plan.HashIntegrityError
	)
	errType := ErrTypePipeline
	switch {
	case errors.Is(err, pipeline.ErrStaleApproval):
		errType = ErrTypeStaleApproval
	case errors.Is(err, pipeline.ErrUnknownPlanHash):
		errType = ErrTypeUnknownHash
	case errors.As(err, &se):
		errType = ErrTypeWrongStage
	case errors.Is(err, pipeline.ErrJobExists):
		errType = ErrTypeJobExists
	case errors.Is(err, artifact.ErrNotFound):
		errType = ErrTypeNotFound
	case errors.As(err, &hie):
		errType = ErrTypeIntegrity
	case errors.Is(err, pipeline.ErrCancelled):
		errType = ErrTypeCancelled
	}
	return temporal.NewNonRetryableApplicationError(fmt.Sprintf("%s: %v", operation, err), errType, err)
}

// isRejectedSignal reports whether err means the signal payload was wrong
// and the job is still waiting for a valid one.
func isRejectedSignal(err error) bool {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Type() {
	case ErrTypeStaleApproval, ErrTypeUnknownHash:
		return true
	}
	return false
}
