package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/draftpr/internal/artifact"
	"github.com/fyrsmithlabs/draftpr/internal/logging"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// maxConcurrentResumes bounds jobs continued in parallel by ResumeApproved.
const maxConcurrentResumes = 4

// ResumeApproved continues each job whose approval artifact shows up on
// events. It returns when events is closed or ctx ends, after in-flight
// jobs finish. Jobs no longer waiting for approval are skipped.
func (p *Pipeline) ResumeApproved(ctx context.Context, events <-chan artifact.ArtifactEvent) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentResumes)

	var mu sync.Mutex
	inFlight := make(map[string]bool)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Name != artifact.Approval {
				continue
			}
			jobID := ev.JobID
			mu.Lock()
			busy := inFlight[jobID]
			inFlight[jobID] = true
			mu.Unlock()
			if busy {
				continue
			}
			g.Go(func() error {
				defer func() {
					mu.Lock()
					delete(inFlight, jobID)
					mu.Unlock()
				}()
				p.resume(gctx, jobID)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (p *Pipeline) resume(ctx context.Context, jobID string) {
	ctx = logging.WithJobID(ctx, jobID)
	log := p.logger

	var a plan.Approval
	if err := p.artifacts.GetJSON(ctx, jobID, artifact.Approval, &a); err != nil {
		log.Warn(ctx, "reading approval failed", zap.Error(err))
		return
	}
	res, err := p.ContinueAfterApproval(ctx, jobID, a.PlanHash, a.Approver)
	var se *StageError
	switch {
	case errors.As(err, &se):
		log.Debug(ctx, "approval ignored, job not waiting", zap.String("stage", string(se.Stage)))
	case err != nil:
		log.Warn(ctx, "resuming approved job failed", zap.Error(err))
	default:
		log.Info(ctx, "resumed approved job", zap.String("stage", string(res.Stage)))
	}
}
