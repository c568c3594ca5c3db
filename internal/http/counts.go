package http

import (
	"context"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
)

// CountByStage tallies jobs by their current stage.
//
// Jobs whose status cannot be read (for example a job directory that holds
// only a partially written input_spec) are counted in unreadable instead of
// failing the whole tally.
func CountByStage(ctx context.Context, jobs Jobs, ids []string) (stages map[pipeline.Stage]int, unreadable int) {
	stages = make(map[pipeline.Stage]int)
	for i, id := range ids {
		if ctx.Err() != nil {
			unreadable += len(ids) - i
			break
		}
		st, err := jobs.Status(ctx, id)
		if err != nil || st == nil {
			unreadable++
			continue
		}
		stages[st.Stage]++
	}
	return stages, unreadable
}
