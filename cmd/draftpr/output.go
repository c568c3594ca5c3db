package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// runWithApp opens the app for the duration of fn with SIGINT and SIGTERM
// cancelling ctx.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a pipeline result for humans, or as JSON.
func printResult(w io.Writer, res *pipeline.Result) error {
	if outputJSON {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "Job:    %s\n", res.JobID)
	fmt.Fprintf(w, "Stage:  %s\n", res.Stage)
	if n := len(res.PlanVersions); n > 0 {
		v := res.PlanVersions[n-1]
		fmt.Fprintf(w, "Plan:   v%d %s\n", v.Version, v.Hash)
		printPlan(w, v)
	}
	if c := res.Comparison; c != nil {
		fmt.Fprintf(w, "Change: %s\n", c.Summary)
	}
	if e := res.PolicyEvaluation; e != nil {
		if e.Compliant {
			fmt.Fprintln(w, "Policy: compliant")
		} else {
			fmt.Fprintf(w, "Policy: %s\n", strings.Join(e.Violations, "; "))
		}
	}
	if res.RequiresApproval {
		v := res.PlanVersions[len(res.PlanVersions)-1]
		fmt.Fprintf(w, "\nAwaiting approval. Approve with:\n  draftpr approve %s --plan-hash %s --approver <name>\n", res.JobID, v.Hash)
	}
	if v := res.Verification; v != nil {
		fmt.Fprintf(w, "Checks: %s\n", v.Summary)
	}
	if pr := res.PR; pr != nil {
		fmt.Fprintf(w, "PR:     #%d %s (%s -> %s)\n", pr.Number, pr.URL, pr.Branch, pr.Base)
	}
	if f := res.Failure; f != nil {
		fmt.Fprintf(w, "Failed: %s: %s\n", f.Stage, f.Error)
		if f.BranchPushed != "" {
			fmt.Fprintf(w, "        branch %s was pushed; open the PR manually\n", f.BranchPushed)
		}
	}
	return nil
}

func printPlan(w io.Writer, v *plan.Version) {
	fmt.Fprintf(w, "\n  %s\n", v.Spec.Summary)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\n  CHANGE\tPATH")
	for _, f := range v.Spec.Scope.Files {
		fmt.Fprintf(tw, "  %s\t%s\n", f.Change, f.Path)
	}
	_ = tw.Flush()
	if len(v.Spec.Tests) > 0 {
		fmt.Fprintln(w, "\n  Tests:")
		for _, t := range v.Spec.Tests {
			fmt.Fprintf(w, "    - [%s] %s\n", t.Type, t.Target)
		}
	}
	fmt.Fprintln(w)
}

// printStatus writes a job status for humans, or as JSON.
func printStatus(w io.Writer, st *pipeline.JobStatus) error {
	if outputJSON {
		return printJSON(w, st)
	}
	fmt.Fprintf(w, "Job:      %s\n", st.JobID)
	fmt.Fprintf(w, "Stage:    %s\n", st.Stage)
	fmt.Fprintf(w, "Mode:     %s\n", st.Mode)
	fmt.Fprintf(w, "Updated:  %s\n", st.UpdatedAt.Format(time.RFC3339))
	if a := st.Approval; a != nil {
		fmt.Fprintf(w, "Approved: %s by %s at %s\n", a.PlanHash, a.Approver, a.ApprovedAt.Format(time.RFC3339))
	}
	if pr := st.PR; pr != nil {
		fmt.Fprintf(w, "PR:       #%d %s\n", pr.Number, pr.URL)
	}
	if f := st.Failure; f != nil {
		fmt.Fprintf(w, "Failure:  %s: %s\n", f.Stage, f.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nVERSION\tHASH\tGENERATED BY\tCREATED")
	for _, v := range st.PlanVersions {
		marker := ""
		if v.Hash == st.ApprovedHash {
			marker = " (approved)"
		}
		fmt.Fprintf(tw, "v%d\t%s%s\t%s\t%s\n", v.Version, v.Hash, marker, v.GeneratedBy, v.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nArtifacts: %s\n", strings.Join(st.Artifacts, ", "))
	return nil
}
