package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/workflows"
)

const maxInputSize = 1024 * 1024

var (
	runJobID string
	runMode  string
	runWait  bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runJobID, "job-id", "", "Job identifier (default: generated)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Override the input mode: normal or yolo")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "With --temporal, wait for the workflow to finish")
}

var runCmd = &cobra.Command{
	Use:   "run <story.yaml|->",
	Short: "Start a job from a story",
	Long: `Start a job from a YAML story file (or stdin with -).

The job generates plan v1 and stops for approval. In yolo mode a plan that
passes the auto-approval policy is applied and drafted without stopping.

Story file:
  story_key: PROJ-12
  story_summary: Validate parser input
  story_description: Empty input currently crashes the parser.
  repos:
    - url: https://github.com/acme/widgets.git
  scope:
    files:
      - path: parser/parse.py
        change: modify
  mode: normal

Examples:
  # Start a job and wait for approval
  draftpr run story.yaml

  # Let policy approve small plans
  draftpr run story.yaml --mode yolo

  # Run as a durable workflow
  draftpr run story.yaml --temporal`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		if runMode != "" {
			mode, err := pipeline.ParseMode(runMode)
			if err != nil {
				return err
			}
			in.Mode = mode
		}
		if err := in.Validate(); err != nil {
			return fmt.Errorf("invalid story: %w", err)
		}
		jobID := runJobID
		if jobID == "" {
			jobID = uuid.NewString()
		}

		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			if useTemporal {
				return startWorkflow(ctx, cmd, a, jobID, *in)
			}
			if err := a.withPipeline(ctx); err != nil {
				return err
			}
			res, err := a.pipeline.Run(ctx, jobID, *in)
			if res != nil {
				_ = printResult(cmd.OutOrStdout(), res)
			}
			return err
		})
	},
}

func startWorkflow(ctx context.Context, cmd *cobra.Command, a *app, jobID string, in pipeline.InputSpec) error {
	if err := a.withTemporal(); err != nil {
		return err
	}
	run, err := a.workflows().Start(ctx, workflows.DraftPRInput{JobID: jobID, Input: in})
	if err != nil {
		return err
	}
	if !runWait {
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"job_id":      jobID,
				"workflow_id": run.GetID(),
				"run_id":      run.GetRunID(),
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started job %s (workflow %s)\n", jobID, run.GetID())
		return nil
	}
	var res pipeline.Result
	if err := run.Get(ctx, &res); err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), &res)
}

// readInput decodes a YAML story from path, or from stdin when path is "-".
// Unknown keys are rejected.
func readInput(stdin io.Reader, path string) (*pipeline.InputSpec, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open story %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read story: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("story exceeds %d bytes", maxInputSize)
	}

	var in pipeline.InputSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("story is empty")
		}
		return nil, fmt.Errorf("failed to parse story: %w", err)
	}
	return &in, nil
}
