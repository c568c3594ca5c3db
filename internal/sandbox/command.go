package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("draftpr/sandbox")

const (
	defaultResultFile    = "result.json"
	defaultMaxResultSize = 10 << 20
	maxCapturedOutput    = 1 << 20
)

// CommandConfig configures a CommandExecutor.
type CommandConfig struct {
	// Command is the agent executable. Args are passed through unchanged.
	Command string
	Args    []string
	// ResultFile is read from the workspace after the command exits.
	ResultFile    string
	Timeout       time.Duration
	MaxResultSize int64
	Env           []string
}

// CommandExecutor runs an agent command in the workspace. The instruction
// is written to the command's stdin and the structured result is read from
// ResultFile once the command exits.
type CommandExecutor struct {
	cfg    CommandConfig
	logger *zap.Logger
}

// NewCommandExecutor returns an executor for cfg.
func NewCommandExecutor(cfg CommandConfig, logger *zap.Logger) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, errors.New("backend command is required")
	}
	if cfg.ResultFile == "" {
		cfg.ResultFile = defaultResultFile
	}
	if filepath.IsAbs(cfg.ResultFile) || strings.Contains(cfg.ResultFile, "..") {
		return nil, fmt.Errorf("result file must be relative to the workspace: %q", cfg.ResultFile)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if cfg.MaxResultSize <= 0 {
		cfg.MaxResultSize = defaultMaxResultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{cfg: cfg, logger: logger}, nil
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "sandbox.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.kind", req.Kind),
	)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resultPath := filepath.Join(req.WorkspacePath, e.cfg.ResultFile)
	// A result left by an earlier run must never be mistaken for this one.
	_ = os.Remove(resultPath)

	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Dir = req.WorkspacePath
	cmd.Stdin = strings.NewReader(req.Instruction)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"DRAFTPR_JOB_ID="+req.JobID,
		"DRAFTPR_JOB_KIND="+req.Kind,
		"DRAFTPR_RESULT_FILE="+e.cfg.ResultFile,
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr cappedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	e.logger.Info("dispatching to execution backend",
		zap.String("job_id", req.JobID),
		zap.String("kind", req.Kind),
		zap.String("command", e.cfg.Command),
	)
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "canceled")
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			e.logger.Warn("execution backend timed out",
				zap.String("job_id", req.JobID),
				zap.Duration("timeout", e.cfg.Timeout),
			)
			return nil, fmt.Errorf("%s after %s: %w", req.Kind, e.cfg.Timeout, ErrTimeout)
		}
		return nil, ctxErr
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		execErr := &ExecutionError{Kind: req.Kind, Stderr: stderr.String(), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		return nil, execErr
	}

	e.logger.Info("execution backend finished",
		zap.String("job_id", req.JobID),
		zap.Duration("duration", duration),
	)

	data, err := e.readResult(resultPath)
	if err != nil {
		return nil, &ExecutionError{Kind: req.Kind, Stderr: stderr.String(), Err: err}
	}
	return &Result{Data: data, Output: stdout.String()}, nil
}

func (e *CommandExecutor) readResult(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	if info.Size() > e.cfg.MaxResultSize {
		return nil, fmt.Errorf("result file too large: %d bytes (max %d)", info.Size(), e.cfg.MaxResultSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	// The result file is not part of the change set.
	_ = os.Remove(path)
	return bytes.TrimSpace(data), nil
}

// cappedBuffer keeps the first maxCapturedOutput bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

var _ io.Writer = (*cappedBuffer)(nil)

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxCapturedOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
