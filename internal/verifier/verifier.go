// Package verifier runs the configured test, lint and build commands
// against a working copy and classifies their failures.
package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/config"
)

var tracer = otel.Tracer("draftpr/verifier")

const maxOutputBytes = 1 << 20

// Config holds the verification commands. Empty commands are skipped.
type Config struct {
	TestCommand  string
	LintCommand  string
	BuildCommand string
	// Timeout is shared by all commands of one Verify call.
	Timeout time.Duration
}

// FromAppConfig converts application config.
func FromAppConfig(c config.VerifyConfig) Config {
	return Config{
		TestCommand:  c.TestCommand,
		LintCommand:  c.LintCommand,
		BuildCommand: c.BuildCommand,
		Timeout:      c.Timeout,
	}
}

// Check is the outcome of one command.
type Check struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Failure  FailureClass  `json:"failure_type,omitempty"`
}

// Passed reports a zero exit.
func (c Check) Passed() bool { return c.ExitCode == 0 && c.Failure == FailureNone }

// Result is the outcome of a Verify call. A failed check is a normal
// result, not an error.
type Result struct {
	Passed  bool    `json:"passed"`
	Checks  []Check `json:"checks"`
	Summary string  `json:"summary"`
}

// Verifier runs commands as subprocesses in a working copy.
type Verifier struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Verifier.
func New(cfg Config, logger *zap.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{cfg: cfg, logger: logger}
}

// Verify runs each configured command in workingCopy. Unconfigured commands
// pass vacuously. The working copy is never modified by the verifier itself.
func (v *Verifier) Verify(ctx context.Context, workingCopy string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "verifier.Verify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	res := &Result{Passed: true, Checks: []Check{}}
	for _, c := range []struct{ name, command string }{
		{"Tests", v.cfg.TestCommand},
		{"Lint", v.cfg.LintCommand},
		{"Build", v.cfg.BuildCommand},
	} {
		if strings.TrimSpace(c.command) == "" {
			continue
		}
		if err := parentErr(ctx); err != nil {
			return nil, err
		}
		check := v.run(ctx, workingCopy, c.name, c.command)
		if !check.Passed() {
			res.Passed = false
		}
		res.Checks = append(res.Checks, check)
	}
	// A canceled job is not a verification outcome.
	if err := parentErr(ctx); err != nil {
		return nil, err
	}
	res.Summary = summarize(res.Checks)

	span.SetAttributes(
		attribute.Bool("verify.passed", res.Passed),
		attribute.Int("verify.checks", len(res.Checks)),
	)
	v.logger.Info("verification finished",
		zap.Bool("passed", res.Passed),
		zap.String("summary", res.Summary),
	)
	return res, nil
}

// parentErr returns the cancellation of the caller's context, ignoring the
// verifier's own deadline.
func parentErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (v *Verifier) run(ctx context.Context, dir, name, command string) Check {
	check := Check{Name: name, Command: command}
	start := time.Now()
	defer func() { check.Duration = time.Since(start) }()

	args, err := shlex.Split(command)
	if err != nil || len(args) == 0 {
		check.ExitCode = -1
		check.Stderr = fmt.Sprintf("invalid command %q: %v", command, err)
		check.Failure = FailureExecution
		return check
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		v.logger.Warn("verification command not found", zap.String("command", args[0]))
		check.ExitCode = -1
		check.Stderr = fmt.Sprintf("Command '%s' not found in PATH", args[0])
		check.Failure = FailureCommandNotFound
		return check
	}
	if ctx.Err() != nil {
		check.ExitCode = -1
		check.Stderr = fmt.Sprintf("Command timed out after %s", v.cfg.Timeout)
		check.Failure = FailureTimeout
		return check
	}

	v.logger.Info("running verification command", zap.String("check", name), zap.String("command", command))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	stdout := &limitedBuffer{max: maxOutputBytes}
	stderr := &limitedBuffer{max: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	check.Stdout = stdout.String()
	check.Stderr = stderr.String()

	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		check.ExitCode = -1
		check.Stderr = strings.TrimSpace(check.Stderr + "\n" + fmt.Sprintf("Command timed out after %s", v.cfg.Timeout))
		check.Failure = FailureTimeout
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			check.ExitCode = exitErr.ExitCode()
		} else {
			check.ExitCode = -1
			check.Stderr = strings.TrimSpace(check.Stderr + "\n" + runErr.Error())
		}
		check.Failure = Classify(check.Stderr)
	}
	return check
}

func summarize(checks []Check) string {
	if len(checks) == 0 {
		return "No verification commands configured"
	}
	parts := make([]string, 0, len(checks))
	for _, c := range checks {
		if c.Passed() {
			parts = append(parts, c.Name+": PASSED")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: FAILED (exit code %d) (%s)", c.Name, c.ExitCode, c.Failure))
	}
	return strings.Join(parts, " | ")
}

// limitedBuffer keeps at most max bytes.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
