package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellExecutor(t *testing.T, script string, timeout time.Duration) *CommandExecutor {
	t.Helper()
	e, err := NewCommandExecutor(CommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Timeout: timeout,
	}, nil)
	require.NoError(t, err)
	return e
}

func request(dir string) Request {
	return Request{JobID: "job-1", WorkspacePath: dir, Instruction: "do the thing", Kind: KindPlanGeneration}
}

func TestCommandExecutor_ReadsResult(t *testing.T) {
	dir := t.TempDir()
	e := shellExecutor(t, `cat > instruction.txt; echo "$DRAFTPR_JOB_KIND"; printf '{"ok":true}' > "$DRAFTPR_RESULT_FILE"`, time.Minute)

	res, err := e.Execute(context.Background(), request(dir))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Data))
	assert.Contains(t, res.Output, KindPlanGeneration)

	instr, err := os.ReadFile(filepath.Join(dir, "instruction.txt"))
	require.NoError(t, err)
	assert.Equal(t, "do the thing", string(instr))
	assert.NoFileExists(t, filepath.Join(dir, "result.json"))
}

func TestCommandExecutor_StaleResultRemoved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "result.json"), []byte(`{"stale":true}`), 0o644))
	e := shellExecutor(t, `true`, time.Minute)

	res, err := e.Execute(context.Background(), request(dir))
	require.NoError(t, err)
	assert.Nil(t, res.Data)
}

func TestCommandExecutor_Failure(t *testing.T) {
	e := shellExecutor(t, `echo boom >&2; exit 3`, time.Minute)

	_, err := e.Execute(context.Background(), request(t.TempDir()))
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "boom")
}

func TestCommandExecutor_Timeout(t *testing.T) {
	e := shellExecutor(t, `sleep 10`, 100*time.Millisecond)

	_, err := e.Execute(context.Background(), request(t.TempDir()))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCommandExecutor_Canceled(t *testing.T) {
	e := shellExecutor(t, `sleep 10`, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.Execute(ctx, request(t.TempDir()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequest_Validate(t *testing.T) {
	valid := request("/tmp")
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Kind = "other"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Instruction = ""
	assert.Error(t, bad.Validate())
}

func TestNewCommandExecutor_RejectsEscapingResultFile(t *testing.T) {
	_, err := NewCommandExecutor(CommandConfig{Command: "x", ResultFile: "../out.json"}, nil)
	assert.Error(t, err)
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	big := make([]byte, maxCapturedOutput+10)
	n, err := b.Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.Contains(t, b.String(), "[output truncated]")
}
