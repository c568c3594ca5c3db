package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/redact"
	"github.com/fyrsmithlabs/draftpr/internal/retry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{
		BaseDir: t.TempDir(),
		Retry:   &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return s
}

func TestStore_PutGetJSON(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type payload struct {
		Version int    `json:"version"`
		Hash    string `json:"plan_hash"`
	}
	loc, err := s.PutJSON(ctx, "job-1", "plan_v1", payload{Version: 1, Hash: "abc"}, map[string]string{"generated_by": "text"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("job-1", "plan_v1.json"), loc)

	var got payload
	require.NoError(t, s.GetJSON(ctx, "job-1", "plan_v1", &got))
	assert.Equal(t, payload{Version: 1, Hash: "abc"}, got)

	meta, err := s.Metadata(ctx, "job-1", "plan_v1")
	require.NoError(t, err)
	assert.Equal(t, "text", meta["generated_by"])
}

func TestStore_TextArtifactsUseTxt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	loc, err := s.Put(ctx, "job-1", GitDiff, []byte("diff --git a/x b/x\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("job-1", "git_diff.txt"), loc)

	data, err := s.Get(ctx, "job-1", GitDiff)
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/x b/x\n", string(data))

	_, err = s.Metadata(ctx, "job-1", GitDiff)
	assert.ErrorIs(t, err, ErrNotFound)
}

type tokenRedactor struct {
	token string
	err   error
	calls int
}

func (r *tokenRedactor) Redact(content string) (*redact.Result, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if !strings.Contains(content, r.token) {
		return &redact.Result{Content: content}, nil
	}
	return &redact.Result{
		Content:  strings.ReplaceAll(content, r.token, "[REDACTED:github-pat]"),
		Findings: []redact.Finding{{RuleID: "github-pat", Line: 1, Secret: r.token}},
	}, nil
}

func TestStore_RedactsTextArtifacts(t *testing.T) {
	ctx := context.Background()
	red := &tokenRedactor{token: "ghp_secretvalue"}
	s, err := NewStore(Config{BaseDir: t.TempDir(), Redactor: red}, nil)
	require.NoError(t, err)

	_, err = s.Put(ctx, "job-1", ValidationLogs, []byte("auth ghp_secretvalue failed\n"), map[string]string{"checks": "2"})
	require.NoError(t, err)

	data, err := s.Get(ctx, "job-1", ValidationLogs)
	require.NoError(t, err)
	assert.Equal(t, "auth [REDACTED:github-pat] failed\n", string(data))

	meta, err := s.Metadata(ctx, "job-1", ValidationLogs)
	require.NoError(t, err)
	assert.Equal(t, "2", meta["checks"])
	assert.Equal(t, "github-pat", meta["redacted_rules"])

	// JSON artifacts are not scanned.
	_, err = s.PutJSON(ctx, "job-1", JobState, map[string]string{"token": "ghp_secretvalue"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, red.calls)

	// Clean text keeps its metadata untouched.
	_, err = s.Put(ctx, "job-1", GitDiff, []byte("diff --git a/x b/x\n"), nil)
	require.NoError(t, err)
	_, err = s.Metadata(ctx, "job-1", GitDiff)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RedactionFailureRejectsWrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(Config{BaseDir: t.TempDir(), Redactor: &tokenRedactor{err: errors.New("detector unavailable")}}, nil)
	require.NoError(t, err)

	_, err = s.Put(ctx, "job-1", GitDiff, []byte("diff"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector unavailable")

	_, err = s.Get(ctx, "job-1", GitDiff)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "job-1", "plan_v9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	names, err := s.List(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.PutJSON(ctx, "job-1", "plan_v1", map[string]int{"v": 1}, map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "job-1", ValidationLogs, []byte("ok"), nil)
	require.NoError(t, err)
	_, err = s.PutJSON(ctx, "job-1", InputSpec, map[string]string{}, nil)
	require.NoError(t, err)

	names, err = s.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"input_spec", "plan_v1", "validation_logs"}, names)
}

func TestStore_Validation(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(Config{BaseDir: t.TempDir(), MaxSize: 8}, nil)
	require.NoError(t, err)

	_, err = s.Put(ctx, "job-1", GitDiff, []byte("0123456789"), nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Reason, "exceeds size limit")

	for _, bad := range []struct{ job, name string }{
		{"", "plan_v1"},
		{"..", "plan_v1"},
		{"job/../../etc", "plan_v1"},
		{"job-1", "../passwd"},
		{"job-1", ""},
	} {
		_, err := s.Put(ctx, bad.job, bad.name, []byte("x"), nil)
		assert.True(t, errors.As(err, &ve), "job=%q name=%q", bad.job, bad.name)
	}
}

func TestStore_PutRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A regular file where the job directory should be makes every attempt fail.
	require.NoError(t, os.WriteFile(filepath.Join(s.BaseDir(), "job-1"), []byte("x"), 0o600))

	_, err := s.Put(ctx, "job-1", "plan_v1", []byte("{}"), nil)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "job-1", JobState, []byte(`{"stage":"PLANNING"}`), nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "job-1", JobState, []byte(`{"stage":"APPLYING"}`), nil)
	require.NoError(t, err)

	data, err := s.Get(ctx, "job-1", JobState)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"APPLYING"}`, string(data))
}

func TestStore_DeleteJobAndJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "job-a", InputSpec, []byte("{}"), nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "job-b", InputSpec, []byte("{}"), nil)
	require.NoError(t, err)

	jobs, err := s.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, jobs)

	require.NoError(t, s.DeleteJob(ctx, "job-a"))
	require.NoError(t, s.DeleteJob(ctx, "job-a"))

	jobs, err = s.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-b"}, jobs)
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "old-job", InputSpec, []byte("{}"), nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "new-job", InputSpec, []byte("{}"), nil)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	oldDir := filepath.Join(s.BaseDir(), "old-job")
	require.NoError(t, os.Chtimes(filepath.Join(oldDir, "input_spec.json"), old, old))
	require.NoError(t, os.Chtimes(oldDir, old, old))

	purged, err := s.Sweep(ctx, 24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-job"}, purged)

	jobs, err := s.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new-job"}, jobs)
}

func TestStore_Watch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newTestStore(t)

	// Approval written before the watch starts is reported on the initial scan.
	_, err := s.PutJSON(ctx, "job-early", Approval, map[string]string{"plan_hash": "h"}, nil)
	require.NoError(t, err)

	w, err := s.Watch(ctx, Approval)
	require.NoError(t, err)
	defer w.Close()

	seen := map[string]bool{}
	waitFor := func(jobID string) {
		t.Helper()
		for !seen[jobID] {
			select {
			case ev, ok := <-w.Events():
				require.True(t, ok, "watcher closed early")
				assert.Equal(t, Approval, ev.Name)
				seen[ev.JobID] = true
			case <-ctx.Done():
				t.Fatalf("timed out waiting for approval event for %s", jobID)
			}
		}
	}
	waitFor("job-early")

	_, err = s.PutJSON(ctx, "job-late", Approval, map[string]string{"plan_hash": "h"}, nil)
	require.NoError(t, err)
	waitFor("job-late")
}
