package prcreator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestHost(t *testing.T, mux *http.ServeMux) *GitHubHost {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewGitHubClient(context.Background(), config.Secret("ghp_test"), srv.URL)
	require.NoError(t, err)
	return NewGitHubHost(client, fastRetry(), nil)
}

func TestGitHubHost_CreateDraftPR(t *testing.T) {
	var (
		got       github.NewPullRequest
		gotLabels []string
		auth      string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "html_url": "https://github.com/acme/widgets/pull/42"}`))
	})
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/42/labels", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotLabels))
		_, _ = w.Write([]byte(`[]`))
	})

	host := newTestHost(t, mux)
	pr, err := host.CreateDraftPR(context.Background(), DraftPRRequest{
		Owner: "acme", Repo: "widgets",
		Head: "draftpr/PROJ-1-abcdef12", Base: "main",
		Title: "Implement: thing", Body: "body",
		Labels: []string{"draft", "automated"},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", pr.URL)

	assert.True(t, got.GetDraft())
	assert.Equal(t, "draftpr/PROJ-1-abcdef12", got.GetHead())
	assert.Equal(t, "main", got.GetBase())
	assert.Equal(t, "Bearer ghp_test", auth)
	assert.Equal(t, []string{"draft", "automated"}, gotLabels)
}

func TestGitHubHost_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "u"}`))
	})

	host := newTestHost(t, mux)
	pr, err := host.CreateDraftPR(context.Background(), DraftPRRequest{Owner: "acme", Repo: "widgets", Head: "h", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGitHubHost_ValidationErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "Validation Failed"}`))
	})

	host := newTestHost(t, mux)
	_, err := host.CreateDraftPR(context.Background(), DraftPRRequest{Owner: "acme", Repo: "widgets", Head: "h", Base: "main"})
	require.Error(t, err)
	var ghErr *github.ErrorResponse
	assert.True(t, errors.As(err, &ghErr))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGitHubHost_LabelFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 9, "html_url": "u"}`))
	})
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/9/labels", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	host := newTestHost(t, mux)
	pr, err := host.CreateDraftPR(context.Background(), DraftPRRequest{
		Owner: "acme", Repo: "widgets", Head: "h", Base: "main", Labels: []string{"draft"},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Number)
}

func TestNewGitHubClient_RequiresToken(t *testing.T) {
	_, err := NewGitHubClient(context.Background(), config.Secret(""), "")
	assert.Error(t, err)
}

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in          string
		owner, repo string
	}{
		{"https://github.com/acme/widgets.git", "acme", "widgets"},
		{"https://github.com/acme/widgets", "acme", "widgets"},
		{"git@github.com:acme/widgets.git", "acme", "widgets"},
		{"ssh://git@github.com/acme/widgets.git", "acme", "widgets"},
		{"file:///tmp/x/acme/widgets.git", "acme", "widgets"},
	}
	for _, tt := range tests {
		owner, repo, err := ParseRepoURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.owner, owner, tt.in)
		assert.Equal(t, tt.repo, repo, tt.in)
	}

	for _, bad := range []string{"/local/path", "https://github.com/solo", ""} {
		_, _, err := ParseRepoURL(bad)
		assert.ErrorIs(t, err, ErrUnsupportedRemote, bad)
	}
}
