package prcreator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/retry"
)

// ErrUnsupportedRemote is returned when owner/repo cannot be derived from
// a remote URL.
var ErrUnsupportedRemote = errors.New("unsupported remote URL")

// DraftPRRequest describes a draft pull request to open.
type DraftPRRequest struct {
	Owner  string
	Repo   string
	Head   string
	Base   string
	Title  string
	Body   string
	Labels []string
}

// PullRequest identifies a created pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Host opens draft pull requests on a code hosting service.
type Host interface {
	CreateDraftPR(ctx context.Context, req DraftPRRequest) (*PullRequest, error)
}

// NewGitHubClient creates a GitHub client with proper authentication.
// apiURL selects a GitHub Enterprise endpoint when set.
func NewGitHubClient(ctx context.Context, token config.Secret, apiURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if apiURL == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(apiURL, apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", apiURL, err)
	}
	return client, nil
}

// GitHubHost creates draft pull requests through the GitHub REST API.
type GitHubHost struct {
	client *github.Client
	retry  *retry.Config
	logger *zap.Logger
}

// NewGitHubHost wraps client. A nil retryCfg uses retry defaults.
func NewGitHubHost(client *github.Client, retryCfg *retry.Config, logger *zap.Logger) *GitHubHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubHost{client: client, retry: retryCfg, logger: logger}
}

// CreateDraftPR opens a draft PR and attaches labels. Label failures are
// logged, not returned: the PR already exists.
func (h *GitHubHost) CreateDraftPR(ctx context.Context, req DraftPRRequest) (*PullRequest, error) {
	newPR := &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Head),
		Base:  github.String(req.Base),
		Body:  github.String(req.Body),
		Draft: github.Bool(true),
	}

	pr, err := retry.DoValue(ctx, h.retry, h.logger, "create pull request", func(ctx context.Context) (*github.PullRequest, error) {
		pr, resp, err := h.client.PullRequests.Create(ctx, req.Owner, req.Repo, newPR)
		if err != nil {
			h.logger.Debug("GitHub API call failed",
				zap.String("repo", req.Owner+"/"+req.Repo),
				zap.Int("status_code", statusCode(resp)),
				zap.Error(err),
			)
		}
		return pr, classifyGitHubError(err, resp)
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request on %s/%s: %w", req.Owner, req.Repo, err)
	}

	out := &PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}

	if len(req.Labels) > 0 {
		err := retry.Do(ctx, h.retry, h.logger, "label pull request", func(ctx context.Context) error {
			_, resp, err := h.client.Issues.AddLabelsToIssue(ctx, req.Owner, req.Repo, out.Number, req.Labels)
			return classifyGitHubError(err, resp)
		})
		if err != nil {
			h.logger.Warn("failed to label pull request",
				zap.Int("pr", out.Number),
				zap.Strings("labels", req.Labels),
				zap.Error(err),
			)
		}
	}
	return out, nil
}

// ParseRepoURL extracts owner and repository name from an https or
// scp-style ssh remote URL. The last two path segments are used.
func ParseRepoURL(remote string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.Contains(remote, "://"):
		u, perr := url.Parse(remote)
		if perr != nil {
			return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRemote, remote)
		}
		path = u.Path
	case strings.Contains(remote, "@") && strings.Contains(remote, ":"):
		path = remote[strings.Index(remote, ":")+1:]
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRemote, remote)
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: cannot find owner/repo in %s", ErrUnsupportedRemote, remote)
	}
	owner, repo = parts[len(parts)-2], parts[len(parts)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("%w: cannot find owner/repo in %s", ErrUnsupportedRemote, remote)
	}
	return owner, repo, nil
}
