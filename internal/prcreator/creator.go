// Package prcreator publishes applied changes as a draft pull request: it
// creates a feature branch, pushes it and asks the code host for a draft PR.
package prcreator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/packager"
	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/vcs"
)

var tracer = otel.Tracer("draftpr/prcreator")

const (
	branchPrefix      = "draftpr/"
	maxBranchAttempts = 5
	defaultRemote     = "origin"
	defaultGitUser    = "x-access-token"
)

// PRCreationError reports a branch that reached the remote without a PR.
// The branch can be used to open the PR by hand.
type PRCreationError struct {
	Branch     string    `json:"branch"`
	Base       string    `json:"base"`
	Remote     string    `json:"remote"`
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	Pushed     bool      `json:"pushed"`
	Title      string    `json:"title"`
	OccurredAt time.Time `json:"occurred_at"`
	Err        error     `json:"-"`
}

func (e *PRCreationError) Error() string {
	return fmt.Sprintf("branch %s was pushed to %s but PR creation failed, branch exists without a PR: %v",
		e.Branch, e.Remote, e.Err)
}

func (e *PRCreationError) Unwrap() error { return e.Err }

// Config configures branch publishing.
type Config struct {
	// Remote is the git remote to push to. Default: origin
	Remote string

	// DefaultBranch is used when the remote's default cannot be detected.
	// Default: main
	DefaultBranch string

	// Token authenticates pushes over https. Unset means no auth.
	Token config.Secret

	// Username pairs with Token. Default: x-access-token
	Username string
}

// Input describes the change to publish.
type Input struct {
	RepoPath          string
	JobID             string
	TicketKey         string
	DestinationBranch string
	Version           *plan.Version
	Metadata          packager.Metadata
}

// Result identifies the created pull request.
type Result struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
}

// Creator pushes branches and opens draft PRs.
type Creator struct {
	host   Host
	cfg    Config
	logger *zap.Logger
}

// New creates a Creator publishing to host.
func New(host Host, cfg Config, logger *zap.Logger) *Creator {
	if cfg.Remote == "" {
		cfg.Remote = defaultRemote
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.Username == "" {
		cfg.Username = defaultGitUser
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Creator{host: host, cfg: cfg, logger: logger}
}

// Create publishes the HEAD of the destination branch as a new branch and
// opens a draft PR against the destination.
func (c *Creator) Create(ctx context.Context, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "prcreator.Create")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", in.JobID))

	res, err := c.create(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("pr.branch", res.Branch),
		attribute.Int("pr.number", res.Number),
	)
	return res, nil
}

func (c *Creator) create(ctx context.Context, in Input) (*Result, error) {
	if in.Version == nil {
		return nil, errors.New("plan version is required")
	}

	repo, err := vcs.Open(in.RepoPath)
	if err != nil {
		return nil, err
	}

	remoteURL, err := repo.RemoteURL(c.cfg.Remote)
	if err != nil {
		return nil, err
	}
	owner, name, err := ParseRepoURL(remoteURL)
	if err != nil {
		return nil, err
	}

	base := in.DestinationBranch
	if base == "" {
		base = repo.DefaultBranch(c.cfg.Remote, c.cfg.DefaultBranch)
	}
	at, err := repo.ResolveBranch(base, c.cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("resolving destination branch: %w", err)
	}

	branch, err := c.createBranch(repo, in, at)
	if err != nil {
		return nil, err
	}

	if err := repo.Push(ctx, c.cfg.Remote, branch, c.auth(remoteURL)); err != nil {
		c.discardBranch(repo, branch, base)
		return nil, fmt.Errorf("failed to push branch %s: %w", branch, err)
	}
	if err := repo.SetUpstream(branch, c.cfg.Remote); err != nil {
		c.logger.Warn("failed to set upstream", zap.String("branch", branch), zap.Error(err))
	}
	c.logger.Info("pushed branch",
		zap.String("job_id", in.JobID),
		zap.String("branch", branch),
		zap.String("remote", c.cfg.Remote),
	)

	pr, err := c.host.CreateDraftPR(ctx, DraftPRRequest{
		Owner:  owner,
		Repo:   name,
		Head:   branch,
		Base:   base,
		Title:  in.Metadata.Title,
		Body:   in.Metadata.Description,
		Labels: in.Metadata.Labels,
	})
	if err != nil {
		c.logger.Error("branch pushed but PR creation failed",
			zap.String("job_id", in.JobID),
			zap.String("branch", branch),
			zap.Error(err),
		)
		return nil, &PRCreationError{
			Branch:     branch,
			Base:       base,
			Remote:     remoteURL,
			Owner:      owner,
			Repo:       name,
			Pushed:     true,
			Title:      in.Metadata.Title,
			OccurredAt: time.Now().UTC(),
			Err:        err,
		}
	}

	c.logger.Info("created draft PR",
		zap.String("job_id", in.JobID),
		zap.Int("pr", pr.Number),
		zap.String("url", pr.URL),
	)
	return &Result{Number: pr.Number, URL: pr.URL, Branch: branch, Base: base, Owner: owner, Repo: name}, nil
}

// createBranch tries the base branch name and then numbered suffixes until
// one is free locally and on the remote.
func (c *Creator) createBranch(repo *vcs.Repo, in Input, at plumbing.Hash) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxBranchAttempts; attempt++ {
		name := BranchName(in.JobID, in.TicketKey, in.Version.Hash, attempt)
		if _, err := repo.ResolveBranch(name, c.cfg.Remote); err == nil {
			lastErr = fmt.Errorf("%w: %s", vcs.ErrBranchExists, name)
			c.logger.Warn("branch name collision", zap.String("branch", name), zap.Int("attempt", attempt+1))
			continue
		}
		if err := repo.CreateBranch(name, at); err != nil {
			if errors.Is(err, vcs.ErrBranchExists) {
				lastErr = err
				continue
			}
			return "", err
		}
		return name, nil
	}
	return "", fmt.Errorf("failed to create branch after %d attempts: %w", maxBranchAttempts, lastErr)
}

func (c *Creator) discardBranch(repo *vcs.Repo, branch, base string) {
	if err := repo.Checkout(base); err != nil {
		c.logger.Warn("failed to restore destination branch", zap.String("branch", base), zap.Error(err))
		return
	}
	if err := repo.DeleteBranch(branch); err != nil {
		c.logger.Warn("failed to delete local branch", zap.String("branch", branch), zap.Error(err))
	}
}

func (c *Creator) auth(remoteURL string) transport.AuthMethod {
	if !c.cfg.Token.IsSet() || !strings.HasPrefix(remoteURL, "http") {
		return nil
	}
	return &githttp.BasicAuth{Username: c.cfg.Username, Password: c.cfg.Token.Value()}
}

// BranchName builds draftpr/{ticket}-{hash8} when a ticket key is given,
// else draftpr/{jobID}. A positive suffix is appended as -N.
func BranchName(jobID, ticketKey, planHash string, suffix int) string {
	var base string
	if ticketKey != "" {
		key := sanitize(ticketKey, "-_")
		if key == "" {
			key = "ticket"
		}
		h := planHash
		if len(h) > 8 {
			h = h[:8]
		}
		base = branchPrefix + key + "-" + h
	} else {
		base = branchPrefix + sanitize(jobID, "-")
	}
	if suffix > 0 {
		return fmt.Sprintf("%s-%d", base, suffix)
	}
	return base
}

func sanitize(s, allowed string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune(allowed, r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
