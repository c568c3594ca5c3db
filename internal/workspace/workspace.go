// Package workspace manages the per-job working copies the pipeline plans
// against and applies changes to.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
)

// ErrNoRepository is returned when a workspace holds no git repository.
var ErrNoRepository = errors.New("workspace contains no repository")

// CloneError reports a failed clone. Timeout is set when the clone deadline expired.
type CloneError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *CloneError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("clone timeout for %s", e.URL)
	}
	return fmt.Sprintf("failed to clone %s: %v", e.URL, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// Config configures a Manager.
type Config struct {
	BaseDir      string
	CloneTimeout time.Duration
	Shallow      bool
	GitUsername  string
	GitToken     string
	MaxAge       time.Duration
}

// Manager creates, reuses and removes job workspaces under a base directory.
type Manager struct {
	cfg    Config
	logger *zap.Logger
}

// NewManager creates the base directory and returns a Manager.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("workspace base directory is required")
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace base directory: %w", err)
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// Path returns the workspace directory for jobID.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.cfg.BaseDir, jobID)
}

// Create clones repos into a fresh workspace for jobID. On any failure the
// partially created workspace is removed.
func (m *Manager) Create(ctx context.Context, jobID string, repos []plan.RepoRef) (string, error) {
	path := m.Path(jobID)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("creating workspace for %s: %w", jobID, err)
	}
	m.logger.Info("created workspace", zap.String("job_id", jobID), zap.String("path", path))

	seen := make(map[string]string, len(repos))
	for _, r := range repos {
		if r.URL == "" {
			m.Cleanup(jobID)
			return "", &CloneError{Err: errors.New("repository URL is required")}
		}
		name := RepoName(r.URL)
		if other, dup := seen[name]; dup {
			m.Cleanup(jobID)
			return "", fmt.Errorf("repositories %s and %s both map to directory %q", other, r.URL, name)
		}
		seen[name] = r.URL
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range repos {
		g.Go(func() error {
			return m.clone(gctx, r, filepath.Join(path, RepoName(r.URL)))
		})
	}
	if err := g.Wait(); err != nil {
		m.Cleanup(jobID)
		return "", err
	}
	return path, nil
}

// Ensure returns the existing workspace for jobID if it holds a repository,
// otherwise it creates one. A resumed job reuses the working copy it planned
// against.
func (m *Manager) Ensure(ctx context.Context, jobID string, repos []plan.RepoRef) (string, error) {
	path := m.Path(jobID)
	if _, err := PrimaryRepo(path); err == nil {
		return path, nil
	}
	return m.Create(ctx, jobID, repos)
}

func (m *Manager) clone(ctx context.Context, ref plan.RepoRef, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout)
	defer cancel()

	opts := &git.CloneOptions{URL: ref.URL, Auth: m.auth(ref.URL)}
	if m.cfg.Shallow {
		opts.Depth = 1
	}
	if ref.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref.Ref)
		opts.SingleBranch = true
	}

	m.logger.Info("cloning repository",
		zap.String("url", ref.URL),
		zap.String("ref", ref.Ref),
		zap.String("dest", dest),
	)
	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		_ = os.RemoveAll(dest)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &CloneError{URL: ref.URL, Timeout: true, Err: err}
		}
		return &CloneError{URL: ref.URL, Err: err}
	}
	return nil
}

func (m *Manager) auth(url string) transport.AuthMethod {
	if m.cfg.GitToken == "" || !strings.HasPrefix(url, "https://") {
		return nil
	}
	user := m.cfg.GitUsername
	if user == "" {
		user = "x-access-token"
	}
	return &githttp.BasicAuth{Username: user, Password: m.cfg.GitToken}
}

// Cleanup removes the workspace for jobID. It reports whether the removal succeeded.
func (m *Manager) Cleanup(jobID string) bool {
	if err := os.RemoveAll(m.Path(jobID)); err != nil {
		m.logger.Warn("failed to clean up workspace", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return true
}

// CleanupOrphans removes workspaces older than the configured max age,
// left behind by crashed jobs. It returns the number removed.
func (m *Manager) CleanupOrphans(now time.Time) (int, error) {
	entries, err := os.ReadDir(m.cfg.BaseDir)
	if err != nil {
		return 0, fmt.Errorf("listing workspaces: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < m.cfg.MaxAge {
			continue
		}
		if m.Cleanup(e.Name()) {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("removed orphaned workspaces", zap.Int("count", removed))
	}
	return removed, nil
}

// PrimaryRepo returns the first repository directory in lexical order.
func PrimaryRepo(workspacePath string) (string, error) {
	entries, err := os.ReadDir(workspacePath)
	if err != nil {
		return "", fmt.Errorf("reading workspace %s: %w", workspacePath, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := os.Stat(filepath.Join(workspacePath, n, ".git")); err == nil {
			return filepath.Join(workspacePath, n), nil
		}
	}
	return "", fmt.Errorf("%s: %w", workspacePath, ErrNoRepository)
}

// RepoName derives a filesystem-safe directory name from a repository URL.
func RepoName(url string) string {
	url = strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	name := url
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		name = url[i+1:]
	}
	if strings.Trim(name, ". ") == "" {
		return "repository"
	}
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_", "\x00", "_").Replace(name)
	name = strings.Trim(name, ". ")
	if name == "" {
		return "repository"
	}
	return name
}
