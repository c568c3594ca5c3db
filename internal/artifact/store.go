package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/redact"
	"github.com/fyrsmithlabs/draftpr/internal/retry"
)

const (
	// DefaultMaxSize caps a single artifact payload.
	DefaultMaxSize int64 = 100 * 1024 * 1024

	metadataSuffix = ".metadata.json"
	jsonExt        = ".json"
	textExt        = ".txt"
)

// Artifact names used by the pipeline.
const (
	InputSpec            = "input_spec"
	WorkspaceFingerprint = "workspace_fingerprint"
	GitDiff              = "git_diff"
	ValidationLogs       = "validation_logs"
	StdoutStderr         = "stdout_stderr"
	PRMetadata           = "pr_metadata"
	PRRecovery           = "pr_recovery"
	Approval             = "approval"
	JobState             = "job_state"
	PolicyEvaluation     = "policy_evaluation"
)

// PlanComparison returns the artifact key for the comparison that produced
// plan version n.
func PlanComparison(n int) string {
	return fmt.Sprintf("plan_comparison_v%d", n)
}

var textArtifacts = map[string]bool{
	GitDiff:        true,
	ValidationLogs: true,
	StdoutStderr:   true,
}

// Config configures a Store.
type Config struct {
	BaseDir string
	MaxSize int64
	Retry   *retry.Config

	// Redactor, when set, scrubs secrets from text artifacts before they
	// are written.
	Redactor Redactor
}

// Redactor removes secrets from text.
type Redactor interface {
	Redact(content string) (*redact.Result, error)
}

// Store is a filesystem-backed artifact store. It is safe for concurrent use
// across jobs; writes within a job are last-writer-wins per artifact name.
type Store struct {
	baseDir  string
	maxSize  int64
	retry    *retry.Config
	redactor Redactor
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewStore creates the base directory if needed and returns a Store.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("artifact base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifact base directory: %w", err)
	}
	return &Store{
		baseDir:  cfg.BaseDir,
		maxSize:  cfg.MaxSize,
		retry:    cfg.Retry,
		redactor: cfg.Redactor,
		logger:   logger,
		tracer:   otel.Tracer("draftpr/artifact"),
	}, nil
}

// BaseDir returns the store root.
func (s *Store) BaseDir() string { return s.baseDir }

// Put stores data under jobID/name and returns its path relative to the
// store root. meta, when non-empty, is written as a sidecar.
func (s *Store) Put(ctx context.Context, jobID, name string, data []byte, meta map[string]string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.put", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("artifact.name", name),
		attribute.Int("artifact.size", len(data)),
	))
	defer span.End()

	if err := validateKey(jobID, name); err != nil {
		return "", err
	}
	if int64(len(data)) > s.maxSize {
		return "", &ValidationError{JobID: jobID, Name: name, Reason: fmt.Sprintf(
			"exceeds size limit of %.0fMB (size %.2fMB)",
			float64(s.maxSize)/(1024*1024), float64(len(data))/(1024*1024))}
	}

	if s.redactor != nil && textArtifacts[name] {
		scrubbed, rules, err := s.scrub(data)
		if err != nil {
			span.RecordError(err)
			return "", &StoreError{JobID: jobID, Name: name, Err: err}
		}
		if len(rules) > 0 {
			data = scrubbed
			meta = withRedactions(meta, rules)
			s.logger.Info("redacted secrets from artifact",
				zap.String("job_id", jobID),
				zap.String("artifact", name),
				zap.Strings("rules", rules),
			)
		}
	}

	jobDir := filepath.Join(s.baseDir, jobID)
	path := filepath.Join(jobDir, name+extension(name))

	err := retry.Do(ctx, s.retry, s.logger, "artifact.put", func(context.Context) error {
		if err := os.MkdirAll(jobDir, 0o750); err != nil {
			return err
		}
		if err := writeFileAtomic(path, data, 0o640); err != nil {
			return err
		}
		if len(meta) > 0 {
			mb, err := json.MarshalIndent(meta, "", "  ")
			if err != nil {
				return retry.Permanent(err)
			}
			return writeFileAtomic(filepath.Join(jobDir, name+metadataSuffix), mb, 0o640)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return "", &StoreError{JobID: jobID, Name: name, Err: err}
	}

	s.logger.Debug("stored artifact",
		zap.String("job_id", jobID),
		zap.String("artifact", name),
		zap.Int("bytes", len(data)),
	)
	return filepath.Join(jobID, filepath.Base(path)), nil
}

// PutJSON marshals v with indentation and stores it.
func (s *Store) PutJSON(ctx context.Context, jobID, name string, v any, meta map[string]string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", &ValidationError{JobID: jobID, Name: name, Reason: fmt.Sprintf("not serializable: %v", err)}
	}
	return s.Put(ctx, jobID, name, data, meta)
}

// Get returns the raw artifact bytes, or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID, name string) ([]byte, error) {
	if err := validateKey(jobID, name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, jobID, name+extension(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", jobID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s/%s: %w", jobID, name, err)
	}
	return data, nil
}

// GetJSON decodes a JSON artifact into v.
func (s *Store) GetJSON(ctx context.Context, jobID, name string, v any) error {
	data, err := s.Get(ctx, jobID, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding artifact %s/%s: %w", jobID, name, err)
	}
	return nil
}

// Metadata returns an artifact's sidecar metadata, or ErrNotFound.
func (s *Store) Metadata(ctx context.Context, jobID, name string) (map[string]string, error) {
	if err := validateKey(jobID, name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, jobID, name+metadataSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s metadata: %w", jobID, name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata %s/%s: %w", jobID, name, err)
	}
	return meta, nil
}

// List returns the sorted artifact names stored for jobID. An unknown job
// yields an empty list.
func (s *Store) List(ctx context.Context, jobID string) ([]string, error) {
	if err := validateSegment(jobID); err != nil {
		return nil, &ValidationError{JobID: jobID, Reason: err.Error()}
	}
	entries, err := os.ReadDir(filepath.Join(s.baseDir, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for %s: %w", jobID, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasSuffix(n, metadataSuffix) || strings.HasSuffix(n, ".tmp") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, filepath.Ext(n)))
	}
	sort.Strings(names)
	return names, nil
}

// Jobs returns the IDs of all jobs with a directory in the store.
func (s *Store) Jobs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			jobs = append(jobs, e.Name())
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// DeleteJob removes every artifact for jobID. Deleting an unknown job is not an error.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	if err := validateSegment(jobID); err != nil {
		return &ValidationError{JobID: jobID, Reason: err.Error()}
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, jobID)); err != nil {
		return fmt.Errorf("deleting artifacts for %s: %w", jobID, err)
	}
	s.logger.Info("deleted job artifacts", zap.String("job_id", jobID))
	return nil
}

// IsText reports whether name is stored as plain text rather than JSON.
func IsText(name string) bool { return textArtifacts[name] }

func extension(name string) string {
	if textArtifacts[name] {
		return textExt
	}
	return jsonExt
}

func validateKey(jobID, name string) error {
	if err := validateSegment(jobID); err != nil {
		return &ValidationError{JobID: jobID, Name: name, Reason: "job id " + err.Error()}
	}
	if err := validateSegment(name); err != nil {
		return &ValidationError{JobID: jobID, Name: name, Reason: "name " + err.Error()}
	}
	return nil
}

func validateSegment(s string) error {
	switch {
	case s == "":
		return errors.New("must not be empty")
	case s == "." || s == "..":
		return errors.New("must not be a relative path element")
	case strings.ContainsAny(s, `/\`+"\x00"):
		return errors.New("must not contain path separators")
	}
	return nil
}

// writeFileAtomic writes to a temp file, fsyncs, then renames over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) scrub(data []byte) ([]byte, []string, error) {
	res, err := s.redactor.Redact(string(data))
	if err != nil {
		return nil, nil, fmt.Errorf("redacting secrets: %w", err)
	}
	if len(res.Findings) == 0 {
		return data, nil, nil
	}
	return []byte(res.Content), res.Rules(), nil
}

// withRedactions copies meta and records which rules fired.
func withRedactions(meta map[string]string, rules []string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["redacted_rules"] = strings.Join(rules, ",")
	return out
}
