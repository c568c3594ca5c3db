// Package generator produces and revises hash-chained plan versions.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/workspace"
)

var tracer = otel.Tracer("draftpr/generator")

// ErrNoBackend is returned when no backend can serve a request.
var ErrNoBackend = errors.New("no code-aware or text generation backend available")

// GenerationError reports a failed generation attempt. The caller may retry
// or switch backend.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("plan generation failed: %v", e.Err)
	}
	return fmt.Sprintf("plan generation failed (%s): %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config configures a Generator. Either backend may be nil.
type Config struct {
	CodeAware Backend
	Text      Backend
	// KnownRepos are repository names a plan may reference without them
	// being part of the job.
	KnownRepos []string
}

// Generator builds plan versions from a backend's output.
type Generator struct {
	codeAware  Backend
	text       Backend
	knownRepos []string
	logger     *zap.Logger
}

// New returns a Generator.
func New(cfg Config, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		codeAware:  cfg.CodeAware,
		text:       cfg.Text,
		knownRepos: cfg.KnownRepos,
		logger:     logger,
	}
}

// GenerateInput is the story context for plan v1.
type GenerateInput struct {
	JobID             string
	StoryKey          string
	StorySummary      string
	StoryDescription  string
	Scope             *plan.Scope
	Repos             []plan.RepoRef
	AdditionalContext string
	UseCodeAware      bool
	WorkspacePath     string
}

// ReviseInput is the context for producing the version after Previous.
type ReviseInput struct {
	JobID         string
	Previous      *plan.Version
	Feedback      plan.Feedback
	Repos         []plan.RepoRef
	UseCodeAware  bool
	WorkspacePath string
}

// Generate produces plan v1. Nothing is persisted.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*plan.Version, error) {
	ctx, span := tracer.Start(ctx, "generator.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", in.JobID))

	prompt, err := renderGenerationPrompt(in)
	if err != nil {
		return nil, err
	}
	v, err := g.produce(ctx, in.JobID, prompt, in.Repos, in.UseCodeAware, in.WorkspacePath, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	g.logger.Info("generated plan",
		zap.String("job_id", in.JobID),
		zap.Int("version", v.Version),
		zap.String("hash", v.ShortHash()),
		zap.String("generated_by", v.GeneratedBy),
	)
	return v, nil
}

// Revise produces the version following in.Previous. The previous
// version's hash is verified before it is used as input.
func (g *Generator) Revise(ctx context.Context, in ReviseInput) (*plan.Version, error) {
	ctx, span := tracer.Start(ctx, "generator.Revise")
	defer span.End()
	if in.Previous == nil {
		return nil, errors.New("previous plan version is required")
	}
	span.SetAttributes(
		attribute.String("job.id", in.JobID),
		attribute.Int("plan.previous_version", in.Previous.Version),
	)
	if err := plan.VerifyVersion(in.Previous); err != nil {
		return nil, err
	}

	prompt, err := renderRevisionPrompt(in.Previous, in.Feedback)
	if err != nil {
		return nil, err
	}
	fb := in.Feedback
	v, err := g.produce(ctx, in.JobID, prompt, in.Repos, in.UseCodeAware, in.WorkspacePath, in.Previous, &fb)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	g.logger.Info("revised plan",
		zap.String("job_id", in.JobID),
		zap.Int("version", v.Version),
		zap.String("hash", v.ShortHash()),
	)
	return v, nil
}

func (g *Generator) produce(
	ctx context.Context,
	jobID, prompt string,
	repos []plan.RepoRef,
	useCodeAware bool,
	workspacePath string,
	previous *plan.Version,
	feedback *plan.Feedback,
) (*plan.Version, error) {
	backend := g.selectBackend(useCodeAware, repos, workspacePath)
	if backend == nil {
		return nil, &GenerationError{Err: ErrNoBackend}
	}

	raw, err := backend.Generate(ctx, Request{JobID: jobID, WorkspacePath: workspacePath, Prompt: prompt})
	if err != nil {
		return nil, &GenerationError{Backend: backend.Name(), Err: err}
	}
	raw, err = dropVersionField(raw)
	if err != nil {
		return nil, &GenerationError{Backend: backend.Name(), Err: err}
	}

	spec, err := plan.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("plan validation failed: %w", err)
	}

	// Enrichment happens before hashing so the stored hash covers it.
	g.enrich(spec, repos)

	return plan.NewVersion(*spec, previous, feedback, backend.Name())
}

func (g *Generator) selectBackend(useCodeAware bool, repos []plan.RepoRef, workspacePath string) Backend {
	if useCodeAware && len(repos) > 0 && workspacePath != "" && g.codeAware != nil {
		return g.codeAware
	}
	return g.text
}

// dropVersionField removes a top-level "version" key some models echo back
// from the revision prompt.
func dropVersionField(raw []byte) ([]byte, error) {
	obj := plan.ExtractJSON(raw)
	if obj == nil {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return raw, nil
	}
	if _, ok := fields["version"]; !ok {
		return raw, nil
	}
	delete(fields, "version")
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("re-encoding plan: %w", err)
	}
	return out, nil
}

const (
	unknownDatabase    = "Database connection and schema details need verification"
	unknownExternalAPI = "External API credentials and endpoints need verification"
	unknownEnvironment = "Environment variables and configuration need verification"
)

var (
	hostedRepoRe = regexp.MustCompile(`(?:github\.com|gitlab\.com|bitbucket\.org)[/:]([\w.-]+)/([\w.-]+)`)
	envWordRe    = regexp.MustCompile(`\benv\b`)
)

// enrich flags repositories the plan mentions that are not part of the job
// and domain keywords whose supporting assumption is missing.
func (g *Generator) enrich(spec *plan.Spec, repos []plan.RepoRef) {
	text := specText(spec)

	for _, impact := range g.crossRepoImpacts(text, repos) {
		if !hasImpact(spec.CrossRepoImpacts, impact.Repo) {
			spec.CrossRepoImpacts = append(spec.CrossRepoImpacts, impact)
		}
	}
	for _, u := range missingRequirements(text, spec.Assumptions) {
		if !contains(spec.Unknowns, u) {
			spec.Unknowns = append(spec.Unknowns, u)
		}
	}
}

func (g *Generator) crossRepoImpacts(text string, repos []plan.RepoRef) []plan.CrossRepoImpact {
	inJob := make(map[string]bool, len(repos))
	for _, r := range repos {
		inJob[strings.ToLower(workspace.RepoName(r.URL))] = true
	}

	var candidates []string
	for _, name := range g.knownRepos {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(name)) + `\b`)
		if err == nil && re.MatchString(text) {
			candidates = append(candidates, name)
		}
	}
	for _, m := range hostedRepoRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSuffix(m[2], ".git"))
	}

	var impacts []plan.CrossRepoImpact
	seen := map[string]bool{}
	for _, name := range candidates {
		key := strings.ToLower(name)
		if inJob[key] || seen[key] {
			continue
		}
		seen[key] = true
		impacts = append(impacts, plan.CrossRepoImpact{
			Repo:   name,
			Reason: fmt.Sprintf("Plan references %s but it is not in the workspace", name),
		})
	}
	return impacts
}

func missingRequirements(text string, assumptions []string) []string {
	var missing []string
	if strings.Contains(text, "database") && !anyContains(assumptions, "database") {
		missing = append(missing, unknownDatabase)
	}
	if strings.Contains(text, "api") && strings.Contains(text, "external") {
		missing = append(missing, unknownExternalAPI)
	}
	if strings.Contains(text, "environment") || envWordRe.MatchString(text) {
		missing = append(missing, unknownEnvironment)
	}
	return missing
}

func specText(spec *plan.Spec) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(spec)
	return strings.ToLower(buf.String())
}

func hasImpact(impacts []plan.CrossRepoImpact, repo string) bool {
	for _, i := range impacts {
		if strings.EqualFold(i.Repo, repo) {
			return true
		}
	}
	return false
}

func anyContains(items []string, sub string) bool {
	for _, s := range items {
		if strings.Contains(strings.ToLower(s), sub) {
			return true
		}
	}
	return false
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
