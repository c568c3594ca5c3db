package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
	"go.temporal.io/sdk/client"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/draftpr/internal/applier"
	"github.com/fyrsmithlabs/draftpr/internal/artifact"
	"github.com/fyrsmithlabs/draftpr/internal/config"
	"github.com/fyrsmithlabs/draftpr/internal/coord"
	"github.com/fyrsmithlabs/draftpr/internal/generator"
	"github.com/fyrsmithlabs/draftpr/internal/logging"
	"github.com/fyrsmithlabs/draftpr/internal/packager"
	"github.com/fyrsmithlabs/draftpr/internal/pipeline"
	"github.com/fyrsmithlabs/draftpr/internal/policy"
	"github.com/fyrsmithlabs/draftpr/internal/prcreator"
	"github.com/fyrsmithlabs/draftpr/internal/redact"
	"github.com/fyrsmithlabs/draftpr/internal/retry"
	"github.com/fyrsmithlabs/draftpr/internal/sandbox"
	"github.com/fyrsmithlabs/draftpr/internal/telemetry"
	"github.com/fyrsmithlabs/draftpr/internal/verifier"
	"github.com/fyrsmithlabs/draftpr/internal/workflows"
	"github.com/fyrsmithlabs/draftpr/internal/workspace"
)

// errNoBackend is returned by the placeholder executor used when no
// backend command is configured.
var errNoBackend = errors.New("no execution backend configured (set backend.command)")

// app holds the components a command needs. Fields beyond cfg, logger and
// store are populated only by the constructors that need them.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry
	store      *artifact.Store
	coord      *coord.Store
	workspaces *workspace.Manager
	pipeline   *pipeline.Pipeline
	temporal   client.Client

	closers []func(context.Context) error
}

// newApp loads config and opens logging, telemetry and the artifact store.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(ctx, cfg)
}

func newAppFromConfig(ctx context.Context, cfg *config.Config) (*app, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return logger.Sync() })

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, tel.Shutdown)

	storeCfg := artifact.Config{
		BaseDir: cfg.Artifacts.BaseDir,
		MaxSize: int64(cfg.Artifacts.MaxSizeMB) * 1024 * 1024,
	}
	if !cfg.Artifacts.DisableRedaction {
		allow, err := redact.LoadAllowlists(cfg.Artifacts.RedactAllowlists...)
		if err != nil {
			return nil, fmt.Errorf("loading redaction allowlists: %w", err)
		}
		red, err := redact.New(allow, logger.Underlying().Named("redact"))
		if err != nil {
			return nil, err
		}
		storeCfg.Redactor = red
	}
	store, err := artifact.NewStore(storeCfg, logger.Underlying().Named("artifact"))
	if err != nil {
		return nil, err
	}
	a.store = store
	return a, nil
}

// withCoord connects to NATS when nats.url is configured.
func (a *app) withCoord(ctx context.Context) error {
	if a.cfg.NATS.URL == "" || a.coord != nil {
		return nil
	}
	cs, err := coord.Connect(ctx, a.cfg.NATS.URL, coord.Config{
		Bucket:       a.cfg.NATS.Bucket,
		LockTTL:      a.cfg.NATS.LockTTL,
		PollInterval: a.cfg.NATS.PollInterval,
		Subject:      a.cfg.NATS.Subject,
	}, a.logger.Underlying().Named("coord"))
	if err != nil {
		return fmt.Errorf("connecting coordination store: %w", err)
	}
	a.coord = cs
	a.closers = append(a.closers, func(context.Context) error {
		cs.Close()
		return nil
	})
	return nil
}

// withWorkspaces opens the workspace manager.
func (a *app) withWorkspaces() error {
	if a.workspaces != nil {
		return nil
	}
	ws, err := workspace.NewManager(workspace.Config{
		BaseDir:      a.cfg.Workspace.BaseDir,
		CloneTimeout: a.cfg.Workspace.CloneTimeout,
		Shallow:      a.cfg.Workspace.Shallow,
		GitUsername:  a.cfg.Workspace.GitUsername,
		GitToken:     a.cfg.Workspace.GitToken.Value(),
		MaxAge:       a.cfg.Workspace.MaxAge,
	}, a.logger.Underlying().Named("workspace"))
	if err != nil {
		return err
	}
	a.workspaces = ws
	return nil
}

// withPipeline wires every pipeline component from config.
func (a *app) withPipeline(ctx context.Context) error {
	if a.pipeline != nil {
		return nil
	}
	if err := a.withCoord(ctx); err != nil {
		return err
	}
	if err := a.withWorkspaces(); err != nil {
		return err
	}
	zl := a.logger.Underlying()
	cfg := a.cfg

	exec, err := newExecutor(cfg.Backend, zl.Named("sandbox"))
	if err != nil {
		return err
	}

	genCfg := generator.Config{KnownRepos: cfg.Generator.KnownRepos}
	if cfg.Generator.UseCodeAware && cfg.Backend.Command != "" {
		genCfg.CodeAware = generator.NewCodeAwareBackend(exec)
	}
	if cfg.LLM.Model != "" || cfg.LLM.APIKey.IsSet() {
		model, err := newLLM(cfg.LLM)
		if err != nil {
			return err
		}
		genCfg.Text = generator.NewTextBackend(model)
	}

	gh, err := prcreator.NewGitHubClient(ctx, cfg.GitHub.Token, cfg.GitHub.APIURL)
	if err != nil {
		return fmt.Errorf("github client: %w", err)
	}
	creator := prcreator.New(
		prcreator.NewGitHubHost(gh, retry.DefaultConfig(), zl.Named("github")),
		prcreator.Config{
			DefaultBranch: cfg.GitHub.DefaultBranch,
			Token:         cfg.GitHub.Token,
		},
		zl.Named("prcreator"),
	)

	deps := pipeline.Deps{
		Artifacts:  a.store,
		Workspaces: a.workspaces,
		Generator:  generator.New(genCfg, zl.Named("generator")),
		Applier:    applier.New(exec, applier.Guard{MaxLOCDelta: cfg.Apply.MaxLOCDelta}, zl.Named("applier")),
		Verifier:   verifier.New(verifier.FromAppConfig(cfg.Verify), zl.Named("verifier")),
		Packager:   packager.New(zl.Named("packager")),
		PRCreator:  creator,
		Policy:     policy.FromConfig(cfg.Policy),
		Logger:     a.logger,
		Metrics:    pipeline.NewMetrics(),
	}
	if a.coord != nil {
		deps.Locker = a.coord
		deps.Cancellation = a.coord
		deps.Notifier = a.coord
	}

	p, err := pipeline.New(deps)
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

// withTemporal dials the Temporal frontend.
func (a *app) withTemporal() error {
	if a.temporal != nil {
		return nil
	}
	c, err := client.Dial(client.Options{
		HostPort:  a.cfg.Temporal.HostPort,
		Namespace: a.cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	a.temporal = c
	a.closers = append(a.closers, func(context.Context) error {
		c.Close()
		return nil
	})
	return nil
}

// workflows returns a workflow client. withTemporal must have succeeded.
func (a *app) workflows() *workflows.Client {
	return workflows.NewClient(a.temporal, a.cfg.Temporal.TaskQueue)
}

// Close releases everything opened, most recent first.
func (a *app) Close(ctx context.Context) error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i](ctx))
	}
	return err
}

func newExecutor(cfg config.BackendConfig, logger *zap.Logger) (sandbox.Executor, error) {
	if cfg.Command == "" {
		return sandbox.ExecutorFunc(func(context.Context, sandbox.Request) (*sandbox.Result, error) {
			return nil, errNoBackend
		}), nil
	}
	return sandbox.NewCommandExecutor(sandbox.CommandConfig{
		Command:    cfg.Command,
		Args:       cfg.Args,
		ResultFile: cfg.ResultFile,
		Timeout:    cfg.Timeout,
	}, logger)
}

func newLLM(cfg config.LLMConfig) (*openai.LLM, error) {
	opts := []openai.Option{}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing llm: %w", err)
	}
	return llm, nil
}
