package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/draftpr/internal/plan"
	"github.com/fyrsmithlabs/draftpr/internal/sandbox"
)

// Request is a single plan generation call.
type Request struct {
	JobID         string
	WorkspacePath string
	Prompt        string
}

// Backend turns a prompt into raw plan JSON.
type Backend interface {
	// Name is recorded as the plan version's provenance.
	Name() string
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// CodeAwareBackend generates plans with the execution backend, which can
// read the checked-out repositories.
type CodeAwareBackend struct {
	exec sandbox.Executor
}

// NewCodeAwareBackend wraps exec.
func NewCodeAwareBackend(exec sandbox.Executor) *CodeAwareBackend {
	return &CodeAwareBackend{exec: exec}
}

func (b *CodeAwareBackend) Name() string { return plan.GeneratedByCodeAware }

// Generate runs a plan_generation job and extracts the plan document. The
// result is either {"plan": {...}} or the plan object itself.
func (b *CodeAwareBackend) Generate(ctx context.Context, req Request) ([]byte, error) {
	res, err := b.exec.Execute(ctx, sandbox.Request{
		JobID:         req.JobID,
		WorkspacePath: req.WorkspacePath,
		Instruction:   req.Prompt,
		Kind:          sandbox.KindPlanGeneration,
	})
	if err != nil {
		return nil, fmt.Errorf("execution backend failed: %w", err)
	}
	if res == nil || len(res.Data) == 0 {
		return nil, errors.New("execution backend produced no result")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(plan.ExtractJSON(res.Data), &fields); err != nil {
		return nil, fmt.Errorf("execution backend returned a non-object result: %w", err)
	}
	if inner, ok := fields["plan"]; ok {
		return inner, nil
	}
	_, hasSummary := fields["summary"]
	_, hasScope := fields["scope"]
	if hasSummary && hasScope {
		return res.Data, nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	return nil, fmt.Errorf("unexpected result structure: %v", keys)
}

// TextBackend generates plans with a text model in JSON mode.
type TextBackend struct {
	model       llms.Model
	temperature float64
}

// NewTextBackend wraps a langchaingo model.
func NewTextBackend(model llms.Model) *TextBackend {
	return &TextBackend{model: model, temperature: 0.2}
}

func (b *TextBackend) Name() string { return plan.GeneratedByText }

func (b *TextBackend) Generate(ctx context.Context, req Request) ([]byte, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, b.model, req.Prompt,
		llms.WithJSONMode(),
		llms.WithTemperature(b.temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("text generation failed: %w", err)
	}
	return []byte(out), nil
}
