package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/weft/pkg/models"
)

// ExecutionError indicates a model call failed. Timeout distinguishes
// attempt-deadline expiry from provider failures; both route through the
// failure policy engine.
type ExecutionError struct {
	// Model is the model the call targeted.
	Model string
	// Timeout is true when the attempt deadline expired.
	Timeout bool
	// Err is the underlying failure.
	Err error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("execution timed out (model %s): %v", e.Model, e.Err)
	}
	return fmt.Sprintf("execution failed (model %s): %v", e.Model, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ExecutionResult is the payload of one successful model call.
type ExecutionResult struct {
	// Output is the model's text response.
	Output string
	// TokensIn and TokensOut are the usage counts for the call.
	TokensIn  int64
	TokensOut int64
	// CostUSD is the estimated cost of the call.
	CostUSD float64
	// Latency is the wall time of the call.
	Latency time.Duration
}

// ModelExecutor executes a rendered prompt against a model. Implementations
// must honor ctx cancellation and deadlines; a run's retry behavior depends
// on errors surfacing promptly.
type ModelExecutor interface {
	Execute(ctx context.Context, prompt string, cfg models.ModelConfig) (*ExecutionResult, error)
}

// ClaudeExecutor is the Anthropic-backed ModelExecutor.
type ClaudeExecutor struct {
	client *Client
}

// NewClaudeExecutor creates an executor on top of the given client.
func NewClaudeExecutor(client *Client) *ClaudeExecutor {
	return &ClaudeExecutor{client: client}
}

var _ ModelExecutor = (*ClaudeExecutor)(nil)

// Execute sends the prompt as a single user message and returns the text
// response with usage metadata.
func (e *ClaudeExecutor) Execute(ctx context.Context, prompt string, cfg models.ModelConfig) (*ExecutionResult, error) {
	model := e.client.TranslateModel(anthropic.Model(cfg.Name))

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	start := time.Now()
	resp, err := e.client.sdk().Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, &ExecutionError{
			Model:   cfg.Name,
			Timeout: errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded,
			Err:     err,
		}
	}

	var output string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			output += variant.Text
		}
	}

	e.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	return &ExecutionResult{
		Output:    output,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		CostUSD:   EstimateCost(cfg.Name, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Latency:   latency,
	}, nil
}
