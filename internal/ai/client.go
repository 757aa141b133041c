// Package ai wraps the generative model used to critique audited pages.
package ai

import "context"

// Client generates completions for a prompt.
type Client interface {
	// Generate returns the completion text.
	Generate(ctx context.Context, prompt string, opts ...Option) (string, error)
	// GenerateJSON requests a JSON completion and returns it with any
	// markdown code fence removed.
	GenerateJSON(ctx context.Context, prompt string, opts ...Option) (string, error)
}

// Option adjusts a single request.
type Option func(*callOptions)

type callOptions struct {
	model       string
	system      string
	temperature *float32
}

// WithModel overrides the configured model for one request.
func WithModel(model string) Option {
	return func(o *callOptions) { o.model = model }
}

// WithSystem sets the system instruction.
func WithSystem(system string) Option {
	return func(o *callOptions) { o.system = system }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *callOptions) { o.temperature = &t }
}

func applyOptions(opts []Option) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
