package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const (
	defaultModel          = "gemini-2.5-flash"
	defaultTemperature    = 0.2
	defaultInitialBackoff = 500 * time.Millisecond
	maxBackoff            = 10 * time.Second
)

// Config controls the Gemini client.
type Config struct {
	APIKey            string
	Model             string
	MaxRetries        int
	RequestsPerSecond float64
	Temperature       float32
	InitialBackoff    time.Duration
}

type request struct {
	model       string
	system      string
	prompt      string
	temperature float32
	json        bool
}

type generateFunc func(ctx context.Context, req request) (string, error)

// Gemini implements Client on Google's generative-ai-go SDK.
type Gemini struct {
	cfg      Config
	client   *genai.Client
	generate generateFunc
	limiter  *rate.Limiter
	logger   *zap.Logger
}

var _ Client = (*Gemini)(nil)

// NewGemini creates a Gemini client. An empty API key is a configuration error.
func NewGemini(ctx context.Context, cfg Config, logger *zap.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &audit.ConfigError{Key: "ai.api_key"}
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g := newGemini(cfg, nil, logger)
	g.client = client
	g.generate = g.callSDK
	return g, nil
}

func newGemini(cfg Config, fn generateFunc, logger *zap.Logger) *Gemini {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		cfg:      cfg,
		generate: fn,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("ai"),
	}
}

// Close releases the SDK client.
func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Generate returns the completion text for prompt.
func (g *Gemini) Generate(ctx context.Context, prompt string, opts ...Option) (string, error) {
	return g.do(ctx, g.request(prompt, false, opts))
}

// GenerateJSON requests a JSON completion and strips any code fence.
func (g *Gemini) GenerateJSON(ctx context.Context, prompt string, opts ...Option) (string, error) {
	text, err := g.do(ctx, g.request(prompt, true, opts))
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

func (g *Gemini) request(prompt string, asJSON bool, opts []Option) request {
	o := applyOptions(opts)
	req := request{
		model:       g.cfg.Model,
		system:      o.system,
		prompt:      prompt,
		temperature: g.cfg.Temperature,
		json:        asJSON,
	}
	if o.model != "" {
		req.model = o.model
	}
	if o.temperature != nil {
		req.temperature = *o.temperature
	}
	return req
}

// do runs req with up to MaxRetries retries and exponential backoff. A
// cancelled or expired context ends the loop without another attempt.
func (g *Gemini) do(ctx context.Context, req request) (string, error) {
	backoff := g.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for rate limiter: %w", err)
		}
		text, err := g.generate(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generate content: %w", err)
		}
		if attempt == g.cfg.MaxRetries {
			break
		}
		g.logger.Warn("generation failed; retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("generate content: %w", errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return "", fmt.Errorf("generate content after %d attempts: %w", g.cfg.MaxRetries+1, lastErr)
}

func (g *Gemini) callSDK(ctx context.Context, req request) (string, error) {
	model := g.client.GenerativeModel(req.model)
	model.SetTemperature(req.temperature)
	if req.system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if req.json {
		model.ResponseMIMEType = "application/json"
	}
	resp, err := model.GenerateContent(ctx, genai.Text(req.prompt))
	if err != nil {
		return "", err
	}
	return extractText(resp)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return b.String(), nil
}
