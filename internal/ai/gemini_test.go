package ai

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewGemini(context.Background(), Config{}, nil)
	var cfgErr *audit.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "ai.api_key", cfgErr.Key)
}

func TestGenerateAppliesOptions(t *testing.T) {
	t.Parallel()

	var got request
	g := newGemini(Config{Model: "base-model"}, func(_ context.Context, req request) (string, error) {
		got = req
		return "hello", nil
	}, nil)

	text, err := g.Generate(context.Background(), "prompt", WithModel("other"), WithSystem("be brief"), WithTemperature(0.7))
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "other", got.model)
	assert.Equal(t, "be brief", got.system)
	assert.InDelta(t, 0.7, got.temperature, 1e-6)
	assert.False(t, got.json)
}

func TestGenerateJSONStripsFences(t *testing.T) {
	t.Parallel()

	var asJSON bool
	g := newGemini(Config{}, func(_ context.Context, req request) (string, error) {
		asJSON = req.json
		return "```json\n{\"a\": 1}\n```", nil
	}, nil)

	text, err := g.GenerateJSON(context.Background(), "prompt")
	require.NoError(t, err)
	assert.True(t, asJSON)
	assert.Equal(t, `{"a": 1}`, text)
}

func TestGenerateRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	g := newGemini(Config{MaxRetries: 2, InitialBackoff: time.Millisecond}, func(context.Context, request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("503 unavailable")
		}
		return "ok", nil
	}, nil)

	text, err := g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGenerateGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	boom := errors.New("503 unavailable")
	g := newGemini(Config{MaxRetries: 1, InitialBackoff: time.Millisecond}, func(context.Context, request) (string, error) {
		calls.Add(1)
		return "", boom
	}, nil)

	_, err := g.Generate(context.Background(), "prompt")
	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGenerateDoesNotRetryCancelledContext(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	g := newGemini(Config{MaxRetries: 5, InitialBackoff: time.Millisecond}, func(ctx context.Context, _ request) (string, error) {
		calls.Add(1)
		cancel()
		return "", ctx.Err()
	}, nil)

	_, err := g.Generate(ctx, "prompt")
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGenerateIsPaced(t *testing.T) {
	t.Parallel()

	g := newGemini(Config{RequestsPerSecond: 20}, func(context.Context, request) (string, error) {
		return "ok", nil
	}, nil)

	start := time.Now()
	for range 3 {
		_, err := g.Generate(context.Background(), "prompt")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
