package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Priority ranks how urgently a page needs work.
type Priority string

// Priority values.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Critique is the structured AI review of one page.
type Critique struct {
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	Recommendations []string `json:"recommendations"`
	Priority        Priority `json:"priority"`
}

// CritiqueSchema is the JSON schema a critique must satisfy.
const CritiqueSchema = `{
  "type": "object",
  "required": ["summary", "strengths", "weaknesses", "recommendations", "priority"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "strengths": {"type": "array", "items": {"type": "string"}},
    "weaknesses": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "priority": {"type": "string", "enum": ["low", "medium", "high"]}
  }
}`

const critiqueSystem = "You are an SEO and content auditor. Answer with a single JSON object and nothing else."

// CritiquePrompt renders the prompt sent for one page.
func CritiquePrompt(url string, facts audit.PageFacts, score audit.Score) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the page %s.\n\n", url)
	fmt.Fprintf(&b, "Title: %q\n", facts.Title)
	fmt.Fprintf(&b, "Meta description: %q\n", facts.MetaDescription)
	fmt.Fprintf(&b, "H1: %q\n", facts.H1)
	if len(facts.H2s) > 0 {
		fmt.Fprintf(&b, "H2 headings: %s\n", strings.Join(facts.H2s, " | "))
	}
	fmt.Fprintf(&b, "Word count: %d\n", facts.WordCount)
	fmt.Fprintf(&b, "Internal links: %d, external links: %d\n", facts.InternalLinks, facts.ExternalLinks)
	fmt.Fprintf(&b, "Scores: technical %d, content %d, overall %d\n", score.TechnicalScore, score.ContentScore, score.SEOScore)
	if len(score.Issues) > 0 {
		fmt.Fprintf(&b, "Detected issues: %s\n", strings.Join(score.Issues, "; "))
	}
	b.WriteString("\nReturn JSON with keys summary (string), strengths, weaknesses, recommendations ")
	b.WriteString("(arrays of short strings) and priority (one of low, medium, high).")
	return b.String()
}

// CritiquePage asks client for a critique and validates the answer. It returns
// the decoded critique and the cleaned JSON as stored on the page record.
func CritiquePage(ctx context.Context, client Client, url string, facts audit.PageFacts, score audit.Score) (Critique, json.RawMessage, error) {
	if client == nil {
		return Critique{}, nil, audit.ErrAIUnavailable
	}
	raw, err := client.GenerateJSON(ctx, CritiquePrompt(url, facts, score), WithSystem(critiqueSystem))
	if err != nil {
		return Critique{}, nil, fmt.Errorf("critique %s: %w", url, err)
	}
	critique, err := DecodeJSON[Critique](raw, CritiqueSchema).Unwrap()
	if err != nil {
		return Critique{}, nil, fmt.Errorf("critique %s: %w", url, err)
	}
	return critique, json.RawMessage(CleanJSONBlock(raw)), nil
}
