// Package scoring computes deterministic technical and content scores for a page.
package scoring

import (
	"math"
	"unicode/utf16"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Issue strings, in the order they are reported.
const (
	IssueMissingTitle    = "Missing Title Tag"
	IssueTitleLength     = "Title length not optimal (10-70 chars)"
	IssueMissingMeta     = "Missing Meta Description"
	IssueMissingH1       = "Missing H1 Tag"
	IssueThinContent     = "Thin content (< 300 words)"
	IssueNoInternalLinks = "No internal links found"
)

const (
	minTitleLength         = 10
	maxTitleLength         = 70
	minWordCount           = 300
	startingScore          = 100
	penaltyMissingTitle    = 20
	penaltyTitleLength     = 5
	penaltyMissingMeta     = 10
	penaltyMissingH1       = 20
	penaltyThinContent     = 20
	penaltyNoInternalLinks = 10
)

// titleLength counts UTF-16 code units, the length browsers report for a
// title. Characters outside the Basic Multilingual Plane count twice.
func titleLength(title string) int {
	n := 0
	for _, r := range title {
		n += max(utf16.RuneLen(r), 1)
	}
	return n
}

// Score applies the fixed deductions to facts. It is pure.
func Score(facts audit.PageFacts) audit.Score {
	technical, content := startingScore, startingScore
	issues := []string{}

	switch n := titleLength(facts.Title); {
	case facts.Title == "":
		technical -= penaltyMissingTitle
		issues = append(issues, IssueMissingTitle)
	case n < minTitleLength || n > maxTitleLength:
		technical -= penaltyTitleLength
		issues = append(issues, IssueTitleLength)
	}
	if facts.MetaDescription == "" {
		technical -= penaltyMissingMeta
		issues = append(issues, IssueMissingMeta)
	}
	if facts.H1 == "" {
		content -= penaltyMissingH1
		issues = append(issues, IssueMissingH1)
	}
	if facts.WordCount < minWordCount {
		content -= penaltyThinContent
		issues = append(issues, IssueThinContent)
	}
	if facts.InternalLinks == 0 {
		content -= penaltyNoInternalLinks
		issues = append(issues, IssueNoInternalLinks)
	}

	technical = clamp(technical)
	content = clamp(content)
	return audit.Score{
		TechnicalScore: technical,
		ContentScore:   content,
		SEOScore:       Combine(technical, content),
		Issues:         issues,
	}
}

// Combine returns round((technical + content) / 2), rounding half away from zero.
func Combine(technical, content int) int {
	return int(math.Round(float64(technical+content) / 2))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > startingScore {
		return startingScore
	}
	return v
}
