package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/scoring"
)

func TestExtractFullDocument(t *testing.T) {
	t.Parallel()

	html := `<!doctype html>
<html>
<head>
  <title>  Example Store — Home  </title>
  <meta name="Description" content=" Best widgets in town ">
  <style>body { color: red }</style>
</head>
<body>
  <h1>Widgets</h1>
  <h2>New arrivals</h2>
  <h2>  </h2>
  <h2>Sale</h2>
  <p>one two three</p>
  <script>var ignored = "not counted words here";</script>
  <a href="/about">About</a>
  <a href="https://example.com/contact">Contact</a>
  <a href="https://other.org/">Other</a>
  <a href="mailto:hi@example.com">Mail</a>
  <a>No href</a>
</body>
</html>`

	facts := Extract(html, "https://example.com/index.html")
	require.NotNil(t, facts)
	require.Equal(t, "Example Store — Home", facts.Title)
	require.Equal(t, "Best widgets in town", facts.MetaDescription)
	require.Equal(t, "Widgets", facts.H1)
	require.Equal(t, []string{"New arrivals", "Sale"}, facts.H2s)
	require.Equal(t, 2, facts.InternalLinks)
	require.Equal(t, 2, facts.ExternalLinks)
	// Widgets, New arrivals, Sale, one two three, About, Contact, Other, Mail, No href.
	require.Equal(t, 13, facts.WordCount)
}

func TestExtractMalformedReturnsNil(t *testing.T) {
	t.Parallel()

	inputs := map[string]string{
		"empty":      "",
		"whitespace": "  \n\t ",
		"plain text": "just some words without any markup",
		"brackets":   "<<< >>> <3",
		"binary":     "\x00\x01\x02<html>",
		"invalid":    string([]byte{0xff, 0xfe, '<', 'p', '>'}),
		"comment":    "<!-- nothing rendered yet -->",
		"doctype":    "<!DOCTYPE html>",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.NotPanics(t, func() {
				require.Nil(t, Extract(in, "https://example.com"))
			})
		})
	}
}

func TestExtractFragmentStillParses(t *testing.T) {
	t.Parallel()

	facts := Extract("<p>hello world</p>", "")
	require.NotNil(t, facts)
	require.Equal(t, 2, facts.WordCount)
	require.Empty(t, facts.Title)

	facts = Extract("<html><body>bare body text</body></html>", "")
	require.NotNil(t, facts)
	require.Equal(t, 3, facts.WordCount)
}

func TestExtractUsesBaseElement(t *testing.T) {
	t.Parallel()

	html := `<html><head><base href="https://cdn.example.net/app/"></head>
<body><a href="https://cdn.example.net/x">x</a><a href="https://example.com/y">y</a></body></html>`
	facts := Extract(html, "https://example.com/")
	require.NotNil(t, facts)
	require.Equal(t, 1, facts.InternalLinks)
	require.Equal(t, 1, facts.ExternalLinks)
}

func TestExtractThenScoreThinPage(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><body><h1>Hello</h1><p>%s</p>
<a href="https://elsewhere.org">out</a></body></html>`, strings.TrimSpace(strings.Repeat("word ", 247)))

	facts := Extract(html, "https://example.com/")
	require.NotNil(t, facts)
	// 247 body words plus the h1 and anchor text.
	require.Equal(t, 249, facts.WordCount)
	require.Zero(t, facts.InternalLinks)

	got := scoring.Score(*facts)
	require.Equal(t, audit.Score{
		TechnicalScore: 70,
		ContentScore:   70,
		SEOScore:       70,
		Issues: []string{
			scoring.IssueMissingTitle,
			scoring.IssueMissingMeta,
			scoring.IssueThinContent,
			scoring.IssueNoInternalLinks,
		},
	}, got)
}

func TestExtractThenScoreCompletePage(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><head><title>%s</title><meta name="description" content="d"></head>
<body><h1>Hi</h1><p>%s</p><a href="/a">a</a><a href="/b">b</a><a href="/c">c</a></body></html>`,
		strings.Repeat("x", 40), strings.TrimSpace(strings.Repeat("word ", 1000)))

	facts := Extract(html, "https://example.com/")
	require.NotNil(t, facts)
	require.Equal(t, 3, facts.InternalLinks)

	got := scoring.Score(*facts)
	require.Empty(t, got.Issues)
	require.Equal(t, 100, got.SEOScore)
}
