// Package extract parses fetched HTML into the page facts the scorer consumes.
package extract

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// Extract parses html and returns its page facts. baseURL is the page's own
// URL; an anchor is internal when its href starts with "/" or contains the
// page's origin. Extract returns nil instead of failing when html is empty,
// carries no markup or content, or cannot be parsed.
func Extract(html string, baseURL string) (facts *audit.PageFacts) {
	defer func() {
		if recover() != nil {
			facts = nil
		}
	}()

	trimmed := strings.TrimSpace(html)
	if !looksLikeMarkup(trimmed) {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(trimmed))
	if err != nil || isEmptyDocument(doc) {
		return nil
	}

	base := documentBase(doc, baseURL)
	out := &audit.PageFacts{
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		H1:        strings.TrimSpace(doc.Find("h1").First().Text()),
		H2s:       []string{},
		WordCount: countWords(doc),
	}
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if name, _ := s.Attr("name"); !strings.EqualFold(strings.TrimSpace(name), "description") {
			return true
		}
		content, _ := s.Attr("content")
		out.MetaDescription = strings.TrimSpace(content)
		return false
	})
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			out.H2s = append(out.H2s, text)
		}
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if isInternal(href, base) {
			out.InternalLinks++
		} else {
			out.ExternalLinks++
		}
	})
	return out
}

var tagPattern = regexp.MustCompile(`<[a-zA-Z!/?]`)

// looksLikeMarkup rejects input the HTML parser would otherwise accept as a
// bare text document: empty strings, binary bodies, and text with no tags.
func looksLikeMarkup(s string) bool {
	if s == "" || !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return false
	}
	return tagPattern.MatchString(s)
}

// isEmptyDocument reports whether parsing produced nothing but the skeleton
// the parser always synthesizes, as for a lone comment or doctype.
func isEmptyDocument(doc *goquery.Document) bool {
	return doc.Find("head, body").Children().Length() == 0 &&
		strings.TrimSpace(doc.Find("body").Text()) == ""
}

func isInternal(href, base string) bool {
	if strings.HasPrefix(href, "/") {
		return true
	}
	return base != "" && strings.Contains(href, base)
}

// documentBase returns the origin links are compared against. A <base href>
// in the document wins over the fetch URL.
func documentBase(doc *goquery.Document, pageURL string) string {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if origin := originOf(href); origin != "" {
			return origin
		}
	}
	return originOf(pageURL)
}

func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func countWords(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Fields(body.Text()))
}
