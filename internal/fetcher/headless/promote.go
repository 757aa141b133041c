package headless

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

const defaultBodyThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Detector decides whether a plain fetch returned a client-rendered shell
// that would score as an empty page.
type Detector struct {
	BodyLengthThreshold int
}

// NewDetector creates a Detector. A zero threshold uses 2 KiB.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Detector{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether resp should be re-fetched with a browser.
func (d *Detector) ShouldPromote(resp audit.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}

// Promoting fetches with a fast probe fetcher and re-fetches through a
// headless renderer when the detector flags the probe body.
type Promoting struct {
	probe    audit.Fetcher
	renderer audit.Fetcher
	detector *Detector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher. A nil renderer disables promotion.
func NewPromoting(probe, renderer audit.Fetcher, detector *Detector, logger *zap.Logger) *Promoting {
	if detector == nil {
		detector = NewDetector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{probe: probe, renderer: renderer, detector: detector, logger: logger}
}

// Fetch implements audit.Fetcher. A failed render falls back to the probe response.
func (p *Promoting) Fetch(ctx context.Context, request audit.FetchRequest) (audit.FetchResponse, error) {
	resp, err := p.probe.Fetch(ctx, request)
	if err != nil || p.renderer == nil || !p.detector.ShouldPromote(resp) {
		return resp, err
	}
	rendered, rerr := p.renderer.Fetch(ctx, request)
	if rerr != nil {
		p.logger.Warn("headless render failed; using probe body",
			zap.String("url", request.URL), zap.Error(rerr))
		return resp, nil
	}
	return rendered, nil
}
