// Package detector decides when an authority response is a JavaScript shell
// that must be re-rendered in a headless browser before parsing.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// DataMarkers indicate the population data is already server-rendered.
	// When one is present the response is never promoted.
	DataMarkers [][]byte
}

// NewHeuristic creates a new detector. A zero threshold defaults to 2 KiB.
func NewHeuristic(threshold int, dataMarkers ...string) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	h := &Heuristic{BodyLengthThreshold: threshold}
	for _, m := range dataMarkers {
		if m = strings.TrimSpace(m); m != "" {
			h.DataMarkers = append(h.DataMarkers, []byte(strings.ToLower(m)))
		}
	}
	return h
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("ng-app"),
	[]byte("data-reactroot"),
	[]byte("enable javascript"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range h.DataMarkers {
		if bytes.Contains(lower, marker) {
			return false
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(lower) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the lower-cased document.
func scriptDensityHigh(lower []byte) bool {
	doc := string(lower)
	total := len(doc)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(doc[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(doc[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document is script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(doc[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
