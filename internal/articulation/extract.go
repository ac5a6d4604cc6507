// Package articulation recovers code artifacts from free-form producer text.
//
// Producers (LLMs, scripts, external commands) answer in prose, markdown
// fences or JSON objects. The Extractor turns that text into one artifact,
// or into a fixed set of named artifacts for dual-file payloads, and records
// which method succeeded.
package articulation

import (
	"encoding/json"
	"errors"
	"strings"

	"codeloop/internal/logging"
)

// Method identifies how an artifact was recovered.
type Method string

const (
	MethodFencedLanguage Method = "fenced-language"
	MethodFencedGeneric  Method = "fenced-generic"
	MethodStructured     Method = "structured-fallback"
	MethodRaw            Method = "raw-passthrough"
	// MethodStructuredMulti marks artifacts taken from a validated multi-field object.
	MethodStructuredMulti Method = "structured"
)

var (
	// ErrNoArtifact is returned when no method produced non-empty content.
	ErrNoArtifact = errors.New("no artifact could be extracted")
	// ErrInvalidMulti marks a structured payload that failed field validation.
	ErrInvalidMulti = errors.New("structured payload missing required fields")
)

// DefaultFields is the probing order for structured-fallback extraction.
// The content-type hint is always probed last.
var DefaultFields = []string{"code", "source_code", "test_code", "generated_code", "content"}

// Artifact is one recovered code payload. Content is never empty and is
// whitespace-trimmed.
type Artifact struct {
	Name     string `json:"name" yaml:"name"`
	Content  string `json:"content" yaml:"content"`
	Method   Method `json:"method" yaml:"method"`
	Fallback bool   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Stats counts extraction outcomes per method.
type Stats struct {
	Total          int `json:"total"`
	FencedLanguage int `json:"fenced_language"`
	FencedGeneric  int `json:"fenced_generic"`
	Structured     int `json:"structured"`
	Raw            int `json:"raw"`
	Failures       int `json:"failures"`
	MultiValid     int `json:"multi_valid"`
	MultiFallback  int `json:"multi_fallback"`
}

// Extractor runs the extraction algorithms. It is not safe for concurrent
// use; each pipeline run owns its own.
type Extractor struct {
	// Fields overrides DefaultFields for structured-fallback probing.
	Fields []string
	// ScanEmbedded also probes JSON objects embedded in surrounding prose
	// when the whole text is not an object.
	ScanEmbedded bool

	stats Stats
}

// NewExtractor returns an Extractor with default settings.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Stats returns a copy of the accumulated statistics.
func (e *Extractor) Stats() Stats {
	return e.stats
}

// ResetStats clears the accumulated statistics.
func (e *Extractor) ResetStats() {
	e.stats = Stats{}
}

// Extract recovers a single artifact from raw. The first matching method
// wins: a fence tagged with hint, any fence, a structured object carrying a
// known field, and finally the text itself when it contains no fence at all.
func (e *Extractor) Extract(raw, hint string) (Artifact, error) {
	e.stats.Total++
	a, ok := e.extract(raw, hint)
	if !ok {
		e.stats.Failures++
		logging.ArticulationDebug("no artifact in %d bytes (hint=%q)", len(raw), hint)
		return Artifact{}, ErrNoArtifact
	}
	switch a.Method {
	case MethodFencedLanguage:
		e.stats.FencedLanguage++
	case MethodFencedGeneric:
		e.stats.FencedGeneric++
	case MethodStructured:
		e.stats.Structured++
	case MethodRaw:
		e.stats.Raw++
	}
	a.Name = hint
	logging.ArticulationDebug("extracted %d bytes via %s", len(a.Content), a.Method)
	return a, nil
}

func (e *Extractor) extract(raw, hint string) (Artifact, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Artifact{}, false
	}

	blocks := scanFences(text)
	for _, b := range blocks {
		if !b.closed {
			continue
		}
		if body, ok := b.taggedBody(hint); ok {
			if body = strings.TrimSpace(body); body != "" {
				return Artifact{Content: body, Method: MethodFencedLanguage}, true
			}
		}
	}
	for _, b := range blocks {
		if !b.closed {
			continue
		}
		if body := strings.TrimSpace(b.body); body != "" {
			return Artifact{Content: body, Method: MethodFencedGeneric}, true
		}
	}

	if content, ok := e.probeStructured(text, hint); ok {
		return Artifact{Content: content, Method: MethodStructured}, true
	}

	if !hasFence(text) {
		return Artifact{Content: text, Method: MethodRaw}, true
	}
	return Artifact{}, false
}

func (e *Extractor) probeStructured(text, hint string) (string, bool) {
	fields := e.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	if hint != "" {
		fields = append(append([]string(nil), fields...), hint)
	}

	candidates := []string{text}
	if e.ScanEmbedded {
		candidates = append(candidates, scanJSONObjects(text)...)
	}
	for _, c := range candidates {
		obj, ok := parseObject(c)
		if !ok {
			continue
		}
		for _, f := range fields {
			if s, ok := obj[f].(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Extract runs a default Extractor once.
func Extract(raw, hint string) (Artifact, error) {
	return NewExtractor().Extract(raw, hint)
}
