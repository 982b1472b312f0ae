// Package analysis defines the text recognition boundary and the pieces that
// sit on top of it: trigger matching and result caching.
package analysis

import (
	"context"
	"image"
	"strings"
	"unicode"
)

// Result is what an analyzer recognized in one image.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Analyzer recognizes text in an image. Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, img image.Image) (Result, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, img image.Image) (Result, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, img image.Image) (Result, error) {
	return f(ctx, img)
}

// Matcher decides whether recognized text is a hit.
type Matcher interface {
	Match(text string) bool
}

// PatternMatcher matches when any pattern occurs in the text, ignoring
// whitespace and letter case.
type PatternMatcher struct {
	patterns []string
}

// NewPatternMatcher normalizes the patterns once; empty patterns are dropped.
func NewPatternMatcher(patterns []string) *PatternMatcher {
	m := &PatternMatcher{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		if n := normalize(p); n != "" {
			m.patterns = append(m.patterns, n)
		}
	}
	return m
}

func (m *PatternMatcher) Match(text string) bool {
	if text == "" || len(m.patterns) == 0 {
		return false
	}
	t := normalize(text)
	for _, p := range m.patterns {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

// Patterns returns the normalized patterns.
func (m *PatternMatcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
