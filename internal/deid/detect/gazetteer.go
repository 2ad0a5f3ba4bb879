package detect

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// minTermLength keeps single letters and initials out of the dictionary.
const minTermLength = 2

// GazetteerDetector is the higher-recall tier. It runs the regex rules and
// additionally matches every known term (case-insensitively, on word
// boundaries). Terms are learned from structured fields of the bundle being
// processed and from an optional name list.
type GazetteerDetector struct {
	base *RegexDetector

	mu       sync.RWMutex
	terms    map[string]term
	dirty    bool
	pattern  *regexp.Regexp
	snapshot map[string]term
}

// term is a dictionary entry keyed by its lower-cased form. canonical is the
// spelling it was first learned with.
type term struct {
	typ       EntityType
	canonical string
}

// NewGazetteerDetector wraps base, or the default regex rules when base is nil.
func NewGazetteerDetector(base *RegexDetector) *GazetteerDetector {
	if base == nil {
		base = NewRegexDetector(nil)
	}
	return &GazetteerDetector{base: base, terms: make(map[string]term)}
}

func (g *GazetteerDetector) Name() string { return "gazetteer" }

// Learn adds s to the dictionary under the given type. Short terms are
// ignored. The first spelling learned for a term becomes its canonical form.
func (g *GazetteerDetector) Learn(t EntityType, s string) {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) < minTermLength {
		return
	}
	key := strings.ToLower(s)
	g.mu.Lock()
	if _, ok := g.terms[key]; !ok {
		g.terms[key] = term{typ: t, canonical: s}
		g.dirty = true
	}
	g.mu.Unlock()
}

// Terms returns the number of learned terms.
func (g *GazetteerDetector) Terms() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.terms)
}

// LoadNameList reads one person name per line from path. Blank lines and
// lines starting with '#' are skipped.
func (g *GazetteerDetector) LoadNameList(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open name list: %w", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		g.Learn(Person, line)
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("read name list: %w", err)
	}
	return n, nil
}

// Detect merges regex spans with dictionary matches. A dictionary match
// carries the learned spelling in Canonical so "jane" and "Jane" share a token.
func (g *GazetteerDetector) Detect(text string) ([]Span, error) {
	if text == "" {
		return nil, nil
	}
	spans, err := g.base.Detect(text)
	if err != nil {
		return nil, err
	}

	pattern, terms := g.compiled()
	if pattern != nil {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			tm, ok := terms[strings.ToLower(value)]
			if !ok {
				continue
			}
			spans = append(spans, Span{Type: tm.typ, Start: loc[0], End: loc[1], Value: value, Canonical: tm.canonical})
		}
	}
	return resolveOverlaps(spans, g.base.priority), nil
}

// compiled returns the alternation pattern for the current dictionary,
// rebuilding it when terms were added since the last call.
func (g *GazetteerDetector) compiled() (*regexp.Regexp, map[string]term) {
	g.mu.RLock()
	if !g.dirty {
		p, snap := g.pattern, g.snapshot
		g.mu.RUnlock()
		return p, snap
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty {
		// The snapshot is never written after publication; Learn only touches terms.
		snap := make(map[string]term, len(g.terms))
		for k, v := range g.terms {
			snap[k] = v
		}
		g.pattern = buildTermPattern(snap)
		g.snapshot = snap
		g.dirty = false
	}
	return g.pattern, g.snapshot
}

func buildTermPattern(terms map[string]term) *regexp.Regexp {
	if len(terms) == 0 {
		return nil
	}
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	// Longest first so "jane doe" wins over "jane" at the same offset.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}
