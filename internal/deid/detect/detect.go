// Package detect finds PHI entity spans in free text. Two tiers share the
// Detector contract: RegexDetector (pattern rules only, no startup cost) and
// GazetteerDetector (the regex rules plus a dictionary of known person names).
package detect

import (
	"fmt"
	"sort"
)

// EntityType names a category of PHI. The string form is embedded in
// replacement tokens, e.g. "[PERSON_3fa1c29b07de]".
type EntityType string

const (
	Person     EntityType = "PERSON"
	Location   EntityType = "LOCATION"
	Phone      EntityType = "PHONE_NUMBER"
	Email      EntityType = "EMAIL_ADDRESS"
	DateTime   EntityType = "DATE_TIME"
	SSN        EntityType = "US_SSN"
	CreditCard EntityType = "CREDIT_CARD"
	MRN        EntityType = "MEDICAL_RECORD_NUMBER"
	Identifier EntityType = "IDENTIFIER"
)

// Span is one detected entity. Start and End are byte offsets into the
// scanned text; Value is text[Start:End]. Canonical, when set, is the form
// the entity should be tokenized under.
type Span struct {
	Type      EntityType `json:"type"`
	Start     int        `json:"start"`
	End       int        `json:"end"`
	Value     string     `json:"value"`
	Canonical string     `json:"canonical,omitempty"`
}

// Key returns the value a token is minted for.
func (s Span) Key() string {
	if s.Canonical != "" {
		return s.Canonical
	}
	return s.Value
}

// Detector scans text for PHI. Empty input yields no spans and no error.
type Detector interface {
	Name() string
	Detect(text string) ([]Span, error)
}

// Run calls d.Detect and converts a panic inside the detector into an error,
// so a single malformed note cannot take down the caller.
func Run(d Detector, text string) (spans []Span, err error) {
	if text == "" {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			spans = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Name(), r)
		}
	}()
	return d.Detect(text)
}

// resolveOverlaps keeps the longest span wherever spans overlap, breaking
// ties by earlier start and then by rule priority, and returns the survivors
// ordered by start offset.
func resolveOverlaps(spans []Span, priority map[EntityType]int) []Span {
	if len(spans) < 2 {
		return spans
	}
	candidates := append([]Span(nil), spans...)
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].End-candidates[i].Start, candidates[j].End-candidates[j].Start
		if li != lj {
			return li > lj
		}
		if candidates[i].Start != candidates[j].Start {
			return candidates[i].Start < candidates[j].Start
		}
		return priority[candidates[i].Type] < priority[candidates[j].Type]
	})

	kept := make([]Span, 0, len(candidates))
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
