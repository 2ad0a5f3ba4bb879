package detect

import (
	"regexp"
	"strings"
)

// Rule is a single pattern-based detection rule. When Group is non-zero the
// span covers that capture group instead of the whole match.
type Rule struct {
	Type     EntityType
	Pattern  *regexp.Regexp
	Group    int
	Validate func(string) bool
}

// DefaultRules returns the built-in rule set, highest priority first.
func DefaultRules() []Rule {
	return []Rule{
		{Type: Email, Pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
		{Type: SSN, Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Validate: validSSN},
		{Type: CreditCard, Pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), Validate: luhn},
		{Type: Phone, Pattern: regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{Type: MRN, Pattern: regexp.MustCompile(`(?i)\bMRN[:#]?\s*([A-Z0-9]{4,})\b`), Group: 1, Validate: hasDigit},
		{Type: DateTime, Pattern: regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:T\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:\d{2})?)?\b`)},
		{Type: DateTime, Pattern: regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)},
		{Type: DateTime, Pattern: regexp.MustCompile(`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`)},
		{Type: Location, Pattern: regexp.MustCompile(`\b\d{1,6}\s+(?:[A-Z][A-Za-z]+\s+){1,4}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl|Terrace|Parkway|Pkwy|Circle|Cir)\b\.?`)},
		{Type: Person, Pattern: regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+([A-Z][A-Za-z'\-]+(?:\s+[A-Z][A-Za-z'\-]+)?)`), Group: 1},
	}
}

// RegexDetector is the low-footprint tier: pattern rules only.
type RegexDetector struct {
	rules    []Rule
	priority map[EntityType]int
}

// NewRegexDetector builds a detector from rules; nil selects DefaultRules.
func NewRegexDetector(rules []Rule) *RegexDetector {
	if rules == nil {
		rules = DefaultRules()
	}
	priority := make(map[EntityType]int, len(rules))
	for i, r := range rules {
		if _, ok := priority[r.Type]; !ok {
			priority[r.Type] = i
		}
	}
	return &RegexDetector{rules: rules, priority: priority}
}

func (d *RegexDetector) Name() string { return "regex" }

// Detect applies every rule and resolves overlapping matches.
func (d *RegexDetector) Detect(text string) ([]Span, error) {
	if text == "" {
		return nil, nil
	}
	var spans []Span
	for _, rule := range d.rules {
		for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if rule.Group > 0 && len(loc) > 2*rule.Group+1 {
				start, end = loc[2*rule.Group], loc[2*rule.Group+1]
			}
			if start < 0 || end <= start {
				continue
			}
			value := text[start:end]
			if rule.Validate != nil && !rule.Validate(value) {
				continue
			}
			spans = append(spans, Span{Type: rule.Type, Start: start, End: end, Value: value})
		}
	}
	return resolveOverlaps(spans, d.priority), nil
}

// validSSN rejects only all-zero groups. Area numbers outside the issuance
// ranges (666, 9xx) are still SSN-shaped and are treated as PHI.
func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	return parts[0] != "000" && parts[1] != "00" && parts[2] != "0000"
}

func hasDigit(s string) bool {
	return strings.IndexAny(s, "0123456789") >= 0
}

// luhn reports whether the digits in s pass the Luhn checksum.
func luhn(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}
