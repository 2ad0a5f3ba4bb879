package compliance

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/hipaa"
)

// Leak is one residual-PHI match. The matched text is never recorded.
type Leak struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Pattern  string `json:"pattern"`
}

type leakPattern struct {
	name string
	re   *regexp.Regexp
}

// leakPatterns are high-confidence patterns; any match is a leak.
var leakPatterns = []leakPattern{
	{"phone", regexp.MustCompile(`(?:\(\d{3}\)\s?|\b\d{3}[-.])\d{3}[-.]\d{4}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
}

// ScanLeaks applies the leak patterns to every free-text and attachment
// field of the resources. Tokens are masked first so they cannot match.
func ScanLeaks(resources []fhir.Resource) []Leak {
	fields := hipaa.TextFields()
	var leaks []Leak
	for _, r := range resources {
		if r == nil {
			continue
		}
		for _, f := range fields[r.Type()] {
			for _, text := range fhir.CollectStrings(r, f.Segments(), f.Match.Matches) {
				if f.Kind == hipaa.Attachment {
					raw, _, err := fhir.DecodeAttachmentData(text)
					if err != nil || !utf8.Valid(raw) {
						continue
					}
					text = string(raw)
				}
				for _, name := range scanText(text) {
					leaks = append(leaks, Leak{Resource: r.Ref(), Field: f.Path, Pattern: name})
				}
			}
		}
	}
	return leaks
}

// scanText returns the pattern name of every match in text.
func scanText(text string) []string {
	masked := maskTokens(text)
	var hits []string
	for _, p := range leakPatterns {
		for range p.re.FindAllStringIndex(masked, -1) {
			hits = append(hits, p.name)
		}
	}
	return hits
}

func maskTokens(s string) string {
	locs := token.Locate(s)
	if len(locs) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, l := range locs {
		b.WriteString(s[last:l[0]])
		b.WriteString(strings.Repeat(" ", l[1]-l[0]))
		last = l[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// Unknown stands in for a missing quasi-identifier.
const Unknown = "unknown"

// Group is one distinct quasi-identifier tuple and its patient count.
type Group struct {
	Gender    string `json:"gender"`
	BirthYear string `json:"birth_year"`
	Count     int    `json:"count"`
}

// Key formats the tuple as "gender|birth_year".
func (g Group) Key() string { return g.Gender + "|" + g.BirthYear }

// KAnonymity groups Patient resources by (gender, birth year) and returns the
// smallest group size, all groups, and those with fewer than k members.
// Groups are sorted by key. With no patients minK is 0.
func KAnonymity(resources []fhir.Resource, k int) (minK int, groups, failing []Group) {
	counts := make(map[Group]int)
	for _, r := range resources {
		if r == nil || r.Type() != "Patient" {
			continue
		}
		counts[Group{Gender: gender(r), BirthYear: birthYear(r)}]++
	}

	for g, n := range counts {
		g.Count = n
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key() < groups[j].Key() })

	for i, g := range groups {
		if i == 0 || g.Count < minK {
			minK = g.Count
		}
		if g.Count < k {
			failing = append(failing, g)
		}
	}
	return minK, groups, failing
}

func gender(r fhir.Resource) string {
	g := strings.ToLower(strings.TrimSpace(r.String("gender")))
	if g == "" {
		return Unknown
	}
	return g
}

// birthYear takes the year from a FHIR date ("YYYY", "YYYY-MM" or "YYYY-MM-DD").
func birthYear(r fhir.Resource) string {
	d := r.String("birthDate")
	if len(d) < 4 {
		return Unknown
	}
	for _, c := range d[:4] {
		if c < '0' || c > '9' {
			return Unknown
		}
	}
	return d[:4]
}

// Integrity returns the ratio of child resources to patients. With no
// patients the ratio is 0 and the check does not apply.
func Integrity(resources []fhir.Resource, childTypes []string) (ratio float64, patients, children int) {
	isChild := make(map[string]bool, len(childTypes))
	for _, t := range childTypes {
		isChild[t] = true
	}
	for _, r := range resources {
		if r == nil {
			continue
		}
		switch t := r.Type(); {
		case t == "Patient":
			patients++
		case isChild[t]:
			children++
		}
	}
	if patients == 0 {
		return 0, 0, children
	}
	return float64(children) / float64(patients), patients, children
}
