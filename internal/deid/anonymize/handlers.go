package anonymize

import (
	"context"
	"strings"

	"github.com/ehr/deid/internal/deid/detect"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/hipaa"
)

// handler scrubs one resource in place.
type handler interface {
	scrub(ctx context.Context, rs *resourceScrub, r fhir.Resource) error
}

// fieldHandler applies a PHI field table. Fields are visited in order, so a
// value tokenized by an earlier, more specific field is skipped by later ones.
type fieldHandler struct {
	fields []hipaa.PHIField
}

func (h fieldHandler) scrub(ctx context.Context, rs *resourceScrub, r fhir.Resource) error {
	for _, f := range h.fields {
		err := fhir.WalkStrings(r, f.Segments(), f.Match.Matches, func(v string) (string, error) {
			return rs.field(ctx, f, v)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// learner is implemented by detectors that accept dictionary terms.
type learner interface {
	Learn(t detect.EntityType, term string)
}

// learnNames feeds structured person and location values of this bundle to
// the detector so the same names are found in its free text. Full names are
// learned as "given family" as well as their parts.
func (a *Anonymizer) learnNames(resources []fhir.Resource) {
	l, ok := a.detector.(learner)
	if !ok {
		return
	}
	learn := func(t detect.EntityType, s string) {
		if !token.ContainsToken(s) {
			l.Learn(t, s)
		}
	}

	for _, r := range resources {
		if r == nil {
			continue
		}
		h, ok := a.handlers[r.Type()].(fieldHandler)
		if !ok {
			continue
		}
		for _, f := range h.fields {
			if f.Kind != hipaa.Structured {
				continue
			}
			var t detect.EntityType
			switch f.Entity {
			case hipaa.EntityPerson:
				t = detect.Person
			case hipaa.EntityLocation:
				t = detect.Location
			default:
				continue
			}
			for _, v := range fhir.CollectStrings(r, f.Segments(), f.Match.Matches) {
				learn(t, v)
			}
		}

		for _, name := range r.Objects("name") {
			if full := fullName(name); full != "" {
				learn(detect.Person, full)
			}
		}
	}
}

func fullName(name map[string]interface{}) string {
	var parts []string
	if given, ok := name["given"].([]interface{}); ok {
		for _, g := range given {
			if s, ok := g.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
	}
	if family, ok := name["family"].(string); ok && family != "" {
		parts = append(parts, family)
	}
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts, " ")
}
