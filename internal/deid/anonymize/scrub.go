package anonymize

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ehr/deid/internal/deid/detect"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/hipaa"
)

// resourceScrub carries per-resource state. It is owned by one goroutine.
type resourceScrub struct {
	a            *Anonymizer
	ref          string
	flagged      []string
	detectFails  int
	replacements int
}

func (rs *resourceScrub) field(ctx context.Context, f hipaa.PHIField, v string) (string, error) {
	switch f.Kind {
	case hipaa.Structured:
		return rs.structured(ctx, f.Entity, v)
	case hipaa.FreeText:
		return rs.text(ctx, v, "free_text")
	case hipaa.Attachment:
		return rs.attachment(ctx, f.Path, v)
	}
	return v, fmt.Errorf("unknown field kind %d at %s", f.Kind, f.Path)
}

func (rs *resourceScrub) structured(ctx context.Context, entity, v string) (string, error) {
	if strings.TrimSpace(v) == "" || token.IsToken(v) {
		return v, nil
	}
	tok, err := rs.a.store.GetOrCreate(ctx, entity, v)
	if err != nil {
		return "", fmt.Errorf("tokenize %s: %w", entity, err)
	}
	rs.replacements++
	rs.a.metrics.ObserveReplacement(entity, "structured")
	return tok, nil
}

// text replaces every detected span with its token. Detection failures leave
// the text unchanged; token store failures are returned.
func (rs *resourceScrub) text(ctx context.Context, s, source string) (string, error) {
	spans, err := detect.Run(rs.a.detector, s)
	if err != nil {
		rs.detectFails++
		rs.a.metrics.ObserveDetectionFailure(rs.a.detector.Name())
		rs.a.log.Warn().
			Str("event", "detection_failed").
			Str("resource", rs.ref).
			Str("detector", rs.a.detector.Name()).
			Err(err).
			Msg("entity detection failed; text left as is")
		return s, nil
	}
	if len(spans) == 0 {
		return s, nil
	}

	existing := token.Locate(s)
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, sp := range spans {
		if sp.Start < last || overlapsAny(sp, existing) {
			continue
		}
		tok, err := rs.a.store.GetOrCreate(ctx, string(sp.Type), sp.Key())
		if err != nil {
			return "", fmt.Errorf("tokenize %s: %w", sp.Type, err)
		}
		b.WriteString(s[last:sp.Start])
		b.WriteString(tok)
		last = sp.End
		rs.replacements++
		rs.a.metrics.ObserveReplacement(string(sp.Type), source)
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func overlapsAny(sp detect.Span, locs [][]int) bool {
	for _, l := range locs {
		if sp.Start < l[1] && l[0] < sp.End {
			return true
		}
	}
	return false
}

// attachment decodes base64 text, scrubs it, and re-encodes it with the same
// alphabet. Content that cannot be decoded as UTF-8 text, or that does not
// survive re-encoding, is left untouched and flagged.
func (rs *resourceScrub) attachment(ctx context.Context, path, data string) (string, error) {
	if data == "" {
		return data, nil
	}
	raw, enc, err := fhir.DecodeAttachmentData(data)
	if err != nil {
		rs.flag(path, err)
		return data, nil
	}
	if !utf8.Valid(raw) {
		rs.flag(path, fmt.Errorf("decoded content is not UTF-8 text"))
		return data, nil
	}

	scrubbed, err := rs.text(ctx, string(raw), "attachment")
	if err != nil {
		return "", err
	}
	out := enc.EncodeToString([]byte(scrubbed))
	if check, err := enc.DecodeString(out); err != nil || string(check) != scrubbed {
		rs.flag(path, fmt.Errorf("re-encoded content does not round-trip"))
		return data, nil
	}
	return out, nil
}

func (rs *resourceScrub) flag(path string, err error) {
	where := rs.ref + " " + path
	rs.flagged = append(rs.flagged, where)
	rs.a.metrics.ObserveFlaggedAttachment()
	rs.a.log.Warn().
		Str("event", "attachment_flagged").
		Str("resource", rs.ref).
		Str("field", path).
		Err(err).
		Msg("attachment left untouched")
}
