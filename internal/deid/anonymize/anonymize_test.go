package anonymize

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/deid/detect"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/fhir"
)

const janeDoeBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1",
      "name": [{"given": ["Jane"], "family": "Doe"}],
      "gender": "female", "birthDate": "1990-04-02"}},
    {"resource": {"resourceType": "DocumentReference", "id": "d1",
      "description": "Jane Doe, SSN 123-45-6789, call 555-123-4567"}}
  ]
}`

func newStore(t *testing.T) *token.FileStore {
	t.Helper()
	s, err := token.OpenFileStore(filepath.Join(t.TempDir(), "tokens.json"), token.FileOptions{Flush: token.FlushBatch})
	if err != nil {
		t.Fatalf("open token store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func parse(t *testing.T, raw string) *fhir.Bundle {
	t.Helper()
	b, err := fhir.ParseBundle([]byte(raw))
	if err != nil {
		t.Fatalf("parse bundle: %v", err)
	}
	return b
}

func resourceByID(t *testing.T, b *fhir.Bundle, id string) fhir.Resource {
	t.Helper()
	rs, err := b.Resources()
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	for _, r := range rs {
		if r.ID() == id {
			return r
		}
	}
	t.Fatalf("resource %q not in bundle", id)
	return nil
}

func patientName(t *testing.T, r fhir.Resource) (given, family string) {
	t.Helper()
	names := r.Objects("name")
	if len(names) != 1 {
		t.Fatalf("expected one name, got %v", r["name"])
	}
	g, _ := names[0]["given"].([]interface{})
	if len(g) != 1 {
		t.Fatalf("expected one given name, got %v", names[0]["given"])
	}
	given, _ = g[0].(string)
	family, _ = names[0]["family"].(string)
	return given, family
}

func TestAnonymize_JaneDoeEndToEnd(t *testing.T) {
	store := newStore(t)
	a := New(detect.NewGazetteerDetector(nil), store, Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	res, err := a.Anonymize(ctx, parse(t, janeDoeBundle))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	if res.Processed != 2 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	given, family := patientName(t, resourceByID(t, res.Bundle, "p1"))
	for _, v := range []string{given, family} {
		if !token.IsToken(v) || !strings.HasPrefix(v, "[PERSON_") {
			t.Errorf("expected PERSON token, got %q", v)
		}
	}
	if given == family {
		t.Error("given and family names must map to distinct tokens")
	}

	desc := resourceByID(t, res.Bundle, "d1").String("description")
	for _, leaked := range []string{"Jane", "Doe", "123-45-6789", "555-123-4567"} {
		if strings.Contains(desc, leaked) {
			t.Errorf("description still contains %q: %s", leaked, desc)
		}
	}
	for _, prefix := range []string{"[PERSON_", "[US_SSN_", "[PHONE_NUMBER_"} {
		if !strings.Contains(desc, prefix) {
			t.Errorf("description missing %s token: %s", prefix, desc)
		}
	}

	// A second run against the same store reproduces the substitutions.
	again, err := a.Anonymize(ctx, parse(t, janeDoeBundle))
	if err != nil {
		t.Fatalf("second anonymize: %v", err)
	}
	given2, family2 := patientName(t, resourceByID(t, again.Bundle, "p1"))
	if given2 != given || family2 != family {
		t.Errorf("second run changed tokens: %q/%q -> %q/%q", given, family, given2, family2)
	}
	if desc2 := resourceByID(t, again.Bundle, "d1").String("description"); desc2 != desc {
		t.Errorf("second run changed description:\n%s\n%s", desc, desc2)
	}
}

func TestAnonymize_TokenizesUnissuedSSNRanges(t *testing.T) {
	raw := `{"resourceType": "Bundle", "type": "collection", "entry": [
	  {"resource": {"resourceType": "DocumentReference", "id": "d1",
	    "description": "SSN 987-65-4321 and 666-12-3456 on file"}}
	]}`
	for _, d := range []detect.Detector{detect.NewRegexDetector(nil), detect.NewGazetteerDetector(nil)} {
		t.Run(d.Name(), func(t *testing.T) {
			res, err := New(d, newStore(t), Options{Logger: zerolog.Nop()}).Anonymize(context.Background(), parse(t, raw))
			if err != nil {
				t.Fatalf("anonymize: %v", err)
			}
			desc := resourceByID(t, res.Bundle, "d1").String("description")
			for _, v := range []string{"987-65-4321", "666-12-3456"} {
				if strings.Contains(desc, v) {
					t.Errorf("%s left in description: %s", v, desc)
				}
			}
			if n := strings.Count(desc, "[US_SSN_"); n != 2 {
				t.Errorf("expected two SSN tokens, got %d in %s", n, desc)
			}
		})
	}
}

func TestAnonymize_KeepsEntryEnvelope(t *testing.T) {
	raw := `{"resourceType": "Bundle", "type": "document", "timestamp": "2024-01-01",
	  "identifier": {"system": "urn:ietf:rfc:3986", "value": "urn:uuid:1"},
	  "entry": [
	    {"fullUrl": "urn:uuid:p1", "link": [{"relation": "self", "url": "Patient/p1"}],
	     "resource": {"resourceType": "Patient", "id": "p1", "name": [{"family": "Doe"}]}}
	  ]}`
	res, err := New(detect.NewRegexDetector(nil), newStore(t), Options{Logger: zerolog.Nop()}).
		Anonymize(context.Background(), parse(t, raw))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	out, err := res.Bundle.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"timestamp": "2024-01-01"`, `"urn:uuid:1"`, `"fullUrl": "urn:uuid:p1"`, `"relation": "self"`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("output lost %s:\n%s", want, out)
		}
	}
	if strings.Contains(string(out), "Doe") {
		t.Errorf("name not scrubbed:\n%s", out)
	}
}

func TestAnonymize_NoteCaseVariantsShareStructuredToken(t *testing.T) {
	const raw = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1",
      "name": [{"given": ["Jane"], "family": "Doe"}]}},
    {"resource": {"resourceType": "DocumentReference", "id": "d1",
      "description": "spoke with jane; JANE agreed"}}
  ]
}`
	a := New(detect.NewGazetteerDetector(nil), newStore(t), Options{Logger: zerolog.Nop()})
	res, err := a.Anonymize(context.Background(), parse(t, raw))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	given, _ := patientName(t, resourceByID(t, res.Bundle, "p1"))
	desc := resourceByID(t, res.Bundle, "d1").String("description")
	want := "spoke with " + given + "; " + given + " agreed"
	if desc != want {
		t.Errorf("expected note tokens to match the structured name:\n got %s\nwant %s", desc, want)
	}
}

func TestAnonymize_DoesNotModifyInput(t *testing.T) {
	in := parse(t, janeDoeBundle)
	before, _ := in.Marshal()

	a := New(detect.NewRegexDetector(nil), newStore(t), Options{})
	if _, err := a.Anonymize(context.Background(), in); err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	after, _ := in.Marshal()
	if string(before) != string(after) {
		t.Error("input bundle was modified")
	}
}

func TestAnonymize_StructuredFields(t *testing.T) {
	raw := `{"resourceType": "Bundle", "type": "collection", "entry": [
	  {"resource": {"resourceType": "Patient", "id": "p1",
	    "identifier": [
	      {"system": "http://hl7.org/fhir/sid/us-ssn", "value": "123-45-6789"},
	      {"system": "http://hospital.example/mrn", "value": "A0012345"}
	    ],
	    "telecom": [
	      {"system": "phone", "value": "555-123-4567"},
	      {"system": "email", "value": "jane@example.org"}
	    ],
	    "address": [{"line": ["42 Elm Street", "Apt 3"], "city": "Springfield", "state": "IL", "postalCode": "62701"}],
	    "gender": "female", "birthDate": "1990-04-02"}}
	]}`

	store := newStore(t)
	a := New(detect.NewRegexDetector(nil), store, Options{})
	ctx := context.Background()
	res, err := a.Anonymize(ctx, parse(t, raw))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	p := resourceByID(t, res.Bundle, "p1")

	ids := p.Objects("identifier")
	tel := p.Objects("telecom")
	addr := p.Objects("address")[0]
	checks := []struct {
		name   string
		got    interface{}
		entity string
		value  string
	}{
		{"ssn identifier", ids[0]["value"], "US_SSN", "123-45-6789"},
		{"mrn identifier", ids[1]["value"], "MEDICAL_RECORD_NUMBER", "A0012345"},
		{"phone", tel[0]["value"], "PHONE_NUMBER", "555-123-4567"},
		{"email", tel[1]["value"], "EMAIL_ADDRESS", "jane@example.org"},
		{"city", addr["city"], "LOCATION", "Springfield"},
		{"postal code", addr["postalCode"], "LOCATION", "62701"},
		{"address line", addr["line"].([]interface{})[1], "LOCATION", "Apt 3"},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			e, err := store.Lookup(ctx, c.entity, c.value)
			if err != nil {
				t.Fatalf("expected %s token for value: %v", c.entity, err)
			}
			if c.got != e.Token {
				t.Errorf("expected %q, got %v", e.Token, c.got)
			}
		})
	}

	if addr["state"] != "IL" || p.String("gender") != "female" || p.String("birthDate") != "1990-04-02" {
		t.Errorf("non-identifying fields must pass through: %v", p)
	}
}

func TestAnonymize_UnhandledTypesPassThrough(t *testing.T) {
	raw := `{"resourceType": "Bundle", "type": "collection", "entry": [
	  {"resource": {"resourceType": "Basic", "id": "b1", "code": {"text": "call 555-123-4567"}}},
	  {"resource": {"resourceType": "Basic", "id": "b2"}},
	  {"resource": {"resourceType": "Account", "id": "a1"}}
	]}`
	res, err := New(detect.NewRegexDetector(nil), newStore(t), Options{}).Anonymize(context.Background(), parse(t, raw))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	if fmt.Sprint(res.Unhandled) != "[Account Basic]" {
		t.Errorf("expected sorted unhandled types, got %v", res.Unhandled)
	}
	code := resourceByID(t, res.Bundle, "b1").Objects("code")[0]
	if code["text"] != "call 555-123-4567" {
		t.Errorf("unhandled resource must pass through unchanged, got %v", code)
	}
	if res.Processed != 3 {
		t.Errorf("expected all 3 resources emitted, got %d", res.Processed)
	}
}

func docWithAttachment(data string) string {
	return fmt.Sprintf(`{"resourceType": "Bundle", "type": "collection", "entry": [
	  {"resource": {"resourceType": "DocumentReference", "id": "d1",
	    "content": [{"attachment": {"contentType": "text/plain", "data": %q}}]}}
	]}`, data)
}

func attachmentData(t *testing.T, b *fhir.Bundle) string {
	t.Helper()
	content := resourceByID(t, b, "d1").Objects("content")
	att := fhir.ObjectsOf(content[0], "attachment")
	s, _ := att[0]["data"].(string)
	return s
}

func TestAnonymize_Attachments(t *testing.T) {
	note := "Seen today. Call 555-123-4567 or mail jane@example.org!"

	tests := []struct {
		name string
		text string
		enc  *base64.Encoding
	}{
		{"standard", note, base64.StdEncoding},
		{"raw standard", note, base64.RawStdEncoding},
		// "???" encodes to "Pz8_" in the URL alphabet, which standard decoding rejects.
		{"url safe", "???" + note, base64.URLEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(detect.NewRegexDetector(nil), newStore(t), Options{}).
				Anonymize(context.Background(), parse(t, docWithAttachment(tt.enc.EncodeToString([]byte(tt.text)))))
			if err != nil {
				t.Fatalf("anonymize: %v", err)
			}
			if len(res.FlaggedAttachments) != 0 {
				t.Fatalf("unexpected flags %v", res.FlaggedAttachments)
			}
			out := attachmentData(t, res.Bundle)
			decoded, err := tt.enc.DecodeString(out)
			if err != nil {
				t.Fatalf("output not in original encoding: %v", err)
			}
			text := string(decoded)
			if strings.Contains(text, "555-123-4567") || strings.Contains(text, "jane@example.org") {
				t.Errorf("attachment still contains PHI: %s", text)
			}
			if !strings.Contains(text, "Seen today. Call [PHONE_NUMBER_") {
				t.Errorf("unexpected scrubbed text %q", text)
			}
		})
	}
}

func TestAnonymize_UndecodableAttachmentIsFlagged(t *testing.T) {
	tests := map[string]string{
		"not base64": "%%% not base64 %%%",
		"binary":     base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x00, 0x81}),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			res, err := New(detect.NewRegexDetector(nil), newStore(t), Options{Logger: zerolog.Nop()}).
				Anonymize(context.Background(), parse(t, docWithAttachment(data)))
			if err != nil {
				t.Fatalf("anonymize: %v", err)
			}
			if len(res.FlaggedAttachments) != 1 || !strings.HasPrefix(res.FlaggedAttachments[0], "DocumentReference/d1") {
				t.Fatalf("expected one flag for d1, got %v", res.FlaggedAttachments)
			}
			if got := attachmentData(t, res.Bundle); got != data {
				t.Errorf("flagged attachment must be left untouched, got %q", got)
			}
			if res.Processed != 1 {
				t.Errorf("flagged resource must still be emitted")
			}
		})
	}
}

type failingStore struct{ token.Store }

func (failingStore) GetOrCreate(context.Context, string, string) (string, error) {
	return "", errors.New("disk full")
}

func TestAnonymize_FailedResourceIsWithheld(t *testing.T) {
	raw := `{"resourceType": "Bundle", "type": "collection", "entry": [
	  {"resource": {"resourceType": "Patient", "id": "p1", "name": [{"family": "Doe"}]}},
	  {"resource": {"resourceType": "Condition", "id": "c1", "subject": {"reference": "Patient/p1"}}}
	]}`
	res, err := New(detect.NewRegexDetector(nil), failingStore{}, Options{Logger: zerolog.Nop()}).
		Anonymize(context.Background(), parse(t, raw))
	if err != nil {
		t.Fatalf("per-resource failure must not abort the bundle: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].Ref != "Patient/p1" {
		t.Fatalf("expected Patient/p1 to fail, got %+v", res.Failed)
	}
	if len(res.Bundle.Entry) != 1 || res.Processed != 1 {
		t.Fatalf("expected only the condition in the output, got %d entries", len(res.Bundle.Entry))
	}
	if strings.Contains(string(res.Bundle.Entry[0].Resource), "Doe") {
		t.Error("failed resource leaked into output")
	}
}

type panickingDetector struct{}

func (panickingDetector) Name() string { return "broken" }
func (panickingDetector) Detect(string) ([]detect.Span, error) {
	panic("model not loaded")
}

func TestAnonymize_DetectionFailureLeavesTextAndContinues(t *testing.T) {
	raw := `{"resourceType": "Bundle", "type": "collection", "entry": [
	  {"resource": {"resourceType": "Patient", "id": "p1", "name": [{"family": "Doe"}]}},
	  {"resource": {"resourceType": "Condition", "id": "c1", "note": [{"text": "pain since Tuesday"}]}}
	]}`
	res, err := New(panickingDetector{}, newStore(t), Options{Logger: zerolog.Nop()}).
		Anonymize(context.Background(), parse(t, raw))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	if res.DetectionFailures != 1 {
		t.Errorf("expected one detection failure, got %d", res.DetectionFailures)
	}
	if len(res.Failed) != 0 || res.Processed != 2 {
		t.Errorf("detection failure must not withhold resources: %+v", res)
	}
	family, _ := resourceByID(t, res.Bundle, "p1").Objects("name")[0]["family"].(string)
	if !token.IsToken(family) {
		t.Errorf("structured fields must still be tokenized, got %v", family)
	}
}

func TestAnonymize_ConcurrentResourcesShareTokens(t *testing.T) {
	var entries []string
	for i := 0; i < 50; i++ {
		entries = append(entries, fmt.Sprintf(
			`{"resource": {"resourceType": "Condition", "id": "c%d", "note": [{"text": "reported by Dr. Watson, call 555-123-4567"}]}}`, i))
	}
	raw := `{"resourceType": "Bundle", "type": "collection", "entry": [` + strings.Join(entries, ",") + `]}`

	store := newStore(t)
	res, err := New(detect.NewRegexDetector(nil), store, Options{Workers: 8}).Anonymize(context.Background(), parse(t, raw))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}

	var first string
	for i := range res.Bundle.Entry {
		r, _ := fhir.DecodeResource(res.Bundle.Entry[i].Resource)
		text, _ := r.Objects("note")[0]["text"].(string)
		if first == "" {
			first = text
		}
		if text != first {
			t.Fatalf("resources scrubbed to different text:\n%s\n%s", first, text)
		}
	}
	if st := store.Stats(); st.Created != 2 {
		t.Errorf("expected exactly two minted tokens, got %+v", st)
	}
}

func TestAnonymize_RerunKeepsTokens(t *testing.T) {
	store := newStore(t)
	a := New(detect.NewGazetteerDetector(nil), store, Options{})
	ctx := context.Background()

	first, err := a.Anonymize(ctx, parse(t, janeDoeBundle))
	if err != nil {
		t.Fatalf("anonymize: %v", err)
	}
	second, err := a.Anonymize(ctx, first.Bundle)
	if err != nil {
		t.Fatalf("re-anonymize: %v", err)
	}
	a1, _ := json.Marshal(first.Bundle)
	a2, _ := json.Marshal(second.Bundle)
	if string(a1) != string(a2) {
		t.Errorf("scrubbing scrubbed output changed it:\n%s\n%s", a1, a2)
	}
	if second.Replacements != 0 {
		t.Errorf("expected no new replacements, got %d", second.Replacements)
	}
}
