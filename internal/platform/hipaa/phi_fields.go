package hipaa

import "strings"

// FieldKind says how a PHI field is scrubbed.
type FieldKind int

const (
	// Structured fields have a known semantic type and are replaced whole.
	Structured FieldKind = iota
	// FreeText fields are scanned by an entity detector and replaced span by span.
	FreeText
	// Attachment fields hold base64 text that is decoded, scanned, and re-encoded.
	Attachment
)

func (k FieldKind) String() string {
	switch k {
	case Structured:
		return "structured"
	case FreeText:
		return "free-text"
	case Attachment:
		return "attachment"
	}
	return "unknown"
}

// FieldMatch restricts a field to elements whose sibling Key contains Value
// (case-insensitive), e.g. telecom entries with system "phone".
type FieldMatch struct {
	Key   string
	Value string
}

// Matches reports whether obj satisfies the restriction. A nil match accepts all.
func (m *FieldMatch) Matches(obj map[string]interface{}) bool {
	if m == nil {
		return true
	}
	s, _ := obj[m.Key].(string)
	return strings.Contains(strings.ToLower(s), strings.ToLower(m.Value))
}

// PHIField is one field path carrying PHI. Paths use dot notation over FHIR
// JSON element names; arrays are traversed transparently.
type PHIField struct {
	Path   string
	Kind   FieldKind
	Entity string // entity type for Structured fields
	Match  *FieldMatch
}

// Segments splits the path on dots.
func (f PHIField) Segments() []string {
	return strings.Split(f.Path, ".")
}

// PHIFieldConfig maps a FHIR resource type to the fields that contain
// Protected Health Information per the HIPAA Safe Harbor identifier list
// (45 CFR 164.514(b)(2)).
type PHIFieldConfig struct {
	ResourceType string
	Fields       []PHIField
}

// Entity types used by structured fields. They match the detector's names so
// a value tokenized structurally and one found in free text share a token.
const (
	EntityPerson     = "PERSON"
	EntityLocation   = "LOCATION"
	EntityPhone      = "PHONE_NUMBER"
	EntityEmail      = "EMAIL_ADDRESS"
	EntitySSN        = "US_SSN"
	EntityMRN        = "MEDICAL_RECORD_NUMBER"
	EntityIdentifier = "IDENTIFIER"
)

// personFields covers resources that describe a person directly. More
// specific matches come first; a value already replaced is not replaced again.
func personFields() []PHIField {
	return []PHIField{
		{Path: "name.given", Kind: Structured, Entity: EntityPerson},
		{Path: "name.family", Kind: Structured, Entity: EntityPerson},
		{Path: "name.text", Kind: Structured, Entity: EntityPerson},
		{Path: "address.line", Kind: Structured, Entity: EntityLocation},
		{Path: "address.city", Kind: Structured, Entity: EntityLocation},
		{Path: "address.district", Kind: Structured, Entity: EntityLocation},
		{Path: "address.postalCode", Kind: Structured, Entity: EntityLocation},
		{Path: "address.text", Kind: Structured, Entity: EntityLocation},
		{Path: "telecom.value", Kind: Structured, Entity: EntityPhone, Match: &FieldMatch{Key: "system", Value: "phone"}},
		{Path: "telecom.value", Kind: Structured, Entity: EntityPhone, Match: &FieldMatch{Key: "system", Value: "fax"}},
		{Path: "telecom.value", Kind: Structured, Entity: EntityEmail, Match: &FieldMatch{Key: "system", Value: "email"}},
		{Path: "telecom.value", Kind: Structured, Entity: EntityIdentifier},
		{Path: "identifier.value", Kind: Structured, Entity: EntitySSN, Match: &FieldMatch{Key: "system", Value: "ssn"}},
		{Path: "identifier.value", Kind: Structured, Entity: EntitySSN, Match: &FieldMatch{Key: "system", Value: "us-ssn"}},
		{Path: "identifier.value", Kind: Structured, Entity: EntityMRN, Match: &FieldMatch{Key: "system", Value: "mrn"}},
		{Path: "identifier.value", Kind: Structured, Entity: EntityIdentifier},
		{Path: "text.div", Kind: FreeText},
	}
}

func narrativeFields(extra ...PHIField) []PHIField {
	return append([]PHIField{
		{Path: "note.text", Kind: FreeText},
		{Path: "text.div", Kind: FreeText},
	}, extra...)
}

// DefaultPHIFields returns the field table for every resource type the
// de-identification pipeline knows how to scrub.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{ResourceType: "Patient", Fields: personFields()},
		{ResourceType: "RelatedPerson", Fields: personFields()},
		{ResourceType: "Practitioner", Fields: personFields()},
		{
			ResourceType: "DocumentReference",
			Fields: []PHIField{
				{Path: "description", Kind: FreeText},
				{Path: "content.attachment.title", Kind: FreeText},
				{Path: "content.attachment.data", Kind: Attachment},
				{Path: "text.div", Kind: FreeText},
			},
		},
		{ResourceType: "Binary", Fields: []PHIField{{Path: "data", Kind: Attachment}}},
		{ResourceType: "Condition", Fields: narrativeFields()},
		{ResourceType: "Observation", Fields: narrativeFields(PHIField{Path: "valueString", Kind: FreeText})},
		{ResourceType: "MedicationRequest", Fields: narrativeFields()},
		{ResourceType: "MedicationStatement", Fields: narrativeFields()},
		{ResourceType: "Procedure", Fields: narrativeFields()},
		{ResourceType: "Encounter", Fields: narrativeFields()},
		{
			ResourceType: "DiagnosticReport",
			Fields: narrativeFields(
				PHIField{Path: "conclusion", Kind: FreeText},
				PHIField{Path: "presentedForm.data", Kind: Attachment},
			),
		},
	}
}

// PHIFieldPaths returns a flat set of "<ResourceType>.<path>" strings for fast
// look-up. Example key: "Patient.telecom.value".
func PHIFieldPaths() map[string]bool {
	configs := DefaultPHIFields()
	paths := make(map[string]bool, 64)
	for _, c := range configs {
		for _, f := range c.Fields {
			paths[c.ResourceType+"."+f.Path] = true
		}
	}
	return paths
}

// TextFields returns, per resource type, the free-text and attachment
// fields. The residual-PHI scan re-checks exactly these.
func TextFields() map[string][]PHIField {
	out := make(map[string][]PHIField)
	for _, c := range DefaultPHIFields() {
		seen := make(map[string]bool)
		for _, f := range c.Fields {
			if f.Kind == Structured || seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			out[c.ResourceType] = append(out[c.ResourceType], f)
		}
	}
	return out
}
