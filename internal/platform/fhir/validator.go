package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// bundleTypes lists the Bundle.type codes defined by FHIR R4.
var bundleTypes = map[string]bool{
	"document":             true,
	"message":              true,
	"transaction":          true,
	"transaction-response": true,
	"batch":                true,
	"batch-response":       true,
	"history":              true,
	"searchset":            true,
	"collection":           true,
}

// ValidationResult holds the results of a bundle validation.
type ValidationResult struct {
	Valid  bool
	Issues []OperationOutcomeIssue
}

// ToOperationOutcome converts a ValidationResult into an OperationOutcome.
func (vr *ValidationResult) ToOperationOutcome() *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        vr.Issues,
	}
}

// Err flattens the issues into a single error wrapping ErrInvalidBundle, or
// returns nil when the result is valid.
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	msgs := make([]string, 0, len(vr.Issues))
	for _, issue := range vr.Issues {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			msgs = append(msgs, issue.Diagnostics)
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidBundle, strings.Join(msgs, "; "))
}

func (vr *ValidationResult) addError(code, diagnostics, expression string) {
	vr.Valid = false
	vr.Issues = append(vr.Issues, OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{expression},
	})
}

// Validator checks the structural shape of a Bundle before de-identification.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBundle confirms the top-level discriminator is "Bundle", the bundle
// type is a known FHIR code and every entry wraps a JSON object carrying a
// resourceType. Content of individual resources is not checked here.
func (v *Validator) ValidateBundle(bundle *Bundle) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if bundle.ResourceType != "Bundle" {
		result.addError(IssueTypeInvalid,
			fmt.Sprintf("resourceType must be 'Bundle'; got '%s'", bundle.ResourceType), "resourceType")
		return result
	}

	if !bundleTypes[bundle.Type] {
		result.addError(IssueTypeValue,
			fmt.Sprintf("bundle type '%s' is not a FHIR Bundle.type code", bundle.Type), "type")
		return result
	}

	for i, entry := range bundle.Entry {
		v.validateEntry(entry, i, result)
	}

	return result
}

func (v *Validator) validateEntry(entry BundleEntry, index int, result *ValidationResult) {
	expr := fmt.Sprintf("entry[%d].resource", index)
	if len(entry.Resource) == 0 {
		// Entries without a resource are legal in response bundles.
		if len(entry.Response) == 0 {
			result.addError(IssueTypeRequired,
				fmt.Sprintf("entry[%d] has neither resource nor response", index), expr)
		}
		return
	}

	var head map[string]json.RawMessage
	if err := json.Unmarshal(entry.Resource, &head); err != nil {
		result.addError(IssueTypeStructure,
			fmt.Sprintf("entry[%d].resource is not a JSON object: %s", index, err.Error()), expr)
		return
	}

	raw, ok := head["resourceType"]
	if !ok {
		result.addError(IssueTypeRequired,
			fmt.Sprintf("entry[%d].resource.resourceType is required", index), expr+".resourceType")
		return
	}
	var rt string
	if err := json.Unmarshal(raw, &rt); err != nil || rt == "" {
		result.addError(IssueTypeValue,
			fmt.Sprintf("entry[%d].resource.resourceType must be a non-empty string", index), expr+".resourceType")
	}
}
