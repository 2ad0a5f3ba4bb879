// Package compliance verifies a scrubbed bundle. Three independent checks run
// over the output: a residual-PHI regex scan of free text, k-anonymity over
// (gender, birth year), and a child-resource-per-patient integrity ratio.
// None of them modifies the bundle or aborts on failure; the outcome is a
// Report whose Passed field is the AND of all three.
package compliance

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/telemetry"
)

const (
	DefaultK                  = 5
	DefaultIntegrityThreshold = 0.5
)

// DefaultChildTypes are counted against patients by the integrity check.
var DefaultChildTypes = []string{"Condition"}

// Config holds the thresholds for one validator.
type Config struct {
	K                  int
	IntegrityThreshold float64
	ChildTypes         []string
}

func (c *Config) applyDefaults() {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.IntegrityThreshold <= 0 {
		c.IntegrityThreshold = DefaultIntegrityThreshold
	}
	if len(c.ChildTypes) == 0 {
		c.ChildTypes = DefaultChildTypes
	}
}

// Report is produced once per run and never modified after it is audited.
type Report struct {
	RunID string `json:"run_id,omitempty"`

	K            int     `json:"k"`
	MinK         int     `json:"min_k"`
	Groups       []Group `json:"groups"`
	FailedGroups []Group `json:"failed_groups"`

	RegexLeakCount int    `json:"regex_leak_count"`
	Leaks          []Leak `json:"leaks,omitempty"`

	IntegrityRatio     float64 `json:"integrity_ratio"`
	IntegrityThreshold float64 `json:"integrity_threshold"`
	IntegrityWarning   bool    `json:"integrity_warning"`
	// IntegrityNotApplicable is set when the bundle has no Patient to
	// measure against; the ratio is then 0 and raises no warning.
	IntegrityNotApplicable bool `json:"integrity_not_applicable,omitempty"`
	PatientCount       int     `json:"patient_count"`
	ChildCount         int     `json:"child_count"`

	// Scope notes copied from the anonymization step.
	UnhandledResourceTypes []string `json:"unhandled_resource_types,omitempty"`
	FlaggedAttachments     []string `json:"flagged_attachments,omitempty"`
	FailedResources        []string `json:"failed_resources,omitempty"`

	Passed bool `json:"passed"`
}

// JSON encodes the report for the audit log.
func (r *Report) JSON() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("compliance: marshal report: %w", err)
	}
	return data, nil
}

// Validator runs the three checks.
type Validator struct {
	cfg     Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

func NewValidator(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Validator {
	cfg.applyDefaults()
	return &Validator{cfg: cfg, log: logger, metrics: metrics}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

// Validate checks b. It fails only if an entry resource cannot be decoded.
func (v *Validator) Validate(b *fhir.Bundle) (*Report, error) {
	resources, err := b.Resources()
	if err != nil {
		return nil, fmt.Errorf("compliance: %w", err)
	}

	rep := &Report{K: v.cfg.K, IntegrityThreshold: v.cfg.IntegrityThreshold}

	rep.Leaks = ScanLeaks(resources)
	rep.RegexLeakCount = len(rep.Leaks)
	for _, l := range rep.Leaks {
		v.metrics.ObserveLeak(l.Pattern)
		v.log.Warn().
			Str("event", "phi_leak").
			Str("resource", l.Resource).
			Str("field", l.Field).
			Str("pattern", l.Pattern).
			Msg("residual PHI pattern in scrubbed output")
	}

	rep.MinK, rep.Groups, rep.FailedGroups = KAnonymity(resources, v.cfg.K)
	for _, g := range rep.FailedGroups {
		v.log.Warn().
			Str("event", "k_anonymity_violation").
			Str("gender", g.Gender).
			Str("birth_year", g.BirthYear).
			Int("count", g.Count).
			Int("k", v.cfg.K).
			Msg("quasi-identifier group below k")
	}

	rep.IntegrityRatio, rep.PatientCount, rep.ChildCount = Integrity(resources, v.cfg.ChildTypes)
	rep.IntegrityNotApplicable = rep.PatientCount == 0
	rep.IntegrityWarning = !rep.IntegrityNotApplicable && rep.IntegrityRatio < v.cfg.IntegrityThreshold
	if rep.IntegrityNotApplicable {
		v.log.Info().
			Str("event", "integrity_not_applicable").
			Int("children", rep.ChildCount).
			Msg("bundle has no patients; integrity check skipped")
	}
	if rep.IntegrityWarning {
		v.log.Warn().
			Str("event", "integrity_warning").
			Float64("ratio", rep.IntegrityRatio).
			Float64("threshold", v.cfg.IntegrityThreshold).
			Int("patients", rep.PatientCount).
			Int("children", rep.ChildCount).
			Msg("child resources per patient below threshold; possible data loss")
	}

	v.metrics.SetCompliance(rep.MinK, rep.IntegrityRatio)
	rep.Passed = passed(rep)
	return rep, nil
}

func passed(r *Report) bool {
	return r.RegexLeakCount == 0 && len(r.FailedGroups) == 0 && !r.IntegrityWarning
}
