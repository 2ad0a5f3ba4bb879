// Package pipeline runs one bundle through the de-identification state
// machine:
//
//	INGESTED -> VALIDATED -> ANONYMIZED -> VERIFIED -> AUDITED
//
// Any stage may move the run to FAILED instead. Every run, failed or not,
// appends exactly one audit entry. Scrubbed output is written only when the
// run reaches AUDITED.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ehr/deid/internal/deid/anonymize"
	"github.com/ehr/deid/internal/deid/compliance"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/storage"
	"github.com/ehr/deid/internal/platform/telemetry"
)

// State is a position in the run state machine.
type State string

const (
	StatePending    State = "PENDING"
	StateIngested   State = "INGESTED"
	StateValidated  State = "VALIDATED"
	StateAnonymized State = "ANONYMIZED"
	StateVerified   State = "VERIFIED"
	StateAudited    State = "AUDITED"
	StateFailed     State = "FAILED"
)

// Policy decides what a failing k-anonymity group does to a run.
type Policy string

const (
	// PolicyReport logs failing groups and lets the run succeed.
	PolicyReport Policy = "report"
	// PolicyEnforce fails the run when any group is below k.
	PolicyEnforce Policy = "enforce"
)

// ParsePolicy accepts "report" and "enforce"; empty means report.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReport:
		return PolicyReport, nil
	case PolicyEnforce:
		return PolicyEnforce, nil
	}
	return "", fmt.Errorf("pipeline: unknown k-anonymity policy %q", s)
}

var (
	ErrKAnonymityEnforced = errors.New("k-anonymity groups below threshold")
	ErrMissingDependency  = errors.New("pipeline: missing dependency")
)

// StageError records the stage a run was attempting when it failed.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Deps are the collaborators a Pipeline drives. Storage and Validator are
// always required; Run also needs Anonymizer, Tokens and Audit. Logger,
// Metrics and Tracer are optional.
type Deps struct {
	Storage    storage.Store
	Anonymizer *anonymize.Anonymizer
	Validator  *compliance.Validator
	Tokens     token.Store
	Audit      hipaa.AuditSink
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics
	Tracer     trace.Tracer
}

// Config holds run-level policy.
type Config struct {
	Retry  RetryPolicy
	Policy Policy
}

// Job names the locations for one run. ReportPath is optional.
type Job struct {
	Input      string
	Output     string
	ReportPath string
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID      string
	State      State
	History    []State
	Records    int
	Report     *compliance.Report
	Anonymized *anonymize.Result
	Err        error
}

// Pipeline is safe to reuse across runs but runs are not meant to overlap:
// the token store has a single owner for the duration of a run.
type Pipeline struct {
	store      storage.Store
	anonymizer *anonymize.Anonymizer
	validator  *compliance.Validator
	tokens     token.Store
	audit      hipaa.AuditSink
	schema     *fhir.Validator

	cfg     Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	now   func() time.Time
	newID func() string
}

// New checks deps and returns a ready Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Storage == nil:
		return nil, fmt.Errorf("%w: storage", ErrMissingDependency)
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: compliance validator", ErrMissingDependency)
	}
	if deps.Anonymizer != nil {
		if err := deps.Anonymizer.Check(); err != nil {
			return nil, err
		}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReport
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("deid-pipeline")
	}
	return &Pipeline{
		store:      deps.Storage,
		anonymizer: deps.Anonymizer,
		validator:  deps.Validator,
		tokens:     deps.Tokens,
		audit:      deps.Audit,
		schema:     fhir.NewValidator(),
		cfg:        cfg,
		log:        deps.Logger,
		metrics:    deps.Metrics,
		tracer:     tracer,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// run carries the per-run state shared by the stages.
type run struct {
	*Outcome
	job    Job
	log    zerolog.Logger
	raw    []byte
	bundle *fhir.Bundle
}

func (p *Pipeline) runnable() error {
	switch {
	case p.anonymizer == nil:
		return fmt.Errorf("%w: anonymizer", ErrMissingDependency)
	case p.tokens == nil:
		return fmt.Errorf("%w: token store", ErrMissingDependency)
	case p.audit == nil:
		return fmt.Errorf("%w: audit sink", ErrMissingDependency)
	}
	return nil
}

// Run drives job through every stage. Unless the Pipeline lacks a
// dependency, the returned Outcome is non-nil and any error is a *StageError
// equal to Outcome.Err.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Outcome, error) {
	if err := p.runnable(); err != nil {
		return nil, err
	}
	start := p.now()
	r := &run{Outcome: &Outcome{State: StatePending}, job: job}
	r.RunID = p.newID()
	r.log = p.log.With().Str("run_id", r.RunID).Logger()

	ctx, span := p.tracer.Start(ctx, "deid.run", trace.WithAttributes(attribute.String("run_id", r.RunID)))
	defer span.End()

	r.log.Info().Str("input", job.Input).Str("output", job.Output).Msg("pipeline run started")

	stages := []struct {
		state State
		fn    func(context.Context, *run) error
	}{
		{StateIngested, p.ingest},
		{StateValidated, p.validate},
		{StateAnonymized, p.anonymize},
		{StateVerified, p.verify},
		{StateAudited, p.publish},
	}
	for _, s := range stages {
		if err := p.stage(ctx, r, s.state, s.fn); err != nil {
			r.Err = err
			break
		}
	}

	if r.Err != nil {
		r.State = StateFailed
		r.History = append(r.History, StateFailed)
		p.recordFailure(ctx, r)
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, r.Err.Error())
		p.metrics.ObserveRun("failure")
		r.log.Error().
			Str("event", "stage").
			Str("stage", string(StateFailed)).
			Err(r.Err).
			Dur("elapsed", p.now().Sub(start)).
			Msg("pipeline run failed")
		return r.Outcome, r.Err
	}

	p.metrics.ObserveRun("success")
	r.log.Info().
		Int("records", r.Records).
		Dur("elapsed", p.now().Sub(start)).
		Msg("pipeline run completed")
	return r.Outcome, nil
}

func (p *Pipeline) stage(ctx context.Context, r *run, s State, fn func(context.Context, *run) error) error {
	ctx, span := p.tracer.Start(ctx, string(s))
	defer span.End()

	start := p.now()
	if err := fn(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: s, Err: err}
	}
	elapsed := p.now().Sub(start)
	p.metrics.ObserveStage(string(s), elapsed)

	r.State = s
	r.History = append(r.History, s)
	r.log.Info().
		Str("event", "stage").
		Str("stage", string(s)).
		Dur("duration", elapsed).
		Msg("stage complete")
	return nil
}

func (p *Pipeline) ingest(ctx context.Context, r *run) error {
	data, err := p.read(ctx, r.log, r.job.Input)
	if err != nil {
		return err
	}
	r.raw = data
	return nil
}

// read fetches location under the retry policy.
func (p *Pipeline) read(ctx context.Context, log zerolog.Logger, location string) ([]byte, error) {
	var data []byte
	err := p.cfg.Retry.Do(ctx, func(int) error {
		var err error
		data, err = p.store.Read(ctx, location)
		return err
	}, func(attempt int, err error) {
		p.metrics.ObserveIngestRetry()
		log.Warn().
			Str("event", "ingest_retry").
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.Retry.MaxAttempts).
			Dur("delay", p.cfg.Retry.Delay).
			Err(err).
			Msg("ingest failed; retrying")
	})
	return data, err
}

func (p *Pipeline) validate(_ context.Context, r *run) error {
	b, err := p.parse(r.raw)
	if err != nil {
		return err
	}
	r.bundle = b
	return nil
}

// parse decodes and schema-checks a bundle. Both failures wrap
// fhir.ErrInvalidBundle.
func (p *Pipeline) parse(raw []byte) (*fhir.Bundle, error) {
	b, err := fhir.ParseBundle(raw)
	if err != nil {
		return nil, err
	}
	if err := p.schema.ValidateBundle(b).Err(); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Pipeline) anonymize(ctx context.Context, r *run) error {
	res, err := p.anonymizer.Anonymize(ctx, r.bundle)
	if err != nil {
		return err
	}
	r.Anonymized = res

	if err := p.tokens.Flush(ctx); err != nil {
		return fmt.Errorf("flush token store: %w", err)
	}
	if sr, ok := p.tokens.(token.StatsReporter); ok {
		st := sr.Stats()
		p.metrics.SetTokenCounts(st.Created, st.Reused)
		r.log.Info().
			Int64("tokens_created", st.Created).
			Int64("tokens_reused", st.Reused).
			Int("replacements", res.Replacements).
			Int("failed_resources", len(res.Failed)).
			Msg("bundle anonymized")
	}
	return nil
}

func (p *Pipeline) verify(ctx context.Context, r *run) error {
	rep, err := p.validator.Validate(r.Anonymized.Bundle)
	if err != nil {
		return err
	}
	rep.RunID = r.RunID
	rep.UnhandledResourceTypes = r.Anonymized.Unhandled
	rep.FlaggedAttachments = r.Anonymized.FlaggedAttachments
	for _, f := range r.Anonymized.Failed {
		rep.FailedResources = append(rep.FailedResources, f.Ref)
	}
	r.Report = rep
	logReport(r.log, rep)

	if r.job.ReportPath != "" {
		data, err := rep.JSON()
		if err != nil {
			return err
		}
		if err := p.store.Write(ctx, r.job.ReportPath, data); err != nil {
			return fmt.Errorf("write compliance report: %w", err)
		}
	}

	if p.cfg.Policy == PolicyEnforce && len(rep.FailedGroups) > 0 {
		return fmt.Errorf("%w: %d group(s) below k=%d", ErrKAnonymityEnforced, len(rep.FailedGroups), rep.K)
	}
	return nil
}

func logReport(log zerolog.Logger, rep *compliance.Report) {
	ev := log.Info()
	if !rep.Passed {
		ev = log.Warn()
	}
	ev.Str("event", "compliance_report").
		Bool("passed", rep.Passed).
		Int("min_k", rep.MinK).
		Int("k", rep.K).
		Int("failed_groups", len(rep.FailedGroups)).
		Int("regex_leak_count", rep.RegexLeakCount).
		Float64("integrity_ratio", rep.IntegrityRatio).
		Strs("unhandled_resource_types", rep.UnhandledResourceTypes).
		Int("flagged_attachments", len(rep.FlaggedAttachments)).
		Int("failed_resources", len(rep.FailedResources)).
		Msg("compliance report")
}

// publish writes the scrubbed bundle and appends the SUCCESS audit entry.
func (p *Pipeline) publish(ctx context.Context, r *run) error {
	out := r.Anonymized.Bundle
	data, err := out.Marshal()
	if err != nil {
		return err
	}
	if err := p.store.Write(ctx, r.job.Output, data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	r.Records = len(out.Entry)

	entry := p.entry(r, hipaa.StatusSuccess)
	if err := p.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (p *Pipeline) recordFailure(ctx context.Context, r *run) {
	if r.Anonymized != nil {
		r.Records = r.Anonymized.Processed
	}
	entry := p.entry(r, hipaa.StatusFailure)
	var se *StageError
	if errors.As(r.Err, &se) {
		entry.Stage = string(se.Stage)
		entry.Error = se.Err.Error()
	}
	if err := p.audit.Append(ctx, entry); err != nil {
		r.log.Error().Str("event", "audit_failed").Err(err).Msg("could not record failed run")
	}
}

func (p *Pipeline) entry(r *run, status hipaa.AuditStatus) *hipaa.AuditEntry {
	e := hipaa.NewAuditEntry(p.now(), status, r.Records)
	e.RunID = r.RunID
	if r.Report != nil {
		if data, err := r.Report.JSON(); err == nil {
			e.Compliance = data
		}
	}
	return e
}

// RecordSetupFailure appends the FAILURE entry for a run that could not
// start, such as one whose token store is locked or corrupt. It returns the
// run id assigned to the entry.
func RecordSetupFailure(ctx context.Context, audit hipaa.AuditSink, cause error) (string, error) {
	e := hipaa.NewAuditEntry(time.Now(), hipaa.StatusFailure, 0)
	e.RunID = uuid.NewString()
	e.Stage = string(StatePending)
	e.Error = cause.Error()
	return e.RunID, audit.Append(ctx, e)
}

// Verify runs only the compliance checks over an already scrubbed bundle at
// location. Nothing is written and no audit entry is made.
func (p *Pipeline) Verify(ctx context.Context, location string) (*compliance.Report, error) {
	raw, err := p.read(ctx, p.log, location)
	if err != nil {
		return nil, &StageError{Stage: StateIngested, Err: err}
	}
	b, err := p.parse(raw)
	if err != nil {
		return nil, &StageError{Stage: StateValidated, Err: err}
	}
	rep, err := p.validator.Validate(b)
	if err != nil {
		return nil, &StageError{Stage: StateVerified, Err: err}
	}
	logReport(p.log, rep)
	return rep, nil
}
