// Package anonymize replaces PHI in a FHIR bundle with tokens. Structured
// identifier fields are tokenized whole under the entity type their schema
// implies; free text and base64 text attachments go through an entity
// detector and are tokenized span by span. Resource types without a handler
// pass through unchanged and are reported as unhandled.
package anonymize

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/deid/internal/deid/detect"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/fhir"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/telemetry"
)

// Options configures an Anonymizer. The zero value is usable.
type Options struct {
	// Workers bounds how many resources are scrubbed at once. Zero means GOMAXPROCS.
	Workers int
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	// Fields overrides the PHI field table; nil selects hipaa.DefaultPHIFields.
	Fields []hipaa.PHIFieldConfig
}

// Anonymizer scrubs bundles. It is safe for concurrent use as long as the
// token store is.
type Anonymizer struct {
	detector detect.Detector
	store    token.Store
	handlers map[string]handler
	workers  int
	log      zerolog.Logger
	metrics  *telemetry.Metrics
}

// New builds an Anonymizer that tokenizes through store.
func New(detector detect.Detector, store token.Store, opts Options) *Anonymizer {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Fields == nil {
		opts.Fields = hipaa.DefaultPHIFields()
	}
	handlers := make(map[string]handler, len(opts.Fields))
	for _, cfg := range opts.Fields {
		handlers[cfg.ResourceType] = fieldHandler{fields: cfg.Fields}
	}
	return &Anonymizer{
		detector: detector,
		store:    store,
		handlers: handlers,
		workers:  opts.Workers,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// FailedResource identifies a resource withheld from the output.
type FailedResource struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// Result describes one Anonymize call.
type Result struct {
	Bundle             *fhir.Bundle
	Processed          int
	Failed             []FailedResource
	Unhandled          []string
	FlaggedAttachments []string
	DetectionFailures  int
	Replacements       int
}

type outcome struct {
	resource     fhir.Resource
	err          error
	unhandled    bool
	flagged      []string
	detectFails  int
	replacements int
}

// Anonymize returns a scrubbed copy of b; b itself is not modified. A
// resource that fails to scrub is withheld from the copy and listed in
// Result.Failed. Only context cancellation aborts the call.
func (a *Anonymizer) Anonymize(ctx context.Context, b *fhir.Bundle) (*Result, error) {
	out := b.Clone()

	resources := make([]fhir.Resource, len(out.Entry))
	decodeErrs := make([]error, len(out.Entry))
	for i, e := range out.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		resources[i], decodeErrs[i] = fhir.DecodeResource(e.Resource)
	}

	a.learnNames(resources)

	outcomes := make([]outcome, len(resources))
	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, r := range resources {
		if r == nil {
			continue
		}
		g.Go(func() error {
			outcomes[i] = a.scrubResource(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("anonymize: %w", err)
	}

	res := &Result{Bundle: out}
	unhandled := make(map[string]bool)
	entries := out.Entry[:0]
	for i, e := range out.Entry {
		if decodeErrs[i] != nil {
			res.Failed = append(res.Failed, a.withhold(fmt.Sprintf("entry[%d]", i), decodeErrs[i]))
			continue
		}
		if resources[i] == nil {
			entries = append(entries, e)
			continue
		}

		o := outcomes[i]
		res.DetectionFailures += o.detectFails
		res.Replacements += o.replacements
		res.FlaggedAttachments = append(res.FlaggedAttachments, o.flagged...)
		if o.unhandled {
			unhandled[resources[i].Type()] = true
			a.metrics.ObserveUnhandledResource(resources[i].Type())
		}
		if o.err == nil {
			e.Resource, o.err = o.resource.Encode()
		}
		if o.err != nil {
			res.Failed = append(res.Failed, a.withhold(resources[i].Ref(), o.err))
			continue
		}
		entries = append(entries, e)
		res.Processed++
	}
	out.Entry = entries

	for t := range unhandled {
		res.Unhandled = append(res.Unhandled, t)
	}
	sort.Strings(res.Unhandled)
	return res, nil
}

func (a *Anonymizer) withhold(ref string, err error) FailedResource {
	a.log.Error().
		Str("event", "resource_anonymize_failed").
		Str("resource", ref).
		Err(err).
		Msg("resource withheld from output")
	a.metrics.ObserveFailedResource()
	return FailedResource{Ref: ref, Reason: err.Error()}
}

func (a *Anonymizer) scrubResource(ctx context.Context, r fhir.Resource) (o outcome) {
	o.resource = r
	h, ok := a.handlers[r.Type()]
	if !ok {
		o.unhandled = true
		return o
	}

	rs := &resourceScrub{a: a, ref: r.Ref()}
	defer func() {
		if p := recover(); p != nil {
			o.err = fmt.Errorf("handler panicked: %v", p)
		}
		o.flagged = rs.flagged
		o.detectFails = rs.detectFails
		o.replacements = rs.replacements
	}()

	if err := h.scrub(ctx, rs, r); err != nil {
		o.err = err
	}
	return o
}

// ErrNoStore is returned by Check when the Anonymizer was built without a store.
var ErrNoStore = errors.New("anonymize: token store is required")

// Check reports configuration errors before any bundle is processed.
func (a *Anonymizer) Check() error {
	if a.store == nil {
		return ErrNoStore
	}
	if a.detector == nil {
		return errors.New("anonymize: detector is required")
	}
	return nil
}
