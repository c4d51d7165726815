// Package pipeline turns an EFL document into a rate plan template or a
// review queue item: extract, derive, validate, classify, then gate.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/fetcher"
	"github.com/intelliwatt/efl-cli/internal/model"
)

// Request is one document to process. When Document is nil the EFL is
// downloaded from URL.
type Request struct {
	Document        *model.EFLDocument     `json:"document,omitempty"`
	URL             string                 `json:"url,omitempty"`
	OfferID         string                 `json:"offerId,omitempty"`
	ReferencePoints []model.ReferencePoint `json:"referencePoints,omitempty"`
	ForceReparse    bool                   `json:"forceReparse,omitempty"`
}

// Result is the stage-by-stage outcome of Process. Gate is always set when
// Process returns without error.
type Result struct {
	SHA256     string                      `json:"eflPdfSha256,omitempty"`
	Fetch      *model.FetchResult          `json:"fetch,omitempty"`
	Extract    *model.DeterministicExtract `json:"extract,omitempty"`
	Derivation *Derivation                 `json:"derivation,omitempty"`
	Validation *model.ValidationResult     `json:"validation,omitempty"`
	Strength   *model.PassStrength         `json:"strength,omitempty"`
	Gate       *model.GateResult           `json:"gate"`
	DurationMs int64                       `json:"durationMs"`
}

// Persisted reports whether a usable template backs the document.
func (r *Result) Persisted() bool {
	return r != nil && r.Gate != nil && r.Gate.Action.Persisted()
}

// Pipeline runs documents through every stage in order.
type Pipeline struct {
	extractor *Extractor
	fetcher   fetcher.EFLFetcher
	gate      *Gatekeeper
	policy    ValidationPolicy
}

// New creates a Pipeline. f may be nil when every request carries a
// document.
func New(extractor *Extractor, f fetcher.EFLFetcher, gate *Gatekeeper, policy ValidationPolicy) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		fetcher:   f,
		gate:      gate,
		policy:    policy,
	}
}

// Policy returns the validation policy in use.
func (p *Pipeline) Policy() ValidationPolicy {
	return p.policy
}

// Process runs one document start to finish. Stage failures end up in the
// review queue and are reported in the Result; only store I/O failures and
// cancellation are returned as errors.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{}
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	log := zap.L().With(zap.String("offer_id", req.OfferID), zap.String("efl_url", req.URL))

	doc := req.Document
	if doc == nil {
		if req.URL == "" {
			return nil, eris.New("pipeline: request needs a document or a url")
		}
		if p.fetcher == nil {
			return nil, eris.New("pipeline: no fetcher configured")
		}
		fetched := p.fetcher.FetchEFL(ctx, req.URL)
		res.Fetch = &fetched
		if !fetched.OK {
			gate, err := p.gate.QueueForReview(ctx, &model.ReviewQueueItem{
				Kind:        model.QueueKindEFLParse,
				OfferID:     req.OfferID,
				EFLURL:      req.URL,
				QueueReason: model.ReasonFetchFailed,
				Detail:      fetched.Error,
			})
			if err != nil {
				return nil, err
			}
			res.Gate = gate
			log.Warn("pipeline: fetch failed", zap.String("error", fetched.Error), zap.String("queue_item", gate.QueueItemID))
			return res, nil
		}
		d := fetched.Document()
		doc = &d
	}

	sourceURL := req.URL
	if sourceURL == "" {
		sourceURL = doc.SourceURL
	}

	x, err := p.extractor.Extract(ctx, *doc)
	if err != nil {
		var xe *ExtractionError
		if !errors.As(err, &xe) {
			return nil, err
		}
		res.SHA256 = xe.SHA256
		gate, err := p.gate.QueueForReview(ctx, &model.ReviewQueueItem{
			Kind:         model.QueueKindEFLParse,
			OfferID:      req.OfferID,
			EFLURL:       sourceURL,
			EFLPdfSHA256: xe.SHA256,
			QueueReason:  xe.Reason,
			Detail:       xe.Detail,
		})
		if err != nil {
			return nil, err
		}
		res.Gate = gate
		log.Warn("pipeline: extraction failed", zap.String("sha256", xe.SHA256), zap.String("reason", string(xe.Reason)))
		return res, nil
	}
	res.SHA256 = x.EFLPdfSHA256
	res.Extract = x

	derivation := DeriveRateModel(x.RawText)
	res.Derivation = &derivation

	points := req.ReferencePoints
	if len(points) == 0 {
		points = x.ReferencePoints
	}
	validation := Validate(derivation.Model, points, p.policy)
	res.Validation = &validation

	strength := ClassifyStrength(ClassifyInput{
		Extract:    x,
		SourceURL:  sourceURL,
		Validation: validation,
		Policy:     p.policy,
	})
	res.Strength = &strength

	gate, err := p.gate.Decide(ctx, GateInput{
		Extract:      x,
		Derivation:   derivation,
		Validation:   validation,
		Strength:     strength,
		SourceURL:    sourceURL,
		OfferID:      req.OfferID,
		ForceReparse: req.ForceReparse,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: gate")
	}
	res.Gate = gate

	log.Info("pipeline: document processed",
		zap.String("sha256", x.EFLPdfSHA256),
		zap.String("plan_type", string(derivation.Model.PlanType())),
		zap.String("validation", string(validation.Status)),
		zap.String("strength", string(strength.Strength)),
		zap.String("action", string(gate.Action)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}
