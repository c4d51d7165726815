package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/resilience"
	"github.com/intelliwatt/efl-cli/internal/store"
)

// ReviewQueue is the queue surface the gatekeeper writes to.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error)
	// AutoResolve resolves OPEN EFL_PARSE items matching keys because a
	// usable template now exists.
	AutoResolve(ctx context.Context, keys store.IdentityKeys, ratePlanID string) (int, error)
}

// Side effect op names reported in GateResult.SideEffects.
const (
	OpResolveQueue  = "resolve_queue"
	OpLinkOffer     = "link_offer"
	OpEnqueueReview = "enqueue_review"
)

// GateInput is one document's pipeline output as seen by the gatekeeper.
type GateInput struct {
	Extract      *model.DeterministicExtract
	Derivation   Derivation
	Validation   model.ValidationResult
	Strength     model.PassStrength
	SourceURL    string
	OfferID      string
	ForceReparse bool
}

// Gatekeeper decides whether a processed document becomes a template or a
// review queue item.
type Gatekeeper struct {
	templates store.TemplateStore
	queue     ReviewQueue
	tdsps     *model.TDSPTable
	retry     resilience.RetryConfig
	now       func() time.Time
}

// NewGatekeeper creates a Gatekeeper. tdsps defaults to the built-in TDSP
// list.
func NewGatekeeper(templates store.TemplateStore, queue ReviewQueue, tdsps *model.TDSPTable, retry resilience.RetryConfig) *Gatekeeper {
	if tdsps == nil {
		tdsps = model.DefaultTDSPTable()
	}
	return &Gatekeeper{
		templates: templates,
		queue:     queue,
		tdsps:     tdsps,
		retry:     retry,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Decide applies the persistence policy. Only store I/O failures are
// returned as errors; every policy outcome is a GateResult.
func (g *Gatekeeper) Decide(ctx context.Context, in GateInput) (*model.GateResult, error) {
	x := in.Extract
	if x == nil || x.EFLPdfSHA256 == "" {
		return nil, eris.New("gate: extract with a sha256 is required")
	}
	log := zap.L().With(zap.String("sha256", x.EFLPdfSHA256), zap.String("offer_id", in.OfferID))

	existing, err := g.templates.FindTemplateBySHA(ctx, x.EFLPdfSHA256)
	if err != nil {
		return nil, eris.Wrap(err, "gate: find template")
	}

	if !in.ForceReparse {
		if existing.Usable() {
			res := &model.GateResult{Action: model.GateActionSkipped, RatePlanID: existing.ID, TemplatePersisted: true}
			res.SideEffects = g.afterPersist(ctx, in, existing)
			log.Info("gate: template already usable", zap.String("action", string(res.Action)), zap.String("rate_plan_id", existing.ID))
			return res, nil
		}
		if existing != nil && existing.EFLRequiresManualReview && existing.HasIssue(model.ReasonAdminInvalidated) {
			return g.enqueue(ctx, in, model.ReasonAdminInvalidated, "template was invalidated by an admin; reparse with force to replace it")
		}
	}

	if !in.Strength.IsStrong() {
		reason, detail := queueReasonFor(in)
		return g.enqueue(ctx, in, reason, detail)
	}

	tpl := g.buildTemplate(in)
	if missing := missingTemplateFields(tpl); len(missing) > 0 {
		res, err := g.enqueue(ctx, in, model.ReasonTemplateMissingFields, "missing template fields: "+strings.Join(missing, ", "))
		if err != nil {
			return nil, err
		}
		res.MissingFields = missing
		return res, nil
	}

	quarantined := tpl.UtilityID == "" || !g.tdsps.Known(tpl.UtilityID)
	if quarantined {
		// Written in the same row write as the template itself.
		tpl.Quarantine(model.ReasonTemplateUnknownUtility,
			fmt.Sprintf("utility %q is not a known TDSP", tpl.UtilityID), g.now())
	}
	if existing != nil {
		tpl.EFLValidationIssues = mergeIssues(existing, tpl.EFLValidationIssues)
	}

	action, err := g.upsert(ctx, tpl, existing)
	if err != nil {
		return nil, err
	}
	res := &model.GateResult{Action: action, RatePlanID: tpl.ID, TemplatePersisted: true}

	if quarantined {
		res.Action = model.GateActionQuarantined
		res.Reason = model.ReasonTemplateUnknownUtility
		item, err := g.queue.Enqueue(ctx, g.queueItem(in, model.ReasonTemplateUnknownUtility,
			fmt.Sprintf("template %s quarantined: unknown utility %q", tpl.ID, tpl.UtilityID)))
		affected := 0
		if err == nil {
			affected = 1
			res.QueueItemID = item.ID
		}
		res.SideEffects = append(res.SideEffects, model.NewSideEffect(OpEnqueueReview, affected, err))
		log.Warn("gate: template quarantined", zap.String("rate_plan_id", tpl.ID), zap.String("utility_id", tpl.UtilityID))
		return res, nil
	}

	res.SideEffects = g.afterPersist(ctx, in, tpl)
	log.Info("gate: template persisted", zap.String("action", string(res.Action)), zap.String("rate_plan_id", tpl.ID))
	return res, nil
}

// Invalidate is the admin action that takes a template out of service. The
// row and its issue history are kept, and an EFL_PARSE item is opened so
// the document gets another look. A later run only replaces the template
// when it is forced.
func (g *Gatekeeper) Invalidate(ctx context.Context, id, message string) (*model.RatePlanTemplate, *model.GateResult, error) {
	if strings.TrimSpace(message) == "" {
		message = "invalidated by admin"
	}
	err := g.templates.InvalidateTemplate(ctx, id, model.ValidationIssue{
		Code:     model.ReasonAdminInvalidated,
		Severity: model.SeverityError,
		Message:  message,
		At:       g.now(),
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "gate: invalidate template %s", id)
	}
	tpl, err := g.templates.GetTemplate(ctx, id)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "gate: reload template %s", id)
	}

	res, err := g.QueueForReview(ctx, &model.ReviewQueueItem{
		Kind:           model.QueueKindEFLParse,
		EFLURL:         tpl.EFLURL,
		EFLPdfSHA256:   tpl.EFLPdfSHA256,
		RepPUCTCert:    deref(tpl.RepPUCTCertificate),
		EFLVersionCode: deref(tpl.EFLVersionCode),
		QueueReason:    model.ReasonAdminInvalidated,
		Detail:         message,
		RawText:        tpl.RawText,
	})
	if err != nil {
		return tpl, nil, err
	}
	res.RatePlanID = tpl.ID
	res.TemplatePersisted = true
	zap.L().Info("gate: template invalidated",
		zap.String("rate_plan_id", tpl.ID),
		zap.String("sha256", tpl.EFLPdfSHA256),
		zap.String("queue_item", res.QueueItemID),
	)
	return tpl, res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// QueueForReview routes a document that never reached the gate (fetch or
// extraction failure) to the review queue.
func (g *Gatekeeper) QueueForReview(ctx context.Context, item *model.ReviewQueueItem) (*model.GateResult, error) {
	if item.Kind == "" {
		item.Kind = model.QueueKindEFLParse
	}
	stored, err := g.queue.Enqueue(ctx, item)
	if err != nil {
		return nil, eris.Wrap(err, "gate: enqueue review item")
	}
	return &model.GateResult{Action: model.GateActionQueued, Reason: item.QueueReason, QueueItemID: stored.ID}, nil
}

func (g *Gatekeeper) enqueue(ctx context.Context, in GateInput, reason model.Reason, detail string) (*model.GateResult, error) {
	res, err := g.QueueForReview(ctx, g.queueItem(in, reason, detail))
	if err != nil {
		return nil, err
	}
	zap.L().Info("gate: queued for review",
		zap.String("sha256", in.Extract.EFLPdfSHA256),
		zap.String("reason", string(reason)),
		zap.String("queue_item", res.QueueItemID),
	)
	return res, nil
}

func (g *Gatekeeper) queueItem(in GateInput, reason model.Reason, detail string) *model.ReviewQueueItem {
	x := in.Extract
	return &model.ReviewQueueItem{
		Kind:           model.QueueKindEFLParse,
		OfferID:        in.OfferID,
		EFLURL:         in.SourceURL,
		EFLPdfSHA256:   x.EFLPdfSHA256,
		RepPUCTCert:    x.Cert(),
		EFLVersionCode: x.Version(),
		QueueReason:    reason,
		Detail:         detail,
		RawText:        x.RawText,
	}
}

// queueReasonFor picks the most specific reason a non-STRONG document
// failed.
func queueReasonFor(in GateInput) (model.Reason, string) {
	detail := strings.Join(in.Strength.Reasons, "; ")
	switch {
	case !in.Derivation.OK() && in.Derivation.Reason != "":
		return in.Derivation.Reason, in.Derivation.Detail
	case in.Validation.Status != model.ValidationPass && in.Validation.QueueReason != "":
		if in.Validation.Detail != "" {
			detail = in.Validation.Detail
		}
		return in.Validation.QueueReason, detail
	case in.Strength.Strength == model.StrengthInvalid:
		if len(missingIdentity(in.Extract, in.SourceURL)) > 0 {
			return model.ReasonMissingIdentity, detail
		}
		return model.ReasonStrengthInvalid, detail
	case len(heldOutMisses(in.Validation)) > 0:
		return model.ReasonHeldOutMismatch, detail
	default:
		return model.ReasonStrengthWeak, detail
	}
}

// mergeIssues keeps the existing row's issues and adds only codes it does not
// already carry.
func mergeIssues(existing *model.RatePlanTemplate, added []model.ValidationIssue) []model.ValidationIssue {
	out := append([]model.ValidationIssue(nil), existing.EFLValidationIssues...)
	for _, is := range added {
		if !existing.HasIssue(is.Code) {
			out = append(out, is)
		}
	}
	return out
}

func (g *Gatekeeper) buildTemplate(in GateInput) *model.RatePlanTemplate {
	x := in.Extract
	rs := in.Validation.Solved
	if rs == nil {
		rs = in.Derivation.Model
	}

	var modeled []model.ModeledRate
	for _, p := range in.Validation.Points {
		if p.Unavailable || p.ModeledAvgCentsPerKwh == nil {
			continue
		}
		mr := model.ModeledRate{UsageKwh: p.UsageKwh, AvgCentsPerKwh: *p.ModeledAvgCentsPerKwh}
		if p.ExpectedAvgCentsPerKwh != nil {
			mr.ExpectedCentsPerKwh = *p.ExpectedAvgCentsPerKwh
		}
		modeled = append(modeled, mr)
	}

	return &model.RatePlanTemplate{
		EFLPdfSHA256:       x.EFLPdfSHA256,
		RepPUCTCertificate: x.RepPUCTCertificate,
		EFLVersionCode:     x.EFLVersionCode,
		EFLURL:             in.SourceURL,
		Supplier:           x.Plan.Supplier,
		PlanName:           x.Plan.PlanName,
		TermMonths:         x.Plan.TermMonths,
		UtilityID:          x.Plan.UtilityID,
		RateStructure:      rs,
		ModeledRates:       modeled,
		PassStrength:       in.Strength.Strength,
		RawText:            x.RawText,
	}
}

// missingTemplateFields lists required template attributes that are empty.
// Utility is checked separately: an unknown utility quarantines instead.
func missingTemplateFields(t *model.RatePlanTemplate) []string {
	var missing []string
	if t.Supplier == "" {
		missing = append(missing, "supplier")
	}
	if t.PlanName == "" {
		missing = append(missing, "planName")
	}
	if t.TermMonths <= 0 && t.RateStructure.PlanType() != model.PlanTypeVariable {
		missing = append(missing, "termMonths")
	}
	if t.RateStructure == nil || t.RateStructure.Rate == nil {
		missing = append(missing, "rateStructure")
	}
	return missing
}

// upsert writes tpl keyed by sha. A lost insert race is retried as an
// update of the winning row.
func (g *Gatekeeper) upsert(ctx context.Context, tpl, existing *model.RatePlanTemplate) (model.GateAction, error) {
	retry := g.retry
	retry.ShouldRetry = store.IsConflict
	retry.OnRetry = resilience.RetryLogger("gate", "upsert_template")

	action := model.GateActionCreated
	current := existing
	attempt := 0
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			found, err := g.templates.FindTemplateBySHA(ctx, tpl.EFLPdfSHA256)
			if err != nil {
				return err
			}
			current = found
		}
		if current != nil {
			action = model.GateActionUpdated
			tpl.ID = current.ID
			tpl.CreatedAt = current.CreatedAt
			return g.templates.UpdateTemplate(ctx, tpl)
		}
		action = model.GateActionCreated
		return g.templates.CreateTemplate(ctx, tpl)
	})
	if err != nil {
		return "", eris.Wrap(err, "gate: upsert template")
	}
	return action, nil
}

// afterPersist runs the best-effort side effects of a usable template:
// resolving matching queue items and linking the offer. Failures are
// reported, never returned.
func (g *Gatekeeper) afterPersist(ctx context.Context, in GateInput, tpl *model.RatePlanTemplate) []model.SideEffect {
	x := in.Extract
	keys := store.IdentityKeys{
		SHA:     x.EFLPdfSHA256,
		OfferID: in.OfferID,
		Cert:    x.Cert(),
		Version: x.Version(),
	}

	var resolve, link *model.SideEffect
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		n, err := g.queue.AutoResolve(egCtx, keys, tpl.ID)
		se := model.NewSideEffect(OpResolveQueue, n, err)
		resolve = &se
		return nil
	})
	if in.OfferID != "" {
		eg.Go(func() error {
			url := in.SourceURL
			if url == "" {
				url = tpl.EFLURL
			}
			err := g.templates.LinkOffer(egCtx, model.OfferLink{
				OfferID:    in.OfferID,
				RatePlanID: tpl.ID,
				EFLURL:     url,
				UpdatedAt:  g.now(),
			})
			affected := 0
			if err == nil {
				affected = 1
			}
			se := model.NewSideEffect(OpLinkOffer, affected, err)
			link = &se
			return nil
		})
	}
	_ = eg.Wait()

	var out []model.SideEffect
	for _, se := range []*model.SideEffect{resolve, link} {
		if se == nil {
			continue
		}
		if se.Failed() {
			zap.L().Warn("gate: side effect failed",
				zap.String("op", se.Op),
				zap.String("sha256", x.EFLPdfSHA256),
				zap.String("rate_plan_id", tpl.ID),
				zap.Error(se.Err),
			)
		}
		out = append(out, *se)
	}
	return out
}
