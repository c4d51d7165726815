package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/config"
	"github.com/intelliwatt/efl-cli/internal/fetcher"
	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/pipeline"
	"github.com/intelliwatt/efl-cli/internal/store"
)

// Processor runs one document through the pipeline.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// DrainRequest bounds one drain call. Zero values fall back to config.
type DrainRequest struct {
	Cursor     string `json:"cursor,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	BudgetSecs int    `json:"budgetSecs,omitempty"`
	AutoSweep  *bool  `json:"autoSweep,omitempty"`
}

// Item outcomes reported in DrainItem.Outcome.
const (
	OutcomePersisted   = "PERSISTED"
	OutcomeQueued      = "QUEUED"
	OutcomeSuperseded  = "SUPERSEDED"
	OutcomeFetchFailed = "FETCH_FAILED"
)

// DrainItem is the outcome for one queue item.
type DrainItem struct {
	ID         string           `json:"id"`
	OfferID    string           `json:"offerId,omitempty"`
	Outcome    string           `json:"outcome"`
	Action     model.GateAction `json:"action,omitempty"`
	Reason     model.Reason     `json:"reason,omitempty"`
	RatePlanID string           `json:"ratePlanId,omitempty"`
	Source     string           `json:"source,omitempty"`
}

// SweepResult counts items closed by the self-healing sweep.
type SweepResult struct {
	Deduped       int `json:"deduped"`
	TemplateMatch int `json:"templateMatch"`
}

// DrainResult is returned even when Drain fails part way. NextCursor is
// empty once the queue has been walked to the end.
type DrainResult struct {
	Processed          int          `json:"processed"`
	Persisted          int          `json:"persisted"`
	Queued             int          `json:"queued"`
	FetchFailed        int          `json:"fetchFailed"`
	Items              []DrainItem  `json:"items"`
	NextCursor         string       `json:"nextCursor"`
	Done               bool         `json:"done"`
	StoppedForDeadline bool         `json:"stoppedForDeadline"`
	Sweep              *SweepResult `json:"sweep,omitempty"`
	DurationMs         int64        `json:"durationMs"`
}

// Drainer reprocesses OPEN EFL_PARSE items under a wall-clock budget.
type Drainer struct {
	svc       *Service
	templates store.TemplateStore
	fetcher   fetcher.EFLFetcher
	proc      Processor
	cfg       config.DrainConfig
	now       func() time.Time
}

// NewDrainer creates a Drainer. f may be nil, in which case only cached raw
// text is retried.
func NewDrainer(svc *Service, templates store.TemplateStore, f fetcher.EFLFetcher, proc Processor, cfg config.DrainConfig) *Drainer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.BudgetSecs <= 0 {
		cfg.BudgetSecs = 240
	}
	return &Drainer{
		svc:       svc,
		templates: templates,
		fetcher:   f,
		proc:      proc,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Drain processes items after req.Cursor in id order until the queue is
// empty, the limit is hit or the deadline (less the safety margin) is near.
// The same deadline bounds in-flight fetches and pipeline runs: an item cut
// off by it is left for the next call and the result reports
// StoppedForDeadline. Store failures abort the walk; the partial result and
// its cursor are returned with the error so the caller can resume.
func (d *Drainer) Drain(ctx context.Context, req DrainRequest) (*DrainResult, error) {
	start := d.now()
	res := &DrainResult{Items: []DrainItem{}, NextCursor: req.Cursor}
	defer func() { res.DurationMs = d.now().Sub(start).Milliseconds() }()

	budget := time.Duration(d.cfg.BudgetSecs) * time.Second
	if req.BudgetSecs > 0 {
		budget = time.Duration(req.BudgetSecs) * time.Second
	}
	budget -= time.Duration(d.cfg.SafetyMarginSecs) * time.Second
	stopAt := start.Add(budget)

	workCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	deadline := func() (*DrainResult, error) {
		res.StoppedForDeadline = true
		zap.L().Info("queue: drain stopped for deadline",
			zap.Int("processed", res.Processed),
			zap.String("cursor", res.NextCursor),
		)
		return res, nil
	}
	// stop turns a failure caused by the budget running out into a clean
	// deadline stop; the cursor still points at the last completed item.
	stop := func(err error) (*DrainResult, error) {
		if ctx.Err() == nil && errors.Is(workCtx.Err(), context.DeadlineExceeded) {
			return deadline()
		}
		return res, err
	}

	sweep := d.cfg.AutoSweep
	if req.AutoSweep != nil {
		sweep = *req.AutoSweep
	}
	if sweep {
		sr, err := d.Sweep(workCtx)
		if err != nil {
			return stop(err)
		}
		res.Sweep = sr
	}

	cursor := req.Cursor
	for {
		limit := d.cfg.PageSize
		if req.Limit > 0 && req.Limit-res.Processed < limit {
			limit = req.Limit - res.Processed
		}
		page, err := d.svc.List(workCtx, store.QueueFilter{
			Kind:     model.QueueKindEFLParse,
			OpenOnly: true,
			AfterID:  cursor,
			Limit:    limit,
		})
		if err != nil {
			return stop(err)
		}

		for i := range page {
			if err := workCtx.Err(); err != nil {
				return stop(eris.Wrap(err, "queue: drain cancelled"))
			}
			if !d.now().Before(stopAt) {
				return deadline()
			}

			item := page[i]
			out, err := d.drainItem(workCtx, &item)
			if err != nil {
				return stop(err)
			}
			res.tally(out)
			cursor = item.ID
			res.NextCursor = cursor
		}

		if req.Limit > 0 && res.Processed >= req.Limit {
			return res, nil
		}
		if len(page) < limit {
			res.Done = true
			res.NextCursor = ""
			zap.L().Info("queue: drain complete",
				zap.Int("processed", res.Processed),
				zap.Int("persisted", res.Persisted),
				zap.Int("queued", res.Queued),
			)
			return res, nil
		}
	}
}

func (r *DrainResult) tally(out DrainItem) {
	r.Processed++
	switch out.Outcome {
	case OutcomePersisted:
		r.Persisted++
	case OutcomeFetchFailed:
		r.FetchFailed++
	default:
		r.Queued++
	}
	r.Items = append(r.Items, out)
}

func (d *Drainer) drainItem(ctx context.Context, item *model.ReviewQueueItem) (DrainItem, error) {
	out := DrainItem{ID: item.ID, OfferID: item.OfferID}
	log := zap.L().With(zap.String("queue_item", item.ID), zap.String("offer_id", item.OfferID))

	if err := d.svc.RecordAttempt(ctx, item); err != nil {
		return out, err
	}

	doc, url, failures, err := d.document(ctx, item)
	if err != nil {
		return out, err
	}
	if doc == nil {
		detail := "no fetchable EFL source"
		if len(failures) > 0 {
			detail = strings.Join(failures, "; ")
		}
		if err := d.svc.Annotate(ctx, item, model.ReasonFetchFailed, detail); err != nil {
			return out, err
		}
		out.Outcome = OutcomeFetchFailed
		out.Reason = model.ReasonFetchFailed
		log.Warn("queue: no EFL source for item", zap.String("detail", detail))
		return out, nil
	}
	out.Source = string(doc.Method)
	if url != "" {
		out.Source = url
	}

	res, err := d.proc.Process(ctx, pipeline.Request{Document: doc, URL: url, OfferID: item.OfferID})
	if err != nil {
		return out, eris.Wrapf(err, "queue: process item %s", item.ID)
	}
	out.Action = res.Gate.Action
	out.Reason = res.Gate.Reason
	out.RatePlanID = res.Gate.RatePlanID

	switch {
	case res.Persisted():
		// Usually already closed by the gatekeeper's auto-resolve; this
		// covers items matched only by URL.
		if _, err := d.svc.resolve(ctx, model.QueueKindEFLParse, []string{item.ID},
			model.ResolvedByAutoTemplateMatch, "matched template "+res.Gate.RatePlanID); err != nil {
			return out, err
		}
		out.Outcome = OutcomePersisted
	case res.Gate.QueueItemID != "" && res.Gate.QueueItemID != item.ID:
		if _, err := d.svc.resolve(ctx, model.QueueKindEFLParse, []string{item.ID},
			model.ResolvedByAuto, "superseded by "+res.Gate.QueueItemID); err != nil {
			return out, err
		}
		out.Outcome = OutcomeSuperseded
	default:
		out.Outcome = OutcomeQueued
	}
	log.Info("queue: item reprocessed",
		zap.String("outcome", out.Outcome),
		zap.String("action", string(out.Action)),
		zap.String("rate_plan_id", out.RatePlanID),
	)
	return out, nil
}

// document fetches the first reachable candidate URL, falling back to
// cached raw text. A nil document means every source failed.
func (d *Drainer) document(ctx context.Context, item *model.ReviewQueueItem) (*model.EFLDocument, string, []string, error) {
	urls, cachedText, err := d.candidates(ctx, item)
	if err != nil {
		return nil, "", nil, err
	}

	var failures []string
	if d.fetcher != nil {
		for _, u := range urls {
			fetched := d.fetcher.FetchEFL(ctx, u)
			if fetched.OK {
				doc := fetched.Document()
				return &doc, u, failures, nil
			}
			failures = append(failures, u+": "+fetched.Error)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, "", nil, eris.Wrap(err, "queue: drain cancelled")
	}

	for _, text := range cachedText {
		if strings.TrimSpace(text) == "" {
			continue
		}
		doc := &model.EFLDocument{
			Text:      text,
			SourceURL: firstOf(urls),
			Method:    model.ExtractorMethodCachedText,
		}
		return doc, "", failures, nil
	}
	return nil, "", failures, nil
}

// candidates lists fetch URLs in priority order (item, linked templates,
// offer master record) and cached texts (item, linked templates, then any
// template stored under the item's URL).
func (d *Drainer) candidates(ctx context.Context, item *model.ReviewQueueItem) ([]string, []string, error) {
	var urls []string
	seen := map[string]bool{}
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	texts := []string{item.RawText}

	add(item.EFLURL)

	linked, err := d.linkedTemplates(ctx, item)
	if err != nil {
		return nil, nil, err
	}
	for _, tpl := range linked {
		add(tpl.EFLURL)
	}

	if item.OfferID != "" {
		rec, err := d.templates.GetOfferRecord(ctx, item.OfferID)
		if err != nil {
			return nil, nil, eris.Wrap(err, "queue: offer record")
		}
		if rec != nil {
			add(rec.EFLURL)
		}
	}

	for _, tpl := range linked {
		texts = append(texts, tpl.RawText)
	}

	// A URL match only supplies text to re-parse; it never resolves the item.
	byURL, err := d.templates.FindTemplateByURL(ctx, item.EFLURL)
	if err != nil {
		return nil, nil, eris.Wrap(err, "queue: template by url")
	}
	if byURL != nil {
		texts = append(texts, byURL.RawText)
	}
	return urls, texts, nil
}

// linkedTemplates finds every template, usable or not, tied to the item by
// sha, cert+version or offer link, in that order. An offer link without a
// stored template yields a stub carrying only its URL.
func (d *Drainer) linkedTemplates(ctx context.Context, item *model.ReviewQueueItem) ([]*model.RatePlanTemplate, error) {
	var out []*model.RatePlanTemplate
	seen := map[string]bool{}
	add := func(tpl *model.RatePlanTemplate) {
		if tpl.ID != "" && seen[tpl.ID] {
			return
		}
		seen[tpl.ID] = true
		out = append(out, tpl)
	}

	if item.EFLPdfSHA256 != "" {
		tpl, err := d.templates.FindTemplateBySHA(ctx, item.EFLPdfSHA256)
		if err != nil {
			return nil, eris.Wrap(err, "queue: template by sha")
		}
		if tpl != nil {
			add(tpl)
		}
	}
	if item.RepPUCTCert != "" && item.EFLVersionCode != "" {
		tpl, err := d.templates.FindTemplateByCertVersion(ctx, item.RepPUCTCert, item.EFLVersionCode)
		if err != nil {
			return nil, eris.Wrap(err, "queue: template by cert")
		}
		if tpl != nil {
			add(tpl)
		}
	}
	if item.OfferID == "" {
		return out, nil
	}
	link, err := d.templates.GetOfferLink(ctx, item.OfferID)
	if err != nil || link == nil {
		return out, eris.Wrap(err, "queue: offer link")
	}
	if link.RatePlanID == "" {
		if link.EFLURL != "" {
			add(&model.RatePlanTemplate{EFLURL: link.EFLURL})
		}
		return out, nil
	}
	tpl, err := d.templates.GetTemplate(ctx, link.RatePlanID)
	if store.IsNotFound(err) {
		add(&model.RatePlanTemplate{EFLURL: link.EFLURL})
		return out, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: linked template")
	}
	if tpl.EFLURL == "" {
		tpl.EFLURL = link.EFLURL
	}
	add(tpl)
	return out, nil
}

// Sweep runs the self-healing pass: offer-id dedupe, then resolution of
// OPEN items a usable template already serves. Quarantine items are never
// touched.
func (d *Drainer) Sweep(ctx context.Context) (*SweepResult, error) {
	sr := &SweepResult{}
	n, err := d.svc.AutoDedupe(ctx)
	if err != nil {
		return sr, err
	}
	sr.Deduped = n

	matched := map[string][]string{}
	err = d.svc.eachOpen(ctx, func(item model.ReviewQueueItem) error {
		tpl, err := d.usableTemplate(ctx, &item)
		if err != nil || tpl == nil {
			return err
		}
		matched[tpl.ID] = append(matched[tpl.ID], item.ID)
		return nil
	})
	if err != nil {
		return sr, err
	}
	for planID, ids := range matched {
		n, err := d.svc.resolve(ctx, model.QueueKindEFLParse, ids, model.ResolvedByAutoTemplateMatch, "matched template "+planID)
		if err != nil {
			return sr, err
		}
		sr.TemplateMatch += n
	}
	if sr.Deduped+sr.TemplateMatch > 0 {
		zap.L().Info("queue: sweep resolved items",
			zap.Int("deduped", sr.Deduped),
			zap.Int("template_match", sr.TemplateMatch),
		)
	}
	return sr, nil
}

// usableTemplate returns the first linked template that is stored and
// usable, skipping unusable matches on earlier keys.
func (d *Drainer) usableTemplate(ctx context.Context, item *model.ReviewQueueItem) (*model.RatePlanTemplate, error) {
	linked, err := d.linkedTemplates(ctx, item)
	if err != nil {
		return nil, err
	}
	for _, tpl := range linked {
		if tpl.ID != "" && tpl.Usable() {
			return tpl, nil
		}
	}
	return nil, nil
}

func firstOf(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
