package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// clauses accumulates SQL fragments and arguments for one dialect.
type clauses struct {
	placeholder func(n int) string
	parts       []string
	args        []any
}

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
func question(int) string { return "?" }

func newClauses(placeholder func(int) string) *clauses {
	return &clauses{placeholder: placeholder}
}

// arg appends v and returns its placeholder.
func (c *clauses) arg(v any) string {
	c.args = append(c.args, v)
	return c.placeholder(len(c.args))
}

func (c *clauses) add(format string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = c.arg(v)
	}
	c.parts = append(c.parts, fmt.Sprintf(format, ph...))
}

func (c *clauses) raw(part string) {
	c.parts = append(c.parts, part)
}

func (c *clauses) join(sep string) string {
	return strings.Join(c.parts, sep)
}

// identitySQL renders the OR of the usable identity keys.
func identitySQL(c *clauses, k IdentityKeys) string {
	var ors []string
	if k.SHA != "" {
		ors = append(ors, "efl_pdf_sha256 = "+c.arg(k.SHA))
	}
	if k.OfferID != "" {
		ors = append(ors, "offer_id = "+c.arg(k.OfferID))
	}
	if k.Cert != "" && k.Version != "" {
		ors = append(ors, fmt.Sprintf("(rep_puct_certificate = %s AND efl_version_code = %s)", c.arg(k.Cert), c.arg(k.Version)))
	}
	return "(" + strings.Join(ors, " OR ") + ")"
}

// queueUpdateSQL builds the UPDATE for a QueueMatch and QueuePatch. It
// returns ok=false when the patch is empty.
func queueUpdateSQL(placeholder func(int) string, match QueueMatch, patch QueuePatch, now time.Time) (string, []any, bool, error) {
	if !match.Kind.Valid() {
		return "", nil, false, ErrKindRequired
	}

	set := newClauses(placeholder)
	if patch.ResolvedAt != nil {
		set.add("resolved_at = %s", *patch.ResolvedAt)
		match.OpenOnly = true
	}
	if patch.ResolvedBy != nil {
		set.add("resolved_by = %s", *patch.ResolvedBy)
	}
	if patch.ResolutionNotes != nil {
		set.add("resolution_notes = %s", *patch.ResolutionNotes)
	}
	if patch.QueueReason != nil {
		set.add("queue_reason = %s", string(*patch.QueueReason))
	}
	if patch.Detail != nil {
		set.add("detail = %s", *patch.Detail)
	}
	if patch.IncrementAttempts {
		set.raw("attempts = attempts + 1")
	}
	if patch.LastAttemptAt != nil {
		set.add("last_attempt_at = %s", *patch.LastAttemptAt)
	}
	if len(set.parts) == 0 {
		return "", nil, false, nil
	}
	set.add("updated_at = %s", now)

	// WHERE placeholders continue numbering after SET.
	where := &clauses{placeholder: placeholder, args: set.args}
	where.add("kind = %s", string(match.Kind))
	if match.OpenOnly {
		where.raw("resolved_at IS NULL")
	}
	if len(match.IDs) > 0 {
		ph := make([]string, len(match.IDs))
		for i, id := range match.IDs {
			ph[i] = where.arg(id)
		}
		where.raw("id IN (" + strings.Join(ph, ", ") + ")")
	}
	if match.Identity != nil {
		if match.Identity.Empty() {
			return "", nil, false, nil
		}
		where.raw(identitySQL(where, *match.Identity))
	}

	sql := "UPDATE review_queue SET " + set.join(", ") + " WHERE " + where.join(" AND ")
	return sql, where.args, true, nil
}

// queueListSQL builds the paging query for a QueueFilter.
func queueListSQL(placeholder func(int) string, filter QueueFilter) (string, []any) {
	where := newClauses(placeholder)
	where.raw("1=1")
	if filter.Kind != "" {
		where.add("kind = %s", string(filter.Kind))
	}
	if filter.OpenOnly {
		where.raw("resolved_at IS NULL")
	}
	if filter.AfterID != "" {
		where.add("id > %s", filter.AfterID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := "SELECT " + queueColumns + " FROM review_queue WHERE " + where.join(" AND ") +
		" ORDER BY id ASC LIMIT " + where.arg(limit)
	return sql, where.args
}

const queueColumns = `id, kind, dedupe_key, offer_id, efl_url, efl_pdf_sha256, rep_puct_certificate,
	efl_version_code, queue_reason, detail, raw_text, attempts, last_attempt_at, resolved_at,
	resolved_by, resolution_notes, created_at, updated_at`

const templateColumns = `id, efl_pdf_sha256, rep_puct_certificate, efl_version_code, efl_url, supplier,
	plan_name, term_months, utility_id, rate_structure, modeled_rates, pass_strength,
	requires_manual_review, validation_issues, raw_text, invalidated_at, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

// nullable converts "" to nil for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanQueueItem(row scannable) (*model.ReviewQueueItem, error) {
	var q model.ReviewQueueItem
	var kind, reason string
	var offerID, url, sha, cert, version, detail, rawText, resolvedBy, notes *string
	err := row.Scan(&q.ID, &kind, &q.DedupeKey, &offerID, &url, &sha, &cert, &version,
		&reason, &detail, &rawText, &q.Attempts, &q.LastAttemptAt, &q.ResolvedAt,
		&resolvedBy, &notes, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Kind = model.QueueKind(kind)
	q.QueueReason = model.Reason(reason)
	q.OfferID = deref(offerID)
	q.EFLURL = deref(url)
	q.EFLPdfSHA256 = deref(sha)
	q.RepPUCTCert = deref(cert)
	q.EFLVersionCode = deref(version)
	q.Detail = deref(detail)
	q.RawText = deref(rawText)
	q.ResolvedBy = deref(resolvedBy)
	q.ResolutionNotes = deref(notes)
	return &q, nil
}

func scanTemplate(row scannable) (*model.RatePlanTemplate, error) {
	var t model.RatePlanTemplate
	var url, supplier, planName, utility, rawText *string
	var strength string
	var rateJSON, modeledJSON, issuesJSON []byte
	err := row.Scan(&t.ID, &t.EFLPdfSHA256, &t.RepPUCTCertificate, &t.EFLVersionCode, &url,
		&supplier, &planName, &t.TermMonths, &utility, &rateJSON, &modeledJSON, &strength,
		&t.EFLRequiresManualReview, &issuesJSON, &rawText, &t.InvalidatedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.EFLURL = deref(url)
	t.Supplier = deref(supplier)
	t.PlanName = deref(planName)
	t.UtilityID = deref(utility)
	t.RawText = deref(rawText)
	t.PassStrength = model.Strength(strength)

	if len(rateJSON) > 0 && string(rateJSON) != "null" {
		var rs model.RateStructure
		if err := json.Unmarshal(rateJSON, &rs); err != nil {
			return nil, eris.Wrapf(err, "decode rate structure for template %s", t.ID)
		}
		t.RateStructure = &rs
	}
	if len(modeledJSON) > 0 {
		if err := json.Unmarshal(modeledJSON, &t.ModeledRates); err != nil {
			return nil, eris.Wrapf(err, "decode modeled rates for template %s", t.ID)
		}
	}
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &t.EFLValidationIssues); err != nil {
			return nil, eris.Wrapf(err, "decode validation issues for template %s", t.ID)
		}
	}
	return &t, nil
}

// templateJSON encodes the JSON columns of t. A nil rate structure encodes as
// SQL NULL.
func templateJSON(t *model.RatePlanTemplate) (rate, modeled, issues any, err error) {
	if t.RateStructure != nil && t.RateStructure.Rate != nil {
		b, err := json.Marshal(t.RateStructure)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "encode rate structure")
		}
		rate = string(b)
	}
	mb, err := json.Marshal(nonNil(t.ModeledRates))
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "encode modeled rates")
	}
	ib, err := json.Marshal(nonNil(t.EFLValidationIssues))
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "encode validation issues")
	}
	return rate, string(mb), string(ib), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
