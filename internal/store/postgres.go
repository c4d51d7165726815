package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/db"
	"github.com/intelliwatt/efl-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

const (
	sqlTemplateBySHA = `SELECT ` + templateColumns + ` FROM rate_plan_templates WHERE efl_pdf_sha256 = $1`
	sqlTemplateByID  = `SELECT ` + templateColumns + ` FROM rate_plan_templates WHERE id = $1`
	sqlQueueItemByID = `SELECT ` + queueColumns + ` FROM review_queue WHERE id = $1`
	sqlOfferLink     = `SELECT offer_id, rate_plan_id, efl_url, updated_at FROM offer_links WHERE offer_id = $1`
	sqlOfferRecord   = `SELECT offer_id, efl_url, supplier, plan_name, updated_at FROM offer_records WHERE offer_id = $1`
)

// preparedStatements lists the lookups the gatekeeper and drainer hit on
// every document.
var preparedStatements = map[string]string{
	"template_by_sha":  sqlTemplateBySHA,
	"template_by_id":   sqlTemplateByID,
	"queue_item_by_id": sqlQueueItemByID,
	"offer_link":       sqlOfferLink,
	"offer_record":     sqlOfferRecord,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS rate_plan_templates (
	id                     TEXT PRIMARY KEY,
	efl_pdf_sha256         TEXT NOT NULL UNIQUE,
	rep_puct_certificate   TEXT,
	efl_version_code       TEXT,
	efl_url                TEXT,
	supplier               TEXT,
	plan_name              TEXT,
	term_months            INTEGER NOT NULL DEFAULT 0,
	utility_id             TEXT,
	rate_structure         JSONB,
	modeled_rates          JSONB NOT NULL DEFAULT '[]',
	pass_strength          TEXT NOT NULL,
	requires_manual_review BOOLEAN NOT NULL DEFAULT false,
	validation_issues      JSONB NOT NULL DEFAULT '[]',
	raw_text               TEXT,
	invalidated_at         TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_queue (
	id                   TEXT PRIMARY KEY,
	kind                 TEXT NOT NULL,
	dedupe_key           TEXT NOT NULL,
	offer_id             TEXT,
	efl_url              TEXT,
	efl_pdf_sha256       TEXT,
	rep_puct_certificate TEXT,
	efl_version_code     TEXT,
	queue_reason         TEXT NOT NULL,
	detail               TEXT,
	raw_text             TEXT,
	attempts             INTEGER NOT NULL DEFAULT 0,
	last_attempt_at      TIMESTAMPTZ,
	resolved_at          TIMESTAMPTZ,
	resolved_by          TEXT,
	resolution_notes     TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS offer_links (
	offer_id     TEXT PRIMARY KEY,
	rate_plan_id TEXT NOT NULL REFERENCES rate_plan_templates(id),
	efl_url      TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS offer_records (
	offer_id   TEXT PRIMARY KEY,
	efl_url    TEXT NOT NULL,
	supplier   TEXT,
	plan_name  TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_templates_cert_version ON rate_plan_templates(rep_puct_certificate, efl_version_code);
CREATE INDEX IF NOT EXISTS idx_templates_url ON rate_plan_templates(efl_url);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_open_dedupe ON review_queue(dedupe_key) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_queue_kind_open ON review_queue(kind, id) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_queue_sha ON review_queue(efl_pdf_sha256);
CREATE INDEX IF NOT EXISTS idx_queue_offer ON review_queue(offer_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Ping checks connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *model.RatePlanTemplate) error {
	rate, modeled, issues, err := templateJSON(t)
	if err != nil {
		return eris.Wrap(err, "postgres: create template")
	}
	id := NewID()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO rate_plan_templates (`+templateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		id, t.EFLPdfSHA256, t.RepPUCTCertificate, t.EFLVersionCode, nullable(t.EFLURL),
		nullable(t.Supplier), nullable(t.PlanName), t.TermMonths, nullable(t.UtilityID),
		rate, modeled, string(t.PassStrength), t.EFLRequiresManualReview, issues,
		nullable(t.RawText), t.InvalidatedAt, now, now,
	)
	if isPgUnique(err) {
		return eris.Wrapf(ErrPersistenceConflict, "postgres: template sha %s", t.EFLPdfSHA256)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: insert template")
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t *model.RatePlanTemplate) error {
	rate, modeled, issues, err := templateJSON(t)
	if err != nil {
		return eris.Wrap(err, "postgres: update template")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE rate_plan_templates SET
			rep_puct_certificate = $1, efl_version_code = $2, efl_url = $3, supplier = $4, plan_name = $5,
			term_months = $6, utility_id = $7, rate_structure = $8, modeled_rates = $9, pass_strength = $10,
			requires_manual_review = $11, validation_issues = $12, raw_text = $13, invalidated_at = $14, updated_at = $15
		 WHERE id = $16`,
		t.RepPUCTCertificate, t.EFLVersionCode, nullable(t.EFLURL), nullable(t.Supplier),
		nullable(t.PlanName), t.TermMonths, nullable(t.UtilityID), rate, modeled,
		string(t.PassStrength), t.EFLRequiresManualReview, issues, nullable(t.RawText),
		t.InvalidatedAt, now, t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update template %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "template %s", t.ID)
	}
	t.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*model.RatePlanTemplate, error) {
	t, err := s.queryTemplate(ctx, sqlTemplateByID, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, eris.Wrapf(ErrNotFound, "template %s", id)
	}
	return t, nil
}

func (s *PostgresStore) FindTemplateBySHA(ctx context.Context, sha string) (*model.RatePlanTemplate, error) {
	return s.queryTemplate(ctx, sqlTemplateBySHA, sha)
}

func (s *PostgresStore) FindTemplateByCertVersion(ctx context.Context, cert, version string) (*model.RatePlanTemplate, error) {
	if cert == "" || version == "" {
		return nil, nil
	}
	return s.queryTemplate(ctx,
		`SELECT `+templateColumns+` FROM rate_plan_templates
		 WHERE rep_puct_certificate = $1 AND efl_version_code = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		cert, version,
	)
}

func (s *PostgresStore) FindTemplateByURL(ctx context.Context, url string) (*model.RatePlanTemplate, error) {
	if url == "" {
		return nil, nil
	}
	return s.queryTemplate(ctx,
		`SELECT `+templateColumns+` FROM rate_plan_templates WHERE efl_url = $1 ORDER BY updated_at DESC LIMIT 1`,
		url,
	)
}

func (s *PostgresStore) queryTemplate(ctx context.Context, query string, args ...any) (*model.RatePlanTemplate, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan template")
	}
	return t, nil
}

func (s *PostgresStore) InvalidateTemplate(ctx context.Context, id string, issue model.ValidationIssue) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin invalidate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t, err := scanTemplate(tx.QueryRow(ctx, sqlTemplateByID+` FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "template %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: load template for invalidate")
	}

	t.Quarantine(issue.Code, issue.Message, issue.At)
	_, _, issues, err := templateJSON(t)
	if err != nil {
		return eris.Wrap(err, "postgres: invalidate template")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rate_plan_templates SET rate_structure = NULL, requires_manual_review = true,
			validation_issues = $1, invalidated_at = $2, updated_at = $3 WHERE id = $4`,
		issues, issue.At, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: invalidate template %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit invalidate")
}

func (s *PostgresStore) LinkOffer(ctx context.Context, link model.OfferLink) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO offer_links (offer_id, rate_plan_id, efl_url, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (offer_id) DO UPDATE SET rate_plan_id = EXCLUDED.rate_plan_id,
			efl_url = COALESCE(EXCLUDED.efl_url, offer_links.efl_url), updated_at = EXCLUDED.updated_at`,
		link.OfferID, link.RatePlanID, nullable(link.EFLURL), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: link offer %s", link.OfferID)
}

func (s *PostgresStore) GetOfferLink(ctx context.Context, offerID string) (*model.OfferLink, error) {
	var l model.OfferLink
	var url *string
	err := s.pool.QueryRow(ctx, sqlOfferLink, offerID).Scan(&l.OfferID, &l.RatePlanID, &url, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get offer link %s", offerID)
	}
	l.EFLURL = deref(url)
	return &l, nil
}

// ImportOfferRecords bulk-loads master records through a temp table merge.
// Records without an offer id or EFL URL are skipped.
func (s *PostgresStore) ImportOfferRecords(ctx context.Context, records []model.OfferRecord) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		if r.OfferID == "" || r.EFLURL == "" {
			continue
		}
		rows = append(rows, []any{r.OfferID, r.EFLURL, nullable(r.Supplier), nullable(r.PlanName), now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "offer_records",
		Columns:      []string{"offer_id", "efl_url", "supplier", "plan_name", "updated_at"},
		ConflictKeys: []string{"offer_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import offer records")
}

func (s *PostgresStore) GetOfferRecord(ctx context.Context, offerID string) (*model.OfferRecord, error) {
	var r model.OfferRecord
	var supplier, planName *string
	err := s.pool.QueryRow(ctx, sqlOfferRecord, offerID).Scan(&r.OfferID, &r.EFLURL, &supplier, &planName, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get offer record %s", offerID)
	}
	r.Supplier = deref(supplier)
	r.PlanName = deref(planName)
	return &r, nil
}

func (s *PostgresStore) UpsertQueueItem(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error) {
	if !item.Kind.Valid() {
		return nil, ErrKindRequired
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO review_queue (id, kind, dedupe_key, offer_id, efl_url, efl_pdf_sha256, rep_puct_certificate,
			efl_version_code, queue_reason, detail, raw_text, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13)
		 ON CONFLICT (dedupe_key) WHERE resolved_at IS NULL DO UPDATE SET
			queue_reason = EXCLUDED.queue_reason,
			detail = EXCLUDED.detail,
			offer_id = COALESCE(EXCLUDED.offer_id, review_queue.offer_id),
			efl_url = COALESCE(EXCLUDED.efl_url, review_queue.efl_url),
			efl_pdf_sha256 = COALESCE(EXCLUDED.efl_pdf_sha256, review_queue.efl_pdf_sha256),
			rep_puct_certificate = COALESCE(EXCLUDED.rep_puct_certificate, review_queue.rep_puct_certificate),
			efl_version_code = COALESCE(EXCLUDED.efl_version_code, review_queue.efl_version_code),
			raw_text = COALESCE(EXCLUDED.raw_text, review_queue.raw_text),
			updated_at = EXCLUDED.updated_at
		 RETURNING `+queueColumns,
		NewID(), string(item.Kind), item.DedupeKey, nullable(item.OfferID), nullable(item.EFLURL),
		nullable(item.EFLPdfSHA256), nullable(item.RepPUCTCert), nullable(item.EFLVersionCode),
		string(item.QueueReason), nullable(item.Detail), nullable(item.RawText), now, now,
	)
	stored, err := scanQueueItem(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert queue item %s", item.DedupeKey)
	}
	return stored, nil
}

func (s *PostgresStore) UpdateQueueItems(ctx context.Context, match QueueMatch, patch QueuePatch) (int, error) {
	query, args, ok, err := queueUpdateSQL(dollar, match, patch, time.Now().UTC())
	if err != nil || !ok {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: update queue items")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListQueueItems(ctx context.Context, filter QueueFilter) ([]model.ReviewQueueItem, error) {
	query, args := queueListSQL(dollar, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue items")
	}
	defer rows.Close()

	var items []model.ReviewQueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue item")
		}
		items = append(items, *q)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate queue items")
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (*model.ReviewQueueItem, error) {
	q, err := scanQueueItem(s.pool.QueryRow(ctx, sqlQueueItemByID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "queue item %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get queue item %s", id)
	}
	return q, nil
}
