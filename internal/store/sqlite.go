package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	rate_structure         TEXT,
	modeled_rates          TEXT NOT NULL DEFAULT '[]',
	pass_strength          TEXT NOT NULL,
	requires_manual_review INTEGER NOT NULL DEFAULT 0,
	validation_issues      TEXT NOT NULL DEFAULT '[]',
	raw_text               TEXT,
	invalidated_at         DATETIME,
	created_at             DATETIME NOT NULL,
	updated_at             DATETIME NOT NULL
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
	last_attempt_at      DATETIME,
	resolved_at          DATETIME,
	resolved_by          TEXT,
	resolution_notes     TEXT,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS offer_links (
	offer_id     TEXT PRIMARY KEY,
	rate_plan_id TEXT NOT NULL REFERENCES rate_plan_templates(id),
	efl_url      TEXT,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS offer_records (
	offer_id   TEXT PRIMARY KEY,
	efl_url    TEXT NOT NULL,
	supplier   TEXT,
	plan_name  TEXT,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_templates_cert_version ON rate_plan_templates(rep_puct_certificate, efl_version_code);
CREATE INDEX IF NOT EXISTS idx_templates_url ON rate_plan_templates(efl_url);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_open_dedupe ON review_queue(dedupe_key) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_queue_kind_open ON review_queue(kind, id) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_queue_sha ON review_queue(efl_pdf_sha256);
CREATE INDEX IF NOT EXISTS idx_queue_offer ON review_queue(offer_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *model.RatePlanTemplate) error {
	rate, modeled, issues, err := templateJSON(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: create template")
	}
	id := NewID()
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rate_plan_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.EFLPdfSHA256, t.RepPUCTCertificate, t.EFLVersionCode, nullable(t.EFLURL),
		nullable(t.Supplier), nullable(t.PlanName), t.TermMonths, nullable(t.UtilityID),
		rate, modeled, string(t.PassStrength), t.EFLRequiresManualReview, issues,
		nullable(t.RawText), t.InvalidatedAt, now, now,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrPersistenceConflict, "sqlite: template sha %s", t.EFLPdfSHA256)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert template")
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, t *model.RatePlanTemplate) error {
	rate, modeled, issues, err := templateJSON(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: update template")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE rate_plan_templates SET
			rep_puct_certificate = ?, efl_version_code = ?, efl_url = ?, supplier = ?, plan_name = ?,
			term_months = ?, utility_id = ?, rate_structure = ?, modeled_rates = ?, pass_strength = ?,
			requires_manual_review = ?, validation_issues = ?, raw_text = ?, invalidated_at = ?, updated_at = ?
		 WHERE id = ?`,
		t.RepPUCTCertificate, t.EFLVersionCode, nullable(t.EFLURL), nullable(t.Supplier),
		nullable(t.PlanName), t.TermMonths, nullable(t.UtilityID), rate, modeled,
		string(t.PassStrength), t.EFLRequiresManualReview, issues, nullable(t.RawText),
		t.InvalidatedAt, now, t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update template %s", t.ID)
	}
	if err := checkRowsAffected(res, "template", t.ID); err != nil {
		return err
	}
	t.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.RatePlanTemplate, error) {
	t, err := s.queryTemplate(ctx, `SELECT `+templateColumns+` FROM rate_plan_templates WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, eris.Wrapf(ErrNotFound, "template %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) FindTemplateBySHA(ctx context.Context, sha string) (*model.RatePlanTemplate, error) {
	return s.queryTemplate(ctx, `SELECT `+templateColumns+` FROM rate_plan_templates WHERE efl_pdf_sha256 = ?`, sha)
}

func (s *SQLiteStore) FindTemplateByCertVersion(ctx context.Context, cert, version string) (*model.RatePlanTemplate, error) {
	if cert == "" || version == "" {
		return nil, nil
	}
	return s.queryTemplate(ctx,
		`SELECT `+templateColumns+` FROM rate_plan_templates
		 WHERE rep_puct_certificate = ? AND efl_version_code = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		cert, version,
	)
}

func (s *SQLiteStore) FindTemplateByURL(ctx context.Context, url string) (*model.RatePlanTemplate, error) {
	if url == "" {
		return nil, nil
	}
	return s.queryTemplate(ctx,
		`SELECT `+templateColumns+` FROM rate_plan_templates WHERE efl_url = ? ORDER BY updated_at DESC LIMIT 1`,
		url,
	)
}

func (s *SQLiteStore) queryTemplate(ctx context.Context, query string, args ...any) (*model.RatePlanTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan template")
	}
	return t, nil
}

func (s *SQLiteStore) InvalidateTemplate(ctx context.Context, id string, issue model.ValidationIssue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin invalidate")
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanTemplate(tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM rate_plan_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "template %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: load template for invalidate")
	}

	t.Quarantine(issue.Code, issue.Message, issue.At)
	t.InvalidatedAt = &issue.At
	_, _, issues, err := templateJSON(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: invalidate template")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rate_plan_templates SET rate_structure = NULL, requires_manual_review = 1,
			validation_issues = ?, invalidated_at = ?, updated_at = ? WHERE id = ?`,
		issues, issue.At, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: invalidate template %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit invalidate")
}

func (s *SQLiteStore) LinkOffer(ctx context.Context, link model.OfferLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offer_links (offer_id, rate_plan_id, efl_url, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (offer_id) DO UPDATE SET rate_plan_id = excluded.rate_plan_id,
			efl_url = COALESCE(excluded.efl_url, offer_links.efl_url), updated_at = excluded.updated_at`,
		link.OfferID, link.RatePlanID, nullable(link.EFLURL), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: link offer %s", link.OfferID)
}

func (s *SQLiteStore) GetOfferLink(ctx context.Context, offerID string) (*model.OfferLink, error) {
	var l model.OfferLink
	var url *string
	err := s.db.QueryRowContext(ctx,
		`SELECT offer_id, rate_plan_id, efl_url, updated_at FROM offer_links WHERE offer_id = ?`, offerID,
	).Scan(&l.OfferID, &l.RatePlanID, &url, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get offer link %s", offerID)
	}
	l.EFLURL = deref(url)
	return &l, nil
}

func (s *SQLiteStore) ImportOfferRecords(ctx context.Context, records []model.OfferRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin offer import")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO offer_records (offer_id, efl_url, supplier, plan_name, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (offer_id) DO UPDATE SET efl_url = excluded.efl_url, supplier = excluded.supplier,
			plan_name = excluded.plan_name, updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare offer import")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for _, r := range records {
		if r.OfferID == "" || r.EFLURL == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.OfferID, r.EFLURL, nullable(r.Supplier), nullable(r.PlanName), now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import offer %s", r.OfferID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit offer import")
	}
	return n, nil
}

func (s *SQLiteStore) GetOfferRecord(ctx context.Context, offerID string) (*model.OfferRecord, error) {
	var r model.OfferRecord
	var supplier, planName *string
	err := s.db.QueryRowContext(ctx,
		`SELECT offer_id, efl_url, supplier, plan_name, updated_at FROM offer_records WHERE offer_id = ?`, offerID,
	).Scan(&r.OfferID, &r.EFLURL, &supplier, &planName, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get offer record %s", offerID)
	}
	r.Supplier = deref(supplier)
	r.PlanName = deref(planName)
	return &r, nil
}

func (s *SQLiteStore) UpsertQueueItem(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error) {
	if !item.Kind.Valid() {
		return nil, ErrKindRequired
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_queue (id, kind, dedupe_key, offer_id, efl_url, efl_pdf_sha256, rep_puct_certificate,
			efl_version_code, queue_reason, detail, raw_text, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (dedupe_key) WHERE resolved_at IS NULL DO UPDATE SET
			queue_reason = excluded.queue_reason,
			detail = excluded.detail,
			offer_id = COALESCE(excluded.offer_id, review_queue.offer_id),
			efl_url = COALESCE(excluded.efl_url, review_queue.efl_url),
			efl_pdf_sha256 = COALESCE(excluded.efl_pdf_sha256, review_queue.efl_pdf_sha256),
			rep_puct_certificate = COALESCE(excluded.rep_puct_certificate, review_queue.rep_puct_certificate),
			efl_version_code = COALESCE(excluded.efl_version_code, review_queue.efl_version_code),
			raw_text = COALESCE(excluded.raw_text, review_queue.raw_text),
			updated_at = excluded.updated_at`,
		NewID(), string(item.Kind), item.DedupeKey, nullable(item.OfferID), nullable(item.EFLURL),
		nullable(item.EFLPdfSHA256), nullable(item.RepPUCTCert), nullable(item.EFLVersionCode),
		string(item.QueueReason), nullable(item.Detail), nullable(item.RawText), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert queue item %s", item.DedupeKey)
	}

	stored, err := scanQueueItem(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM review_queue WHERE dedupe_key = ? AND resolved_at IS NULL`,
		item.DedupeKey,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reload queue item %s", item.DedupeKey)
	}
	return stored, nil
}

func (s *SQLiteStore) UpdateQueueItems(ctx context.Context, match QueueMatch, patch QueuePatch) (int, error) {
	query, args, ok, err := queueUpdateSQL(question, match, patch, time.Now().UTC())
	if err != nil || !ok {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: update queue items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) ListQueueItems(ctx context.Context, filter QueueFilter) ([]model.ReviewQueueItem, error) {
	query, args := queueListSQL(question, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue items")
	}
	defer rows.Close()

	var items []model.ReviewQueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue item")
		}
		items = append(items, *q)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate queue items")
}

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id string) (*model.ReviewQueueItem, error) {
	q, err := scanQueueItem(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM review_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "queue item %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get queue item %s", id)
	}
	return q, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
