package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var queueColumnNames = []string{
	"id", "kind", "dedupe_key", "offer_id", "efl_url", "efl_pdf_sha256", "rep_puct_certificate",
	"efl_version_code", "queue_reason", "detail", "raw_text", "attempts", "last_attempt_at", "resolved_at",
	"resolved_by", "resolution_notes", "created_at", "updated_at",
}

func TestPostgresStore_FindTemplateBySHA_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM rate_plan_templates WHERE efl_pdf_sha256 = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.FindTemplateBySHA(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTemplate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM rate_plan_templates WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTemplate(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTemplate_DecodesJSON(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	cert := "10260"
	version := "V3"

	rows := pgxmock.NewRows([]string{
		"id", "efl_pdf_sha256", "rep_puct_certificate", "efl_version_code", "efl_url", "supplier",
		"plan_name", "term_months", "utility_id", "rate_structure", "modeled_rates", "pass_strength",
		"requires_manual_review", "validation_issues", "raw_text", "invalidated_at", "created_at", "updated_at",
	}).AddRow(
		"t1", "sha", &cert, &version, (*string)(nil), strp("Example Energy"),
		strp("Saver"), 12, strp("ONCOR"),
		[]byte(`{"type":"FIXED","baseFeeCents":995,"deliveryMonthlyCents":605,"deliveryCentsPerKwh":5.6,"energyCentsPerKwh":4.9}`),
		[]byte(`[{"usageKwh":1000,"avgCentsPerKwh":12.1}]`), "STRONG",
		false, []byte(`[]`), (*string)(nil), (*time.Time)(nil), now, now,
	)
	mock.ExpectQuery(`FROM rate_plan_templates WHERE id = \$1`).WithArgs("t1").WillReturnRows(rows)

	got, err := s.GetTemplate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "Saver", got.PlanName)
	assert.Equal(t, "", got.EFLURL)
	require.NotNil(t, got.RateStructure)
	assert.Equal(t, model.PlanTypeFixed, got.RateStructure.PlanType())
	assert.Len(t, got.ModeledRates, 1)
	assert.True(t, got.Usable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateTemplate_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO rate_plan_templates`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	err := s.CreateTemplate(context.Background(), fixedTemplate("dup"))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateTemplate_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO rate_plan_templates`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tpl := fixedTemplate("new")
	require.NoError(t, s.CreateTemplate(context.Background(), tpl))
	assert.NotEmpty(t, tpl.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTemplate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE rate_plan_templates SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tpl := fixedTemplate("gone")
	tpl.ID = "gone"
	err := s.UpdateTemplate(context.Background(), tpl)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertQueueItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(queueColumnNames).AddRow(
		"q1", "EFL_PARSE", "EFL_PARSE:sha256:abc", (*string)(nil), strp("https://x/efl.pdf"), strp("abc"),
		(*string)(nil), (*string)(nil), "VALIDATION_MISMATCH", strp("avg off"), (*string)(nil), 0,
		(*time.Time)(nil), (*time.Time)(nil), (*string)(nil), (*string)(nil), now, now,
	)
	mock.ExpectQuery(`INSERT INTO review_queue .* ON CONFLICT \(dedupe_key\) WHERE resolved_at IS NULL DO UPDATE`).
		WillReturnRows(rows)

	got, err := s.UpsertQueueItem(context.Background(), parseItem("abc", "", "https://x/efl.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "q1", got.ID)
	assert.Equal(t, model.ReasonValidationMismatch, got.QueueReason)
	assert.True(t, got.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateQueueItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE review_queue SET resolved_at = \$1, updated_at = \$2 WHERE kind = \$3 AND resolved_at IS NULL AND \(offer_id = \$4\)`).
		WithArgs(now, pgxmock.AnyArg(), "EFL_PARSE", "offer-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.UpdateQueueItems(context.Background(),
		QueueMatch{Kind: model.QueueKindEFLParse, Identity: &IdentityKeys{OfferID: "offer-1"}},
		QueuePatch{ResolvedAt: &now},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListQueueItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(queueColumnNames).
		AddRow("q1", "EFL_PARSE", "k1", strp("o1"), (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
			"FETCH_FAILED", (*string)(nil), (*string)(nil), 2, &now, (*time.Time)(nil), (*string)(nil), (*string)(nil), now, now).
		AddRow("q2", "EFL_PARSE", "k2", strp("o2"), (*string)(nil), (*string)(nil), (*string)(nil), (*string)(nil),
			"FETCH_FAILED", (*string)(nil), (*string)(nil), 0, (*time.Time)(nil), (*time.Time)(nil), (*string)(nil), (*string)(nil), now, now)
	mock.ExpectQuery(`FROM review_queue WHERE 1=1 AND kind = \$1 AND resolved_at IS NULL ORDER BY id ASC LIMIT \$2`).
		WithArgs("EFL_PARSE", 25).
		WillReturnRows(rows)

	items, err := s.ListQueueItems(context.Background(), QueueFilter{Kind: model.QueueKindEFLParse, OpenOnly: true, Limit: 25})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "o1", items[0].OfferID)
	assert.Equal(t, 2, items[0].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportOfferRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_offer_records"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom([]string{"_tmp_upsert_offer_records"},
		[]string{"offer_id", "efl_url", "supplier", "plan_name", "updated_at"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "offer_records"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.ImportOfferRecords(context.Background(), []model.OfferRecord{
		{OfferID: "o1", EFLURL: "https://a/efl.pdf"},
		{OfferID: "o2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOfferRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM offer_records WHERE offer_id = \$1`).
		WithArgs("o9").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetOfferRecord(context.Background(), "o9")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS rate_plan_templates`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
