package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/ocr"
	"github.com/intelliwatt/efl-cli/internal/resilience"
	"github.com/intelliwatt/efl-cli/internal/store"
)

const flatEFL = `Electricity Facts Label
Retail Electric Provider: Example Energy LLC
PUCT Certificate No. 123456
Plan Name: Simple Saver 12
Service Area: Oncor Electric Delivery
Type of Product: Fixed Rate
Contract Term: 12 months
Average Monthly Use 500 kWh 1,000 kWh 2,000 kWh
Average Price per kWh 14.2¢ 12.1¢ 11.3¢
Base Charge: $9.95 per billing cycle
Energy Charge: 4.9¢ per kWh
TDU Delivery Charges: $6.05 per month and 5.6¢ per kWh
Minimum Usage Fee: $2.50 if usage is less than 1,000 kWh
EFL Version: 1`

const touEFL = `Electricity Facts Label
Retail Electric Provider: Bright Hours Power
PUCT Certificate No. 10260
EFL Version Code: BHP-TOU-24-1
Plan Name: Bright Hours 12
Service Area: CenterPoint Energy Houston Electric
Type of Product: Time of Use
Contract Term: 12 months
Average Monthly Use 500 kWh 1,000 kWh 2,000 kWh
Average Price per kWh 18.0¢ 17.0¢ 16.5¢
Base Charge: $5.00 per billing cycle
Energy Charge On-Peak (12 PM - 6 PM, every day): ______ per kWh
Energy Charge Off-Peak (all other hours): 8.0¢ per kWh
TDU Delivery Charges: $5.00 per month and 5.0¢ per kWh`

const tieredEFL = `Retail Electric Provider: Step Power
PUCT Certificate No. 10099
EFL Version: STEP-2
Plan Name: Step Down 24
Service Area: TNMP
Contract Term: 24 months
Base Charge: $0.00 per billing cycle
Energy Charge 0 - 1,000 kWh: 12.0¢ per kWh
Energy Charge 1,001 kWh and above: 10.0¢ per kWh
TDU Delivery Charges: $0 per month and 0¢ per kWh`

// withServiceArea swaps the service area line of an EFL fixture.
func withServiceArea(efl, area string) string {
	var out []string
	for _, l := range strings.Split(efl, "\n") {
		if strings.HasPrefix(l, "Service Area:") {
			l = "Service Area: " + area
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func textDoc(text string) model.EFLDocument {
	return model.EFLDocument{Text: text, SourceURL: "https://rep.example.com/efl.pdf"}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// storeQueue is a minimal ReviewQueue over a QueueStore.
type storeQueue struct {
	st store.QueueStore
}

func (q *storeQueue) Enqueue(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error) {
	item.DedupeKey = model.DedupeKeyFor(item.Kind, item.EFLPdfSHA256, item.RepPUCTCert, item.EFLVersionCode, item.OfferID, item.EFLURL)
	return q.st.UpsertQueueItem(ctx, item)
}

func (q *storeQueue) AutoResolve(ctx context.Context, keys store.IdentityKeys, ratePlanID string) (int, error) {
	now := time.Now().UTC()
	by := model.ResolvedByAutoTemplateMatch
	notes := "template " + ratePlanID
	return q.st.UpdateQueueItems(ctx,
		store.QueueMatch{Kind: model.QueueKindEFLParse, Identity: &keys, OpenOnly: true},
		store.QueuePatch{ResolvedAt: &now, ResolvedBy: &by, ResolutionNotes: &notes},
	)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error) {
	args := m.Called(ctx, item)
	if v := args.Get(0); v != nil {
		return v.(*model.ReviewQueueItem), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockQueue) AutoResolve(ctx context.Context, keys store.IdentityKeys, ratePlanID string) (int, error) {
	args := m.Called(ctx, keys, ratePlanID)
	return args.Int(0), args.Error(1)
}

type mockPDF struct {
	mock.Mock
}

func (m *mockPDF) ExtractText(ctx context.Context, pdf []byte) (ocr.Result, error) {
	args := m.Called(ctx, pdf)
	return args.Get(0).(ocr.Result), args.Error(1)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchEFL(ctx context.Context, rawURL string) model.FetchResult {
	args := m.Called(ctx, rawURL)
	return args.Get(0).(model.FetchResult)
}

func testRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

// testPipeline wires a pipeline over a fresh SQLite store.
func testPipeline(t *testing.T) (*Pipeline, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	gate := NewGatekeeper(st, &storeQueue{st: st}, nil, testRetry())
	return New(NewExtractor(nil, nil), nil, gate, DefaultValidationPolicy()), st
}

func openItems(t *testing.T, st store.QueueStore) []model.ReviewQueueItem {
	t.Helper()
	items, err := st.ListQueueItems(context.Background(), store.QueueFilter{Kind: model.QueueKindEFLParse, OpenOnly: true})
	require.NoError(t, err)
	return items
}
