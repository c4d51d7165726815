package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/store"
)

func withoutLine(efl, prefix string) string {
	var out []string
	for _, l := range strings.Split(efl, "\n") {
		if !strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func TestGate_StrongCreatesTemplate(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()

	res, err := p.Process(ctx, Request{Document: ptr(textDoc(flatEFL))})
	require.NoError(t, err)
	require.Equal(t, model.GateActionCreated, res.Gate.Action)
	assert.True(t, res.Gate.TemplatePersisted)

	tpl, err := st.GetTemplate(ctx, res.Gate.RatePlanID)
	require.NoError(t, err)
	assert.True(t, tpl.Usable())
	assert.Equal(t, "ONCOR", tpl.UtilityID)
	assert.Equal(t, res.SHA256, tpl.EFLPdfSHA256)
	assert.Equal(t, "https://rep.example.com/efl.pdf", tpl.EFLURL)
	assert.Len(t, tpl.ModeledRates, 3)
	assert.Empty(t, openItems(t, st))
}

func TestGate_WeakIsQueuedNotPersisted(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()

	res, err := p.Process(ctx, Request{Document: ptr(textDoc(touEFL))})
	require.NoError(t, err)
	assert.Equal(t, model.StrengthWeak, res.Strength.Strength)
	assert.Equal(t, model.GateActionQueued, res.Gate.Action)
	assert.Equal(t, model.ReasonStrengthWeak, res.Gate.Reason)
	assert.False(t, res.Gate.TemplatePersisted)

	tpl, err := st.FindTemplateBySHA(ctx, res.SHA256)
	require.NoError(t, err)
	assert.Nil(t, tpl)

	items := openItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, res.Gate.QueueItemID, items[0].ID)
	assert.Equal(t, "10260", items[0].RepPUCTCert)
	assert.Equal(t, "BHP-TOU-24-1", items[0].EFLVersionCode)
}

func TestGate_MissingTemplateFields(t *testing.T) {
	p, st := testPipeline(t)

	res, err := p.Process(context.Background(), Request{Document: ptr(textDoc(withoutLine(flatEFL, "Plan Name:")))})
	require.NoError(t, err)
	assert.Equal(t, model.StrengthStrong, res.Strength.Strength)
	assert.Equal(t, model.GateActionQueued, res.Gate.Action)
	assert.Equal(t, model.ReasonTemplateMissingFields, res.Gate.Reason)
	assert.Equal(t, []string{"planName"}, res.Gate.MissingFields)
	assert.Len(t, openItems(t, st), 1)
}

func TestGate_UnknownUtilityQuarantines(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()

	res, err := p.Process(ctx, Request{Document: ptr(textDoc(withServiceArea(flatEFL, "Sharyland Utilities")))})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionQuarantined, res.Gate.Action)
	assert.Equal(t, model.ReasonTemplateUnknownUtility, res.Gate.Reason)
	assert.True(t, res.Gate.TemplatePersisted)
	assert.False(t, res.Persisted())

	tpl, err := st.GetTemplate(ctx, res.Gate.RatePlanID)
	require.NoError(t, err)
	assert.Nil(t, tpl.RateStructure)
	assert.True(t, tpl.EFLRequiresManualReview)
	assert.True(t, tpl.HasIssue(model.ReasonTemplateUnknownUtility))
	assert.False(t, tpl.Usable())

	items := openItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, model.ReasonTemplateUnknownUtility, items[0].QueueReason)
	assert.Equal(t, res.Gate.QueueItemID, items[0].ID)
}

func TestGate_RerunQuarantineKeepsSingleIssue(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()
	req := Request{Document: ptr(textDoc(withServiceArea(flatEFL, "Sharyland Utilities")))}

	var id string
	for i := 0; i < 3; i++ {
		res, err := p.Process(ctx, req)
		require.NoError(t, err)
		require.Equal(t, model.ReasonTemplateUnknownUtility, res.Gate.Reason)
		id = res.Gate.RatePlanID
	}

	tpl, err := st.GetTemplate(ctx, id)
	require.NoError(t, err)
	var count int
	for _, is := range tpl.EFLValidationIssues {
		if is.Code == model.ReasonTemplateUnknownUtility {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestQueueReasonFor_HeldOutMiss(t *testing.T) {
	v := Validate(flatRate(nil, nil), points(500, 12.49, 1000, 11.495, 2000, 12.0), DefaultValidationPolicy())
	in := GateInput{
		Extract:    identified(),
		Validation: v,
		Strength:   ClassifyStrength(ClassifyInput{Extract: identified(), Validation: v, Policy: DefaultValidationPolicy()}),
	}

	reason, detail := queueReasonFor(in)
	assert.Equal(t, model.ReasonHeldOutMismatch, reason)
	assert.Contains(t, detail, "held-out point 2000 kWh off by -1.0025")
}

func TestGate_Idempotent(t *testing.T) {
	p, _ := testPipeline(t)
	ctx := context.Background()
	req := Request{Document: ptr(textDoc(flatEFL))}

	first, err := p.Process(ctx, req)
	require.NoError(t, err)
	second, err := p.Process(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, model.GateActionCreated, first.Gate.Action)
	assert.Equal(t, model.GateActionSkipped, second.Gate.Action)
	assert.Equal(t, first.Gate.RatePlanID, second.Gate.RatePlanID)
	assert.Equal(t, first.SHA256, second.SHA256)
}

func TestGate_ForceReparseUpdatesInPlace(t *testing.T) {
	p, _ := testPipeline(t)
	ctx := context.Background()

	first, err := p.Process(ctx, Request{Document: ptr(textDoc(flatEFL))})
	require.NoError(t, err)
	again, err := p.Process(ctx, Request{Document: ptr(textDoc(flatEFL)), ForceReparse: true})
	require.NoError(t, err)

	assert.Equal(t, model.GateActionUpdated, again.Gate.Action)
	assert.Equal(t, first.Gate.RatePlanID, again.Gate.RatePlanID)
}

func TestGate_WeakRunNeverDowngradesUsableTemplate(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()
	doc := textDoc(flatEFL)

	first, err := p.Process(ctx, Request{Document: &doc})
	require.NoError(t, err)

	// Same bytes, but caller-supplied points that no longer match.
	bad, err := p.Process(ctx, Request{Document: &doc, ForceReparse: true, ReferencePoints: points(500, 20, 1000, 20)})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionQueued, bad.Gate.Action)

	tpl, err := st.GetTemplate(ctx, first.Gate.RatePlanID)
	require.NoError(t, err)
	assert.True(t, tpl.Usable())
}

func TestGate_AdminInvalidatedBlocksReuse(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()
	doc := textDoc(flatEFL)

	first, err := p.Process(ctx, Request{Document: &doc})
	require.NoError(t, err)
	require.NoError(t, st.InvalidateTemplate(ctx, first.Gate.RatePlanID, model.ValidationIssue{
		Code:     model.ReasonAdminInvalidated,
		Severity: model.SeverityError,
		Message:  "wrong TDU charges",
		At:       time.Now().UTC(),
	}))

	blocked, err := p.Process(ctx, Request{Document: &doc})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionQueued, blocked.Gate.Action)
	assert.Equal(t, model.ReasonAdminInvalidated, blocked.Gate.Reason)

	forced, err := p.Process(ctx, Request{Document: &doc, ForceReparse: true})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionUpdated, forced.Gate.Action)

	tpl, err := st.GetTemplate(ctx, first.Gate.RatePlanID)
	require.NoError(t, err)
	assert.True(t, tpl.Usable())
	assert.True(t, tpl.HasIssue(model.ReasonAdminInvalidated), "issue history is kept")
}

func TestGate_AutoResolvesMatchingQueueItems(t *testing.T) {
	p, st := testPipeline(t)
	ctx := context.Background()
	doc := textDoc(flatEFL)
	q := &storeQueue{st: st}

	pending, err := q.Enqueue(ctx, &model.ReviewQueueItem{
		Kind:         model.QueueKindEFLParse,
		EFLPdfSHA256: ContentSHA256(doc),
		QueueReason:  model.ReasonFetchFailed,
	})
	require.NoError(t, err)
	byOffer, err := q.Enqueue(ctx, &model.ReviewQueueItem{
		Kind:        model.QueueKindEFLParse,
		OfferID:     "offer-1",
		QueueReason: model.ReasonFetchFailed,
	})
	require.NoError(t, err)

	res, err := p.Process(ctx, Request{Document: &doc, OfferID: "offer-1"})
	require.NoError(t, err)
	require.Equal(t, model.GateActionCreated, res.Gate.Action)

	var resolve *model.SideEffect
	for i := range res.Gate.SideEffects {
		if res.Gate.SideEffects[i].Op == OpResolveQueue {
			resolve = &res.Gate.SideEffects[i]
		}
	}
	require.NotNil(t, resolve)
	assert.Equal(t, 2, resolve.Affected)

	for _, id := range []string{pending.ID, byOffer.ID} {
		item, err := st.GetQueueItem(ctx, id)
		require.NoError(t, err)
		assert.False(t, item.IsOpen())
		assert.Equal(t, model.ResolvedByAutoTemplateMatch, item.ResolvedBy)
	}

	link, err := st.GetOfferLink(ctx, "offer-1")
	require.NoError(t, err)
	assert.Equal(t, res.Gate.RatePlanID, link.RatePlanID)
}

func TestGate_SideEffectFailureIsReported(t *testing.T) {
	st := newTestStore(t)
	q := new(mockQueue)
	q.On("AutoResolve", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("queue unavailable"))

	gate := NewGatekeeper(st, q, nil, testRetry())
	p := New(NewExtractor(nil, nil), nil, gate, DefaultValidationPolicy())

	res, err := p.Process(context.Background(), Request{Document: ptr(textDoc(flatEFL))})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionCreated, res.Gate.Action)
	require.Len(t, res.Gate.SideEffects, 1)
	assert.True(t, res.Gate.SideEffects[0].Failed())
	assert.Equal(t, "queue unavailable", res.Gate.SideEffects[0].ErrText)
	q.AssertExpectations(t)
}

// racingStore loses the first insert to a concurrent writer.
type racingStore struct {
	*store.SQLiteStore
	raced bool
}

func (r *racingStore) CreateTemplate(ctx context.Context, t *model.RatePlanTemplate) error {
	if !r.raced {
		r.raced = true
		winner := *t
		if err := r.SQLiteStore.CreateTemplate(ctx, &winner); err != nil {
			return err
		}
		return store.ErrPersistenceConflict
	}
	return r.SQLiteStore.CreateTemplate(ctx, t)
}

func TestGate_LostInsertRaceBecomesUpdate(t *testing.T) {
	st := newTestStore(t)
	rs := &racingStore{SQLiteStore: st}
	gate := NewGatekeeper(rs, &storeQueue{st: st}, nil, testRetry())
	p := New(NewExtractor(nil, nil), nil, gate, DefaultValidationPolicy())
	ctx := context.Background()

	res, err := p.Process(ctx, Request{Document: ptr(textDoc(flatEFL))})
	require.NoError(t, err)
	assert.True(t, rs.raced)
	assert.Equal(t, model.GateActionUpdated, res.Gate.Action)

	tpl, err := st.FindTemplateBySHA(ctx, res.SHA256)
	require.NoError(t, err)
	assert.Equal(t, res.Gate.RatePlanID, tpl.ID)
}

func TestGate_RequiresSha(t *testing.T) {
	gate := NewGatekeeper(newTestStore(t), new(mockQueue), nil, testRetry())
	_, err := gate.Decide(context.Background(), GateInput{Extract: &model.DeterministicExtract{}})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }

func TestGate_InvalidateOpensReviewItem(t *testing.T) {
	st := newTestStore(t)
	gate := NewGatekeeper(st, &storeQueue{st: st}, nil, testRetry())
	p := New(NewExtractor(nil, nil), nil, gate, DefaultValidationPolicy())
	ctx := context.Background()

	first, err := p.Process(ctx, Request{Document: ptr(textDoc(flatEFL))})
	require.NoError(t, err)

	tpl, res, err := gate.Invalidate(ctx, first.Gate.RatePlanID, "")
	require.NoError(t, err)
	assert.False(t, tpl.Usable())
	assert.True(t, tpl.HasIssue(model.ReasonAdminInvalidated))
	assert.Equal(t, model.GateActionQueued, res.Action)
	assert.Equal(t, model.ReasonAdminInvalidated, res.Reason)

	items := openItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, res.QueueItemID, items[0].ID)
	assert.Equal(t, first.SHA256, items[0].EFLPdfSHA256)
	assert.Equal(t, "invalidated by admin", items[0].Detail)

	// A forced reparse restores the template and closes the item.
	forced, err := p.Process(ctx, Request{Document: ptr(textDoc(flatEFL)), ForceReparse: true})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionUpdated, forced.Gate.Action)
	assert.Empty(t, openItems(t, st))

	_, _, err = gate.Invalidate(ctx, "missing", "bad")
	assert.True(t, store.IsNotFound(err))
}
