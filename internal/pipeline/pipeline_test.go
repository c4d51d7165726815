package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/ocr"
)

func TestProcess_Scenarios(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		plan     model.PlanType
		status   model.ValidationStatus
		strength model.Strength
		action   model.GateAction
		reason   model.Reason
	}{
		{"flat fixed", flatEFL, model.PlanTypeFixed, model.ValidationPass, model.StrengthStrong, model.GateActionCreated, ""},
		{"time of use gap fill", touEFL, model.PlanTypeTimeOfUse, model.ValidationPass, model.StrengthWeak, model.GateActionQueued, model.ReasonStrengthWeak},
		{"unknown utility", withServiceArea(flatEFL, "Sharyland Utilities"), model.PlanTypeFixed, model.ValidationPass, model.StrengthStrong, model.GateActionQuarantined, model.ReasonTemplateUnknownUtility},
		{"tiered without reference points", tieredEFL, model.PlanTypeTiered, model.ValidationSkip, model.StrengthInvalid, model.GateActionQueued, model.ReasonNoReferencePoints},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPipeline(t)
			res, err := p.Process(context.Background(), Request{Document: ptr(textDoc(tt.text))})
			require.NoError(t, err)

			require.NotNil(t, res.Derivation)
			assert.Equal(t, tt.plan, res.Derivation.Model.PlanType())
			assert.Equal(t, tt.status, res.Validation.Status)
			assert.Equal(t, tt.strength, res.Strength.Strength)
			assert.Equal(t, tt.action, res.Gate.Action)
			assert.Equal(t, tt.reason, res.Gate.Reason)
		})
	}
}

func TestProcess_CallerPointsOverrideDisclosedPoints(t *testing.T) {
	p, _ := testPipeline(t)
	res, err := p.Process(context.Background(), Request{
		Document:        ptr(textDoc(tieredEFL)),
		ReferencePoints: points(500, 12, 1500, 34000.0/3000),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ValidationPass, res.Validation.Status, res.Validation.Detail)
	assert.Equal(t, model.GateActionCreated, res.Gate.Action)
}

func TestProcess_AmbiguousDerivationQueued(t *testing.T) {
	p, st := testPipeline(t)
	text := flatEFL + "\nEnergy Charge 0 - 500 kWh: 12.0¢ per kWh\nEnergy Charge over 500 kWh: 10.0¢ per kWh"

	res, err := p.Process(context.Background(), Request{Document: ptr(textDoc(text))})
	require.NoError(t, err)
	assert.Equal(t, DerivationAmbiguous, res.Derivation.Outcome)
	assert.Equal(t, model.ValidationSkip, res.Validation.Status)
	assert.Equal(t, model.GateActionQueued, res.Gate.Action)
	assert.Equal(t, model.ReasonDerivationAmbiguous, res.Gate.Reason)

	items := openItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, CleanText(text), items[0].RawText)
}

func TestProcess_FetchesWhenNoDocument(t *testing.T) {
	st := newTestStore(t)
	f := new(mockFetcher)
	f.On("FetchEFL", mock.Anything, "https://rep.example.com/simple.pdf").Return(model.FetchResult{
		OK:          true,
		URL:         "https://rep.example.com/simple.pdf",
		StatusCode:  200,
		ContentType: "application/pdf",
		Bytes:       []byte("%PDF-1.7 simple"),
	})
	pdf := new(mockPDF)
	pdf.On("ExtractText", mock.Anything, []byte("%PDF-1.7 simple")).
		Return(ocr.Result{Text: flatEFL, Method: model.ExtractorMethodPdfToText}, nil)

	gate := NewGatekeeper(st, &storeQueue{st: st}, nil, testRetry())
	p := New(NewExtractor(pdf, nil), f, gate, DefaultValidationPolicy())

	res, err := p.Process(context.Background(), Request{URL: "https://rep.example.com/simple.pdf", OfferID: "offer-9"})
	require.NoError(t, err)
	require.NotNil(t, res.Fetch)
	assert.True(t, res.Fetch.OK)
	assert.Equal(t, model.GateActionCreated, res.Gate.Action)
	assert.Equal(t, ContentSHA256(model.EFLDocument{Bytes: []byte("%PDF-1.7 simple")}), res.SHA256)

	link, err := st.GetOfferLink(context.Background(), "offer-9")
	require.NoError(t, err)
	assert.Equal(t, "https://rep.example.com/simple.pdf", link.EFLURL)
	f.AssertExpectations(t)
	pdf.AssertExpectations(t)
}

func TestProcess_FetchFailureQueued(t *testing.T) {
	st := newTestStore(t)
	f := new(mockFetcher)
	f.On("FetchEFL", mock.Anything, "https://rep.example.com/gone.pdf").Return(model.FetchResult{
		URL:        "https://rep.example.com/gone.pdf",
		StatusCode: 404,
		Error:      "http 404",
	})
	gate := NewGatekeeper(st, &storeQueue{st: st}, nil, testRetry())
	p := New(NewExtractor(nil, nil), f, gate, DefaultValidationPolicy())

	res, err := p.Process(context.Background(), Request{URL: "https://rep.example.com/gone.pdf", OfferID: "offer-2"})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionQueued, res.Gate.Action)
	assert.Equal(t, model.ReasonFetchFailed, res.Gate.Reason)
	assert.Nil(t, res.Extract)

	items := openItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, "offer-2", items[0].OfferID)
	assert.Equal(t, "EFL_PARSE:offer:offer-2", items[0].DedupeKey)
	assert.Equal(t, "http 404", items[0].Detail)
}

func TestProcess_ExtractionFailureQueuedWithSha(t *testing.T) {
	st := newTestStore(t)
	pdf := new(mockPDF)
	pdf.On("ExtractText", mock.Anything, mock.Anything).Return(ocr.Result{}, nil)
	gate := NewGatekeeper(st, &storeQueue{st: st}, nil, testRetry())
	p := New(NewExtractor(pdf, nil), nil, gate, DefaultValidationPolicy())

	doc := model.EFLDocument{Bytes: []byte("%PDF scanned"), SourceURL: "https://rep.example.com/scan.pdf"}
	res, err := p.Process(context.Background(), Request{Document: &doc})
	require.NoError(t, err)
	assert.Equal(t, model.GateActionQueued, res.Gate.Action)
	assert.Equal(t, model.ReasonExtractionNoText, res.Gate.Reason)
	assert.Equal(t, ContentSHA256(doc), res.SHA256)

	items := openItems(t, st)
	require.Len(t, items, 1)
	assert.Equal(t, res.SHA256, items[0].EFLPdfSHA256)
	assert.Equal(t, "https://rep.example.com/scan.pdf", items[0].EFLURL)
}

func TestProcess_RequestValidation(t *testing.T) {
	p, _ := testPipeline(t)

	_, err := p.Process(context.Background(), Request{})
	assert.Error(t, err)

	_, err = p.Process(context.Background(), Request{URL: "https://rep.example.com/efl.pdf"})
	assert.Error(t, err, "no fetcher configured")
}
