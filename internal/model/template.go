package model

import "time"

// IssueSeverity grades a validation issue recorded on a template.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "ERROR"
	SeverityWarning IssueSeverity = "WARNING"
)

// ValidationIssue is an entry in a template's eflValidationIssues list.
type ValidationIssue struct {
	Code     Reason        `json:"code"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// ModeledRate is the modeled average price at a reference usage point.
type ModeledRate struct {
	UsageKwh            float64 `json:"usageKwh"`
	AvgCentsPerKwh      float64 `json:"avgCentsPerKwh"`
	ExpectedCentsPerKwh float64 `json:"expectedCentsPerKwh,omitempty"`
}

// RatePlanTemplate is a persisted, reusable rate model. Templates are never
// deleted, only invalidated.
type RatePlanTemplate struct {
	ID                      string            `json:"id"`
	EFLPdfSHA256            string            `json:"eflPdfSha256"`
	RepPUCTCertificate      *string           `json:"repPuctCertificate"`
	EFLVersionCode          *string           `json:"eflVersionCode"`
	EFLURL                  string            `json:"eflUrl,omitempty"`
	Supplier                string            `json:"supplier"`
	PlanName                string            `json:"planName"`
	TermMonths              int               `json:"termMonths"`
	UtilityID               string            `json:"utilityId"`
	RateStructure           *RateStructure    `json:"rateStructure"`
	ModeledRates            []ModeledRate     `json:"modeledRates,omitempty"`
	PassStrength            Strength          `json:"passStrength"`
	EFLRequiresManualReview bool              `json:"eflRequiresManualReview"`
	EFLValidationIssues     []ValidationIssue `json:"eflValidationIssues,omitempty"`
	RawText                 string            `json:"-"`
	InvalidatedAt           *time.Time        `json:"invalidatedAt,omitempty"`
	CreatedAt               time.Time         `json:"createdAt"`
	UpdatedAt               time.Time         `json:"updatedAt"`
}

// Usable reports whether downstream cost calculations may rely on the template.
func (t *RatePlanTemplate) Usable() bool {
	return t != nil && t.RateStructure != nil && t.RateStructure.Rate != nil &&
		!t.EFLRequiresManualReview && t.PassStrength == StrengthStrong
}

// HasIssue reports whether an issue with the given code is recorded.
func (t *RatePlanTemplate) HasIssue(code Reason) bool {
	for _, is := range t.EFLValidationIssues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// Quarantine clears the rate structure, flags manual review, and appends an
// issue. The template row itself is kept.
func (t *RatePlanTemplate) Quarantine(code Reason, message string, at time.Time) {
	t.RateStructure = nil
	t.EFLRequiresManualReview = true
	t.EFLValidationIssues = append(t.EFLValidationIssues, ValidationIssue{
		Code:     code,
		Severity: SeverityError,
		Message:  message,
		At:       at,
	})
}

// OfferLink maps a third-party offer id to the template serving it.
type OfferLink struct {
	OfferID    string    `json:"offerId"`
	RatePlanID string    `json:"ratePlanId"`
	EFLURL     string    `json:"eflUrl,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// OfferRecord is the master record a third-party offer feed supplies for an
// offer id. Its EFL URL is the last fetch candidate before cached text.
type OfferRecord struct {
	OfferID   string    `json:"offerId"`
	EFLURL    string    `json:"eflUrl"`
	Supplier  string    `json:"supplier,omitempty"`
	PlanName  string    `json:"planName,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
