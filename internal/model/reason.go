package model

// Reason is a structured code describing why a document could not be fully
// automated. Reasons become queue reasons and validation issue codes.
type Reason string

const (
	ReasonExtractionNoText Reason = "EXTRACTION_NO_TEXT"
	ReasonExtractionFailed Reason = "EXTRACTION_FAILED"

	ReasonDerivationAmbiguous  Reason = "DERIVATION_AMBIGUOUS"
	ReasonDerivationIncomplete Reason = "DERIVATION_INCOMPLETE"

	ReasonNoReferencePoints       Reason = "VALIDATION_NO_REFERENCE_POINTS"
	ReasonValidationMismatch      Reason = "VALIDATION_MISMATCH"
	ReasonValidationNotComputable Reason = "VALIDATION_NOT_COMPUTABLE"
	ReasonInsufficientPoints      Reason = "VALIDATION_INSUFFICIENT_POINTS"
	ReasonTooManyUnknowns         Reason = "VALIDATION_TOO_MANY_UNKNOWNS"
	ReasonUnsolvableNotUnique     Reason = "VALIDATION_UNSOLVABLE_NOT_UNIQUE"
	ReasonUnsolvableOutOfRange    Reason = "VALIDATION_UNSOLVABLE_OUT_OF_RANGE"
	ReasonHeldOutMismatch         Reason = "VALIDATION_HELD_OUT_MISMATCH"
	ReasonStrengthWeak            Reason = "STRENGTH_WEAK"
	ReasonStrengthInvalid         Reason = "STRENGTH_INVALID"
	ReasonMissingIdentity         Reason = "MISSING_IDENTITY"
	ReasonTemplateMissingFields   Reason = "TEMPLATE_MISSING_FIELDS"
	ReasonTemplateUnknownUtility  Reason = "TEMPLATE_UNKNOWN_UTILITY"
	ReasonFetchFailed             Reason = "FETCH_FAILED"
	ReasonAdminInvalidated        Reason = "ADMIN_INVALIDATED"
	ReasonPlanCalcUnsupported     Reason = "PLAN_CALC_UNSUPPORTED"
)

// IsValidationUnsolvable reports whether the reason belongs to the
// ValidationUnsolvable family.
func (r Reason) IsValidationUnsolvable() bool {
	switch r {
	case ReasonInsufficientPoints, ReasonTooManyUnknowns, ReasonUnsolvableNotUnique, ReasonUnsolvableOutOfRange:
		return true
	}
	return false
}
