package model

// ReferencePoint is one disclosed example-bill price point.
type ReferencePoint struct {
	UsageKwh               float64 `json:"usageKwh" yaml:"usage_kwh"`
	ExpectedAvgCentsPerKwh float64 `json:"expectedAvgCentsPerKwh" yaml:"expected_avg_cents_per_kwh"`
}

// ValidationStatus is the outcome of the numeric validator.
type ValidationStatus string

const (
	ValidationPass ValidationStatus = "PASS"
	ValidationFail ValidationStatus = "FAIL"
	ValidationSkip ValidationStatus = "SKIP"
)

// ValidationPoint compares a modeled average price with the expected one.
// Either both values are set or Unavailable is true.
type ValidationPoint struct {
	UsageKwh               float64  `json:"usageKwh"`
	ExpectedAvgCentsPerKwh *float64 `json:"expectedAvgCentsPerKwh"`
	ModeledAvgCentsPerKwh  *float64 `json:"modeledAvgCentsPerKwh"`
	DiffCentsPerKwh        *float64 `json:"diffCentsPerKwh,omitempty"`
	WithinTolerance        bool     `json:"withinTolerance"`
	UsedForSolve           bool     `json:"usedForSolve,omitempty"`
	Unavailable            bool     `json:"unavailable,omitempty"`
	UnavailableReason      string   `json:"unavailableReason,omitempty"`
}

// OffPointDiff is a held-out point checked against a solved model.
type OffPointDiff struct {
	UsageKwh               float64 `json:"usageKwh"`
	ExpectedAvgCentsPerKwh float64 `json:"expectedAvgCentsPerKwh"`
	ModeledAvgCentsPerKwh  float64 `json:"modeledAvgCentsPerKwh"`
	DiffCentsPerKwh        float64 `json:"diffCentsPerKwh"`
}

// ValidationResult is produced by the validator and consumed by the classifier.
// QueueReason and SolveMode are empty when not applicable.
type ValidationResult struct {
	Status             ValidationStatus   `json:"status"`
	Points             []ValidationPoint  `json:"points"`
	QueueReason        Reason             `json:"queueReason,omitempty"`
	SolveMode          string             `json:"solveMode,omitempty"`
	SolvedCoefficients map[string]float64 `json:"solvedCoefficients,omitempty"`
	OffPointDiffs      []OffPointDiff     `json:"offPointDiffs,omitempty"`
	Detail             string             `json:"detail,omitempty"`

	// Solved is the model with gap-filled coefficients applied, when solving ran.
	Solved *RateStructure `json:"-"`
}

// Strength is the three-level confidence of a pipeline run.
type Strength string

const (
	StrengthStrong  Strength = "STRONG"
	StrengthWeak    Strength = "WEAK"
	StrengthInvalid Strength = "INVALID"
)

// PassStrength is immutable once attached to a persistence decision.
type PassStrength struct {
	Strength      Strength       `json:"strength"`
	Reasons       []string       `json:"reasons"`
	OffPointDiffs []OffPointDiff `json:"offPointDiffs,omitempty"`
}

// IsStrong reports whether the strength is STRONG.
func (p PassStrength) IsStrong() bool {
	return p.Strength == StrengthStrong
}
