package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/intelliwatt/efl-cli/internal/config"
	"github.com/intelliwatt/efl-cli/internal/model"
)

// SolveModeGapFill marks a result whose blank coefficients were solved from
// the reference points.
const SolveModeGapFill = "GAP_FILL"

// ValidationPolicy holds the numeric thresholds of the validator. All
// values are cents (per kWh for rates and tolerances).
type ValidationPolicy struct {
	Tolerance        float64
	HeldOutTolerance float64
	RateMinCents     float64
	RateMaxCents     float64
	FeeMaxCents      float64
	MaxSolveUnknowns int
}

// DefaultValidationPolicy returns the built-in thresholds.
func DefaultValidationPolicy() ValidationPolicy {
	return ValidationPolicy{
		Tolerance:        0.05,
		HeldOutTolerance: 0.25,
		RateMinCents:     0,
		RateMaxCents:     100,
		FeeMaxCents:      10000,
		MaxSolveUnknowns: 2,
	}
}

// PolicyFromConfig builds a policy from configuration, keeping defaults for
// unset positive thresholds.
func PolicyFromConfig(c config.EFLConfig) ValidationPolicy {
	p := DefaultValidationPolicy()
	if c.Tolerance > 0 {
		p.Tolerance = c.Tolerance
	}
	if c.HeldOutTolerance > 0 {
		p.HeldOutTolerance = c.HeldOutTolerance
	}
	if c.RateMaxCents > 0 {
		p.RateMinCents = c.RateMinCents
		p.RateMaxCents = c.RateMaxCents
	}
	if c.FeeMaxCents > 0 {
		p.FeeMaxCents = c.FeeMaxCents
	}
	if c.MaxSolveUnknowns > 0 {
		p.MaxSolveUnknowns = c.MaxSolveUnknowns
	}
	return p
}

// comparisonSlack absorbs float noise in tolerance comparisons.
const comparisonSlack = 1e-9

func (p ValidationPolicy) within(diff, tol float64) bool {
	return math.Abs(diff) <= tol+comparisonSlack
}

func (p ValidationPolicy) inRange(name string, v float64) bool {
	if isFeeCoefficient(name) {
		return v >= 0 && v <= p.FeeMaxCents
	}
	return v >= p.RateMinCents && v <= p.RateMaxCents
}

// Validate evaluates rs at every reference point. Blank coefficients are
// solved exactly from the lowest-usage non-singular subset of points; the
// remaining points are checked as held-out points.
func Validate(rs *model.RateStructure, points []model.ReferencePoint, p ValidationPolicy) model.ValidationResult {
	sorted := append([]model.ReferencePoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].UsageKwh < sorted[j].UsageKwh })

	res := model.ValidationResult{Points: make([]model.ValidationPoint, len(sorted))}
	var usable []int
	for i, pt := range sorted {
		res.Points[i] = model.ValidationPoint{
			UsageKwh:               pt.UsageKwh,
			ExpectedAvgCentsPerKwh: model.Float(pt.ExpectedAvgCentsPerKwh),
		}
		if pt.UsageKwh <= 0 || pt.ExpectedAvgCentsPerKwh < 0 {
			markUnavailable(&res.Points[i], "reference point needs positive usage and a non-negative price")
			continue
		}
		usable = append(usable, i)
	}

	if rs == nil || rs.Rate == nil {
		return skip(res, model.ReasonValidationNotComputable, "no rate model to evaluate")
	}
	if len(usable) == 0 {
		return skip(res, model.ReasonNoReferencePoints, "no usable reference points")
	}

	unknowns := unknownCoefficients(rs.Rate)
	solved := rs
	if len(unknowns) > 0 {
		if len(unknowns) > p.MaxSolveUnknowns {
			return skip(res, model.ReasonTooManyUnknowns,
				fmt.Sprintf("%d blank coefficients (%s), at most %d can be solved",
					len(unknowns), strings.Join(unknowns, ", "), p.MaxSolveUnknowns))
		}
		if len(usable) < len(unknowns) {
			return skip(res, model.ReasonInsufficientPoints,
				fmt.Sprintf("%d blank coefficients but %d usable reference points", len(unknowns), len(usable)))
		}

		values, used, ok := solveUnknowns(rs.Rate, sorted, usable, unknowns)
		if !ok {
			return skip(res, model.ReasonUnsolvableNotUnique,
				"no subset of reference points determines "+strings.Join(unknowns, ", ")+" uniquely")
		}
		for _, name := range unknowns {
			if !p.inRange(name, values[name]) {
				return skip(res, model.ReasonUnsolvableOutOfRange,
					fmt.Sprintf("solved %s = %.4f is outside the plausible range", name, values[name]))
			}
		}
		filled, err := fillCoefficients(rs, values)
		if err != nil {
			return skip(res, model.ReasonValidationNotComputable, err.Error())
		}
		solved = filled
		res.SolveMode = SolveModeGapFill
		res.SolvedCoefficients = values
		res.Solved = filled
		for _, i := range used {
			res.Points[i].UsedForSolve = true
		}
	}

	var mismatched []string
	for _, i := range usable {
		pt := &res.Points[i]
		modeled, err := ModeledAverage(solved, pt.UsageKwh)
		if err != nil {
			markUnavailable(pt, err.Error())
			mismatched = append(mismatched, fmt.Sprintf("%g kWh not computable", pt.UsageKwh))
			continue
		}
		modeled = round4(modeled)
		diff := round4(modeled - *pt.ExpectedAvgCentsPerKwh)
		pt.ModeledAvgCentsPerKwh = model.Float(modeled)
		pt.DiffCentsPerKwh = model.Float(diff)

		if res.SolveMode != "" && !pt.UsedForSolve {
			pt.WithinTolerance = p.within(diff, p.HeldOutTolerance)
			res.OffPointDiffs = append(res.OffPointDiffs, model.OffPointDiff{
				UsageKwh:               pt.UsageKwh,
				ExpectedAvgCentsPerKwh: *pt.ExpectedAvgCentsPerKwh,
				ModeledAvgCentsPerKwh:  modeled,
				DiffCentsPerKwh:        diff,
			})
			continue
		}
		pt.WithinTolerance = p.within(diff, p.Tolerance)
		if !pt.WithinTolerance {
			mismatched = append(mismatched, fmt.Sprintf("%g kWh off by %.4f", pt.UsageKwh, diff))
		}
	}

	// Held-out points only weaken the result; the classifier reads them.
	if len(mismatched) > 0 {
		res.Status = model.ValidationFail
		res.QueueReason = model.ReasonValidationMismatch
		res.Detail = strings.Join(mismatched, "; ")
		return res
	}
	res.Status = model.ValidationPass
	if missed := heldOutMisses(res); len(missed) > 0 {
		res.Detail = strings.Join(missed, "; ")
	}
	return res
}

// heldOutMisses describes held-out points of a gap-filled result that are
// outside the held-out tolerance.
func heldOutMisses(v model.ValidationResult) []string {
	if v.SolveMode == "" {
		return nil
	}
	var out []string
	for _, pt := range v.Points {
		if pt.UsedForSolve || pt.Unavailable || pt.WithinTolerance || pt.DiffCentsPerKwh == nil {
			continue
		}
		out = append(out, fmt.Sprintf("held-out point %g kWh off by %.4f ¢/kWh", pt.UsageKwh, *pt.DiffCentsPerKwh))
	}
	return out
}

// solveUnknowns tries k-subsets of the usable points in ascending usage
// order and returns the first exact solution.
func solveUnknowns(r model.Rate, points []model.ReferencePoint, usable []int, unknowns []string) (map[string]float64, []int, bool) {
	bills := make([]linearBill, len(usable))
	for j, i := range usable {
		bills[j] = billAt(r, points[i].UsageKwh)
	}

	var (
		values map[string]float64
		used   []int
	)
	combinations(len(usable), len(unknowns), func(idx []int) bool {
		a := make([][]float64, len(idx))
		b := make([]float64, len(idx))
		for row, j := range idx {
			pt := points[usable[j]]
			a[row] = make([]float64, len(unknowns))
			for col, name := range unknowns {
				a[row][col] = bills[j].Terms[name]
			}
			b[row] = pt.ExpectedAvgCentsPerKwh*pt.UsageKwh - bills[j].Constant
		}
		x, ok := solveLinear(a, b)
		if !ok {
			return false
		}
		values = make(map[string]float64, len(unknowns))
		for col, name := range unknowns {
			values[name] = round4(x[col])
		}
		for _, j := range idx {
			used = append(used, usable[j])
		}
		return true
	})
	return values, used, values != nil
}

func skip(res model.ValidationResult, reason model.Reason, detail string) model.ValidationResult {
	res.Status = model.ValidationSkip
	res.QueueReason = reason
	res.Detail = detail
	for i := range res.Points {
		if !res.Points[i].Unavailable {
			markUnavailable(&res.Points[i], detail)
		}
	}
	return res
}

func markUnavailable(pt *model.ValidationPoint, reason string) {
	pt.Unavailable = true
	pt.UnavailableReason = reason
	pt.ModeledAvgCentsPerKwh = nil
	pt.DiffCentsPerKwh = nil
	pt.WithinTolerance = false
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
