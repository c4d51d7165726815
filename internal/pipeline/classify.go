package pipeline

import (
	"fmt"
	"math"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// ClassifyInput is everything the strength rules look at.
type ClassifyInput struct {
	Extract    *model.DeterministicExtract
	SourceURL  string
	Validation model.ValidationResult
	Policy     ValidationPolicy
}

// ClassifyStrength maps a validation result and identity completeness to a
// PassStrength. Rules are applied in order and the first match wins:
//
//  1. validation did not PASS: INVALID
//  2. no sha, or neither cert+version nor a source URL: INVALID
//  3. a coefficient was gap-filled: WEAK, listing held-out misses
//  4. a held-out point is off by more than the tolerance: WEAK
//  5. otherwise STRONG
func ClassifyStrength(in ClassifyInput) model.PassStrength {
	v := in.Validation

	if v.Status != model.ValidationPass {
		reason := fmt.Sprintf("validation status %s", v.Status)
		if v.Status == "" {
			reason = "validation did not run"
		}
		if v.QueueReason != "" {
			reason += ": " + string(v.QueueReason)
		}
		reasons := []string{reason}
		if v.QueueReason.IsValidationUnsolvable() && v.Detail != "" {
			reasons = append(reasons, "gap-fill unsolvable: "+v.Detail)
		}
		return model.PassStrength{Strength: model.StrengthInvalid, Reasons: reasons}
	}

	if missing := missingIdentity(in.Extract, in.SourceURL); len(missing) > 0 {
		reasons := make([]string, len(missing))
		for i, m := range missing {
			reasons[i] = "missing identity: " + m
		}
		return model.PassStrength{Strength: model.StrengthInvalid, Reasons: reasons}
	}

	if v.SolveMode != "" {
		reasons := []string{"coefficients gap-filled from reference points (" + v.SolveMode + ")"}
		return model.PassStrength{
			Strength:      model.StrengthWeak,
			Reasons:       append(reasons, heldOutMisses(v)...),
			OffPointDiffs: v.OffPointDiffs,
		}
	}

	tol := in.Policy.Tolerance
	if tol <= 0 {
		tol = DefaultValidationPolicy().Tolerance
	}
	var reasons []string
	for _, d := range v.OffPointDiffs {
		if math.Abs(d.DiffCentsPerKwh) > tol+comparisonSlack {
			reasons = append(reasons, fmt.Sprintf("held-out point %g kWh off by %.4f ¢/kWh", d.UsageKwh, d.DiffCentsPerKwh))
		}
	}
	if len(reasons) > 0 {
		return model.PassStrength{Strength: model.StrengthWeak, Reasons: reasons, OffPointDiffs: v.OffPointDiffs}
	}

	return model.PassStrength{
		Strength:      model.StrengthStrong,
		Reasons:       []string{"all reference points within tolerance"},
		OffPointDiffs: v.OffPointDiffs,
	}
}

// missingIdentity lists the identity keys a persisted template would lack.
func missingIdentity(x *model.DeterministicExtract, sourceURL string) []string {
	if x == nil {
		return []string{"eflPdfSha256"}
	}
	var missing []string
	if x.EFLPdfSHA256 == "" {
		missing = append(missing, "eflPdfSha256")
	}
	if !x.HasCertAndVersion() && sourceURL == "" {
		missing = append(missing, "repPuctCertificate+eflVersionCode or eflUrl")
	}
	return missing
}
