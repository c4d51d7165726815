package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/intelliwatt/efl-cli/internal/model"
)

func identified() *model.DeterministicExtract {
	return &model.DeterministicExtract{
		EFLPdfSHA256:       "abc123",
		RepPUCTCertificate: strp("10260"),
		EFLVersionCode:     strp("V1"),
	}
}

func TestClassifyStrength(t *testing.T) {
	pass := model.ValidationResult{Status: model.ValidationPass}
	gapFilled := model.ValidationResult{Status: model.ValidationPass, SolveMode: SolveModeGapFill}
	offPoint := model.ValidationResult{
		Status:        model.ValidationPass,
		OffPointDiffs: []model.OffPointDiff{{UsageKwh: 2000, DiffCentsPerKwh: 0.2}},
	}
	noCert := &model.DeterministicExtract{EFLPdfSHA256: "abc123"}

	tests := []struct {
		name       string
		extract    *model.DeterministicExtract
		url        string
		validation model.ValidationResult
		want       model.Strength
		reason     string
	}{
		{"pass with identity", identified(), "", pass, model.StrengthStrong, "all reference points within tolerance"},
		{"fail", identified(), "", model.ValidationResult{Status: model.ValidationFail, QueueReason: model.ReasonValidationMismatch}, model.StrengthInvalid, "validation status FAIL: VALIDATION_MISMATCH"},
		{"skip", identified(), "", model.ValidationResult{Status: model.ValidationSkip, QueueReason: model.ReasonNoReferencePoints}, model.StrengthInvalid, "validation status SKIP: VALIDATION_NO_REFERENCE_POINTS"},
		{"no cert and no url", noCert, "", pass, model.StrengthInvalid, "missing identity: repPuctCertificate+eflVersionCode or eflUrl"},
		{"url stands in for cert", noCert, "https://rep.example.com/efl.pdf", pass, model.StrengthStrong, "all reference points within tolerance"},
		{"no extract", nil, "https://rep.example.com/efl.pdf", pass, model.StrengthInvalid, "missing identity: eflPdfSha256"},
		{"gap filled", identified(), "", gapFilled, model.StrengthWeak, "coefficients gap-filled from reference points (GAP_FILL)"},
		{"unsolvable gap fill", identified(), "", model.ValidationResult{Status: model.ValidationSkip, QueueReason: model.ReasonUnsolvableNotUnique, Detail: "no subset of reference points determines energy uniquely"}, model.StrengthInvalid, "gap-fill unsolvable: no subset of reference points determines energy uniquely"},
		{"off point beyond tolerance", identified(), "", offPoint, model.StrengthWeak, "held-out point 2000 kWh off by 0.2000 ¢/kWh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStrength(ClassifyInput{
				Extract:    tt.extract,
				SourceURL:  tt.url,
				Validation: tt.validation,
				Policy:     DefaultValidationPolicy(),
			})
			assert.Equal(t, tt.want, got.Strength)
			assert.Contains(t, got.Reasons, tt.reason)
		})
	}
}

func TestClassifyStrength_NeverStrongWithoutPass(t *testing.T) {
	for _, status := range []model.ValidationStatus{model.ValidationFail, model.ValidationSkip, ""} {
		got := ClassifyStrength(ClassifyInput{
			Extract:    identified(),
			Validation: model.ValidationResult{Status: status},
			Policy:     DefaultValidationPolicy(),
		})
		assert.Equal(t, model.StrengthInvalid, got.Strength, "status %q", status)
	}
}
