package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/ocr"
)

// ExtractionError reports that no usable text layer could be recovered.
// SHA256 is set whenever the input had bytes to hash.
type ExtractionError struct {
	Reason model.Reason
	SHA256 string
	Detail string
}

func (e *ExtractionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Extractor turns an EFL document into its deterministic identity fields,
// cleaned text and disclosed metadata.
type Extractor struct {
	pdf   ocr.Extractor
	tdsps *model.TDSPTable
}

// NewExtractor creates an Extractor. pdf may be nil when only text input is
// expected; tdsps defaults to the built-in TDSP list.
func NewExtractor(pdf ocr.Extractor, tdsps *model.TDSPTable) *Extractor {
	if tdsps == nil {
		tdsps = model.DefaultTDSPTable()
	}
	return &Extractor{pdf: pdf, tdsps: tdsps}
}

// ContentSHA256 returns the lowercase hex SHA-256 of the exact input bytes.
func ContentSHA256(doc model.EFLDocument) string {
	var sum [32]byte
	if doc.IsPDF() {
		sum = sha256.Sum256(doc.Bytes)
	} else {
		sum = sha256.Sum256([]byte(doc.Text))
	}
	return hex.EncodeToString(sum[:])
}

// Extract runs deterministic extraction over doc. Text-layer failures are
// returned as *ExtractionError; any other error is a cancelled context.
func (x *Extractor) Extract(ctx context.Context, doc model.EFLDocument) (*model.DeterministicExtract, error) {
	sha := ContentSHA256(doc)

	raw, method, err := x.textLayer(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "extract: text layer")
		}
		return nil, &ExtractionError{Reason: model.ReasonExtractionFailed, SHA256: sha, Detail: err.Error()}
	}

	text := CleanText(raw)
	if text == "" {
		return nil, &ExtractionError{Reason: model.ReasonExtractionNoText, SHA256: sha, Detail: "document has no recoverable text layer"}
	}

	out := &model.DeterministicExtract{
		EFLPdfSHA256:       sha,
		RepPUCTCertificate: findCertificate(text),
		EFLVersionCode:     findVersionCode(text),
		RawText:            text,
		ExtractorMethod:    method,
		Plan:               x.planMetadata(text),
		ReferencePoints:    findReferencePoints(text),
	}

	zap.L().Debug("extract: done",
		zap.String("sha256", sha),
		zap.String("method", string(method)),
		zap.String("cert", out.Cert()),
		zap.String("version", out.Version()),
		zap.Int("reference_points", len(out.ReferencePoints)),
	)
	return out, nil
}

func (x *Extractor) textLayer(ctx context.Context, doc model.EFLDocument) (string, model.ExtractorMethod, error) {
	if !doc.IsPDF() {
		method := doc.Method
		if method == "" {
			method = model.ExtractorMethodTextInput
		}
		return doc.Text, method, nil
	}
	if x.pdf == nil {
		return "", "", eris.New("no PDF text extractor configured")
	}
	res, err := x.pdf.ExtractText(ctx, doc.Bytes)
	if err != nil {
		return "", "", err
	}
	return res.Text, res.Method, nil
}

var (
	certPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:PUCT|REP)\s*(?:Certificate|Cert\.?|License|Lic\.?)\s*(?:No\.?|Number|#)?\s*[:#]?\s*(\d{4,6})\b`),
		regexp.MustCompile(`(?i)\bCertificate\s*(?:No\.?|Number|#)\s*[:#]?\s*(\d{4,6})\b`),
	}
	versionPattern = regexp.MustCompile(`(?i)\b(?:EFL\s+)?(?:Version\s*Code|Ver(?:sion)?\b\.?)\s*(?:No\.?|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9_./\-]*)`)
	hasDigit       = regexp.MustCompile(`\d`)
)

// findCertificate returns the PUCT certificate number, or nil.
func findCertificate(text string) *string {
	for _, re := range certPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return &m[1]
		}
	}
	return nil
}

// findVersionCode returns the first version code token containing a digit,
// or nil. Words such as "Date" following "Version" are skipped.
func findVersionCode(text string) *string {
	for _, m := range versionPattern.FindAllStringSubmatch(text, -1) {
		v := strings.TrimRight(m[1], ".-/")
		if v != "" && hasDigit.MatchString(v) {
			return &v
		}
	}
	return nil
}

var (
	supplierPattern    = regexp.MustCompile(`(?im)^(?:Retail Electric Provider|REP Name|REP|Electricity Provider|Provider|Company Name)\s*[:\-]\s*(.+)$`)
	planNamePattern    = regexp.MustCompile(`(?im)^(?:Plan Name|Product Name|Plan)\s*[:\-]\s*(.+)$`)
	termPattern        = regexp.MustCompile(`(?i)\b(?:contract\s+)?term(?:\s+length)?\s*(?:of\s+service\s*)?[:\-]?\s*(\d{1,3})\s*-?\s*months?\b`)
	termMonthPattern   = regexp.MustCompile(`(?i)\b(\d{1,3})[- ]month\s+(?:contract|term|fixed|plan)`)
	serviceAreaPattern = regexp.MustCompile(`(?im)^(?:Service Area|TDU Service Area|TDU|TDSP|Utility|Delivery Company|Transmission and Distribution Utility)\s*[:\-]\s*(.+)$`)
	parenthetical      = regexp.MustCompile(`\s*\(.*$`)
)

func (x *Extractor) planMetadata(text string) model.PlanMetadata {
	var p model.PlanMetadata
	if m := supplierPattern.FindStringSubmatch(text); m != nil {
		p.Supplier = metadataValue(m[1])
	}
	if m := planNamePattern.FindStringSubmatch(text); m != nil {
		p.PlanName = metadataValue(m[1])
	}
	if m := termPattern.FindStringSubmatch(text); m != nil {
		p.TermMonths, _ = strconv.Atoi(m[1])
	} else if m := termMonthPattern.FindStringSubmatch(text); m != nil {
		p.TermMonths, _ = strconv.Atoi(m[1])
	}

	if m := serviceAreaPattern.FindStringSubmatch(text); m != nil {
		p.ServiceArea = metadataValue(m[1])
		p.UtilityID = x.tdsps.UtilityCodeFromName(p.ServiceArea)
		return p
	}
	// No labelled service area: accept any line naming a known TDSP.
	for _, l := range lines(text) {
		if code, ok := x.tdsps.Lookup(l); ok {
			p.UtilityID = code
			break
		}
	}
	return p
}

func metadataValue(s string) string {
	return strings.TrimSpace(parenthetical.ReplaceAllString(s, ""))
}

var (
	usageRowPattern = regexp.MustCompile(`(?i)^average\s+monthly\s+(?:use|usage)\b`)
	priceRowPattern = regexp.MustCompile(`(?i)^average\s+(?:price|rate)\s+per\s+(?:kwh|kilowatt[- ]?hour)\b`)
)

// findReferencePoints reads the disclosed average price table: an "Average
// Monthly Use" row of kWh values and an "Average Price per kWh" row of the
// same length. Anything else yields no points.
func findReferencePoints(text string) []model.ReferencePoint {
	var usage, price []float64
	for _, l := range lines(text) {
		switch {
		case usage == nil && usageRowPattern.MatchString(l):
			usage = numbers(usageRowPattern.ReplaceAllString(l, ""))
		case price == nil && priceRowPattern.MatchString(l):
			price = priceRow(priceRowPattern.ReplaceAllString(l, ""))
		}
	}
	if len(usage) == 0 || len(usage) != len(price) {
		return nil
	}
	points := make([]model.ReferencePoint, 0, len(usage))
	for i, u := range usage {
		if u <= 0 {
			return nil
		}
		points = append(points, model.ReferencePoint{UsageKwh: u, ExpectedAvgCentsPerKwh: price[i]})
	}
	return points
}

func priceRow(rest string) []float64 {
	if as := amounts(rest); len(as) > 0 {
		out := make([]float64, len(as))
		for i, a := range as {
			out[i] = a.Cents
		}
		return out
	}
	vals := numbers(rest)
	for i, v := range vals {
		// Bare values below one are dollars per kWh.
		if v < 1 {
			vals[i] = dollarsToCents(v)
		}
	}
	return vals
}
