package model

// ExtractorMethod records how the text layer of an EFL was recovered.
type ExtractorMethod string

const (
	ExtractorMethodTextInput       ExtractorMethod = "TEXT_INPUT"
	ExtractorMethodPdfToText       ExtractorMethod = "PDFTOTEXT"
	ExtractorMethodPdfToTextRemote ExtractorMethod = "PDFTOTEXT_REMOTE"
	ExtractorMethodOCRRemote       ExtractorMethod = "OCR_REMOTE"
	ExtractorMethodCachedText      ExtractorMethod = "CACHED_TEXT"
)

// EFLDocument is a single processing attempt's input. Exactly one of Bytes
// (a PDF) or Text (pasted or cached text) is expected to be set.
type EFLDocument struct {
	Bytes       []byte `json:"-"`
	Text        string `json:"text,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	SourceURL   string `json:"sourceUrl,omitempty"`

	// Method overrides the extractor method for text input (e.g. CACHED_TEXT).
	Method ExtractorMethod `json:"method,omitempty"`
}

// IsPDF reports whether the document carries PDF bytes.
func (d EFLDocument) IsPDF() bool {
	return len(d.Bytes) > 0
}

// DeterministicExtract holds the identity fields and cleaned text body of an EFL.
type DeterministicExtract struct {
	EFLPdfSHA256       string          `json:"eflPdfSha256"`
	RepPUCTCertificate *string         `json:"repPuctCertificate"`
	EFLVersionCode     *string         `json:"eflVersionCode"`
	RawText            string          `json:"rawText"`
	ExtractorMethod    ExtractorMethod `json:"extractorMethod"`

	Plan            PlanMetadata     `json:"plan"`
	ReferencePoints []ReferencePoint `json:"referencePoints,omitempty"`
}

// HasCertAndVersion reports whether both halves of the cert+version identity are present.
func (e *DeterministicExtract) HasCertAndVersion() bool {
	return e.RepPUCTCertificate != nil && *e.RepPUCTCertificate != "" &&
		e.EFLVersionCode != nil && *e.EFLVersionCode != ""
}

// Cert returns the certificate number or "".
func (e *DeterministicExtract) Cert() string {
	if e.RepPUCTCertificate == nil {
		return ""
	}
	return *e.RepPUCTCertificate
}

// Version returns the EFL version code or "".
func (e *DeterministicExtract) Version() string {
	if e.EFLVersionCode == nil {
		return ""
	}
	return *e.EFLVersionCode
}

// PlanMetadata carries descriptive plan fields parsed from the EFL boilerplate.
type PlanMetadata struct {
	Supplier    string `json:"supplier,omitempty"`
	PlanName    string `json:"planName,omitempty"`
	TermMonths  int    `json:"termMonths,omitempty"`
	UtilityID   string `json:"utilityId,omitempty"`
	ServiceArea string `json:"serviceArea,omitempty"`
}

// FetchResult is the outcome of fetching an EFL from a URL. Remote failures
// are reported in Error, never as a Go error.
type FetchResult struct {
	OK          bool   `json:"ok"`
	URL         string `json:"url"`
	StatusCode  int    `json:"statusCode,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Bytes       []byte `json:"-"`
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Document converts a successful fetch into a pipeline input.
func (r FetchResult) Document() EFLDocument {
	return EFLDocument{
		Bytes:       r.Bytes,
		Text:        r.Text,
		ContentType: r.ContentType,
		SourceURL:   r.URL,
	}
}
