package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

const remotePath = "/efl/pdftotext"

// Remote calls the pdftotext helper service, which runs pdftotext and falls
// back to tesseract OCR for scanned documents.
type Remote struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRemote creates a Remote extractor. A zero timeout means 60 seconds.
func NewRemote(baseURL, token string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type remoteResponse struct {
	OK     bool   `json:"ok"`
	Text   string `json:"text"`
	Method string `json:"method"`
	Error  string `json:"error"`
}

// ExtractText posts the raw PDF and returns the helper's text.
func (r *Remote) ExtractText(ctx context.Context, pdf []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+remotePath, bytes.NewReader(pdf))
	if err != nil {
		return Result{}, eris.Wrap(err, "ocr: create remote request")
	}
	req.Header.Set("Content-Type", "application/pdf")
	if r.token != "" {
		req.Header.Set("X-EFL-PDFTEXT-TOKEN", r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, eris.Wrap(err, "ocr: remote pdftotext call")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, eris.Wrap(err, "ocr: read remote response")
	}

	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, eris.Wrapf(err, "ocr: remote returned %d with invalid json", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		if out.Error == "" {
			out.Error = http.StatusText(resp.StatusCode)
		}
		return Result{}, eris.Errorf("ocr: remote pdftotext returned %d: %s", resp.StatusCode, out.Error)
	}

	method := model.ExtractorMethodPdfToTextRemote
	if out.Method == "ocr_tesseract" {
		method = model.ExtractorMethodOCRRemote
	}
	return Result{Text: out.Text, Method: method}, nil
}
