package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// PdfToText extracts text from PDFs using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText writes pdf to a temp file and runs pdftotext -layout -enc UTF-8
// on it.
func (p *PdfToText) ExtractText(ctx context.Context, pdf []byte) (Result, error) {
	f, err := os.CreateTemp("", "efl-*.pdf")
	if err != nil {
		return Result{}, eris.Wrap(err, "ocr: create temp pdf")
	}
	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err := f.Write(pdf); err != nil {
		f.Close() //nolint:errcheck
		return Result{}, eris.Wrap(err, "ocr: write temp pdf")
	}
	if err := f.Close(); err != nil {
		return Result{}, eris.Wrap(err, "ocr: close temp pdf")
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", f.Name(), "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, eris.Wrapf(err, "ocr: pdftotext failed: %s", stderr.String())
	}

	return Result{Text: stdout.String(), Method: model.ExtractorMethodPdfToText}, nil
}
