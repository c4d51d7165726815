// Package ocr turns PDF bytes into a text layer.
package ocr

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/config"
	"github.com/intelliwatt/efl-cli/internal/model"
)

// Result is the text layer of one PDF and how it was obtained.
type Result struct {
	Text   string
	Method model.ExtractorMethod
}

// Empty reports whether no usable text was produced.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Extractor extracts the text layer from PDF bytes. An empty Result with a
// nil error means the PDF has no text layer.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (Result, error)
}

// NewExtractor creates an Extractor based on config. The local provider falls
// back to the remote helper when one is configured, since the helper can OCR
// scanned documents.
func NewExtractor(cfg config.PdfTextConfig) (Extractor, error) {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	switch cfg.Provider {
	case "local", "":
		local := NewPdfToText(cfg.PdfToTextPath)
		if cfg.RemoteURL == "" {
			return local, nil
		}
		return &Fallback{Primary: local, Secondary: NewRemote(cfg.RemoteURL, cfg.RemoteToken, timeout)}, nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, eris.New("ocr: remote provider requires pdftext.remote_url")
		}
		return NewRemote(cfg.RemoteURL, cfg.RemoteToken, timeout), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// Fallback tries Primary and consults Secondary when Primary fails or yields
// no text.
type Fallback struct {
	Primary   Extractor
	Secondary Extractor
}

func (f *Fallback) ExtractText(ctx context.Context, pdf []byte) (Result, error) {
	res, err := f.Primary.ExtractText(ctx, pdf)
	if err == nil && !res.Empty() {
		return res, nil
	}
	if err != nil {
		zap.L().Warn("ocr: primary extractor failed, trying fallback", zap.Error(err))
	}
	res2, err2 := f.Secondary.ExtractText(ctx, pdf)
	if err2 != nil {
		if err != nil {
			return Result{}, eris.Wrapf(err2, "ocr: fallback after %v", err)
		}
		// Primary answered "no text"; keep that answer.
		zap.L().Warn("ocr: fallback extractor failed", zap.Error(err2))
		return res, nil
	}
	return res2, nil
}
