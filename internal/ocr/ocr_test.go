package ocr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliwatt/efl-cli/internal/config"
	"github.com/intelliwatt/efl-cli/internal/model"
)

func TestNewExtractor_Local(t *testing.T) {
	ext, err := NewExtractor(config.PdfTextConfig{Provider: "local", PdfToTextPath: "/usr/bin/pdftotext"})
	require.NoError(t, err)
	assert.IsType(t, &PdfToText{}, ext)
}

func TestNewExtractor_LocalDefault(t *testing.T) {
	ext, err := NewExtractor(config.PdfTextConfig{Provider: ""})
	require.NoError(t, err)
	assert.IsType(t, &PdfToText{}, ext)
}

func TestNewExtractor_LocalWithRemoteFallback(t *testing.T) {
	ext, err := NewExtractor(config.PdfTextConfig{Provider: "local", RemoteURL: "http://helper:8095"})
	require.NoError(t, err)
	fb, ok := ext.(*Fallback)
	require.True(t, ok)
	assert.IsType(t, &PdfToText{}, fb.Primary)
	assert.IsType(t, &Remote{}, fb.Secondary)
}

func TestNewExtractor_RemoteMissingURL(t *testing.T) {
	_, err := NewExtractor(config.PdfTextConfig{Provider: "remote"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires pdftext.remote_url")
}

func TestNewExtractor_UnknownProvider(t *testing.T) {
	_, err := NewExtractor(config.PdfTextConfig{Provider: "mistral"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "mistral"`)
}

func TestPdfToText_BinPath(t *testing.T) {
	p := NewPdfToText("")
	assert.Equal(t, "pdftotext", p.binPath)

	p = NewPdfToText("/custom/pdftotext")
	assert.Equal(t, "/custom/pdftotext", p.binPath)
}

func TestPdfToText_ExtractText_BinaryNotFound(t *testing.T) {
	p := NewPdfToText("/nonexistent/pdftotext")
	_, err := p.ExtractText(context.Background(), []byte("%PDF-1.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}

func TestPdfToText_ExtractText_Success(t *testing.T) {
	// The fake binary checks its flags and echoes the temp file back.
	tmpDir := t.TempDir()
	fakeBin := filepath.Join(tmpDir, "pdftotext")
	script := "#!/bin/sh\n[ \"$1\" = \"-layout\" ] && [ \"$2\" = \"-enc\" ] && [ \"$3\" = \"UTF-8\" ] || exit 2\ncat \"$4\"\n"
	require.NoError(t, os.WriteFile(fakeBin, []byte(script), 0755))

	p := NewPdfToText(fakeBin)
	res, err := p.ExtractText(context.Background(), []byte("PUCT Certificate No. 10260"))
	require.NoError(t, err)
	assert.Equal(t, "PUCT Certificate No. 10260", res.Text)
	assert.Equal(t, model.ExtractorMethodPdfToText, res.Method)
}

func TestRemote_ExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/efl/pdftotext", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-EFL-PDFTEXT-TOKEN"))
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-1.4 body", string(body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "text": "Energy Charge 4.9¢", "method": "pdftotext"}) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewRemote(srv.URL+"/", "secret", 0)
	res, err := r.ExtractText(context.Background(), []byte("%PDF-1.4 body"))
	require.NoError(t, err)
	assert.Equal(t, "Energy Charge 4.9¢", res.Text)
	assert.Equal(t, model.ExtractorMethodPdfToTextRemote, res.Method)
}

func TestRemote_ExtractText_OCRMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "text": "scanned", "method": "ocr_tesseract"}) //nolint:errcheck
	}))
	defer srv.Close()

	res, err := NewRemote(srv.URL, "", 0).ExtractText(context.Background(), []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, model.ExtractorMethodOCRRemote, res.Method)
}

func TestRemote_ExtractText_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error":"unauthorized"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, "bad", 0).ExtractText(context.Background(), []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 401: unauthorized")
}

func TestRemote_ExtractText_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{invalid json`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, "", 0).ExtractText(context.Background(), []byte("%PDF"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid json")
}

type stubExtractor struct {
	res   Result
	err   error
	calls int
}

func (s *stubExtractor) ExtractText(context.Context, []byte) (Result, error) {
	s.calls++
	return s.res, s.err
}

func TestFallback(t *testing.T) {
	text := Result{Text: "text", Method: model.ExtractorMethodPdfToText}
	ocr := Result{Text: "ocr", Method: model.ExtractorMethodOCRRemote}
	boom := eris.New("boom")

	tests := []struct {
		name          string
		primary       *stubExtractor
		secondary     *stubExtractor
		want          Result
		wantErr       bool
		secondaryUsed bool
	}{
		{"primary text wins", &stubExtractor{res: text}, &stubExtractor{res: ocr}, text, false, false},
		{"empty primary falls back", &stubExtractor{res: Result{Text: "  \n"}}, &stubExtractor{res: ocr}, ocr, false, true},
		{"primary error falls back", &stubExtractor{err: boom}, &stubExtractor{res: ocr}, ocr, false, true},
		{"both fail", &stubExtractor{err: boom}, &stubExtractor{err: boom}, Result{}, true, true},
		{"empty primary and failing fallback keeps empty", &stubExtractor{res: Result{}}, &stubExtractor{err: boom}, Result{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &Fallback{Primary: tt.primary, Secondary: tt.secondary}
			got, err := fb.ExtractText(context.Background(), []byte("%PDF"))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, tt.secondaryUsed, tt.secondary.calls == 1)
		})
	}
}
