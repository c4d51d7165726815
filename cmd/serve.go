package main

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intelliwatt/efl-cli/internal/config"
	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/pipeline"
	"github.com/intelliwatt/efl-cli/internal/queue"
	"github.com/intelliwatt/efl-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		return startServer(ctx, buildMux(env, cfg.Server), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func resolvePort(flag, cfgPort int) int {
	if flag != 0 {
		return flag
	}
	return cfgPort
}

// startServer serves handler on port until ctx is done, then shuts down
// gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
	})
	return g.Wait()
}

// buildMux registers the API routes. Everything except /health requires the
// admin token.
func buildMux(env *appEnv, sc config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: sc.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Admin-Token"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h := &apiHandler{env: env, maxBody: sc.MaxBodyBytes}
	r.Route("/api/efl", func(r chi.Router) {
		r.Use(requireAdmin(sc.AdminToken))
		r.Post("/process", h.process)
		r.Get("/queue", h.listQueue)
		r.Post("/queue/drain", h.drain)
		r.Post("/queue/quarantine", h.quarantine)
		r.Post("/queue/{id}/resolve", h.resolve)
		r.Get("/templates/{id}", h.template)
		r.Post("/templates/{id}/invalidate", h.invalidate)
	})
	return r
}

// requireAdmin accepts the token from X-Admin-Token or a bearer
// Authorization header.
func requireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Token")
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type apiHandler struct {
	env     *appEnv
	maxBody int64
}

// processBody is a pipeline request with an optional base64 PDF.
type processBody struct {
	pipeline.Request
	PdfBase64 string `json:"pdfBase64,omitempty"`
}

func (h *apiHandler) process(w http.ResponseWriter, r *http.Request) {
	var body processBody
	if !h.decode(w, r, &body, false) {
		return
	}
	req := body.Request
	if body.PdfBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(body.PdfBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pdfBase64 is not valid base64")
			return
		}
		doc := model.EFLDocument{}
		if req.Document != nil {
			doc = *req.Document
		}
		doc.Bytes = data
		doc.ContentType = "application/pdf"
		req.Document = &doc
	}
	if req.URL == "" && (req.Document == nil || (!req.Document.IsPDF() && req.Document.Text == "")) {
		writeError(w, http.StatusBadRequest, "url, document text or pdfBase64 is required")
		return
	}

	res, err := h.env.Pipeline.Process(r.Context(), req)
	if err != nil {
		zap.L().Error("api: process failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResponse(w, http.StatusOK, res)
}

func (h *apiHandler) drain(w http.ResponseWriter, r *http.Request) {
	var req queue.DrainRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	res, err := h.env.Drainer.Drain(r.Context(), req)
	if err != nil {
		zap.L().Error("api: drain failed", zap.Error(err))
		writeResponse(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	writeResponse(w, http.StatusOK, res)
}

func (h *apiHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.QueueFilter{
		Kind:     model.QueueKind(q.Get("kind")),
		OpenOnly: true,
		AfterID:  q.Get("after"),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown queue kind")
		return
	}
	if v := q.Get("openOnly"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "openOnly must be a boolean")
			return
		}
		f.OpenOnly = open
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		f.Limit = n
	}

	items, err := h.env.Queue.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []model.ReviewQueueItem{}
	}
	writeResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *apiHandler) resolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if !h.decode(w, r, &body, true) {
		return
	}
	item, err := h.env.Queue.Resolve(r.Context(), chi.URLParam(r, "id"), body.Notes)
	switch {
	case errors.Is(err, queue.ErrAlreadyResolved):
		writeResponse(w, http.StatusConflict, map[string]any{"error": "already resolved", "item": item})
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "queue item not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeResponse(w, http.StatusOK, item)
	}
}

func (h *apiHandler) quarantine(w http.ResponseWriter, r *http.Request) {
	var item model.ReviewQueueItem
	if !h.decode(w, r, &item, false) {
		return
	}
	if item.OfferID == "" && item.EFLPdfSHA256 == "" && item.EFLURL == "" {
		writeError(w, http.StatusBadRequest, "one of offerId, eflPdfSha256 or eflUrl is required")
		return
	}
	stored, err := h.env.Queue.Quarantine(r.Context(), &item)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResponse(w, http.StatusOK, stored)
}

func (h *apiHandler) template(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.env.Store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "template not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeResponse(w, http.StatusOK, tpl)
	}
}

func (h *apiHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &body, true) {
		return
	}
	tpl, gate, err := h.env.Gate.Invalidate(r.Context(), chi.URLParam(r, "id"), body.Reason)
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "template not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeResponse(w, http.StatusOK, map[string]any{"template": tpl, "gate": gate})
	}
}

// decode reads a JSON body capped at maxBody. An empty body is accepted when
// optional is set.
func (h *apiHandler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func writeResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, map[string]string{"error": msg})
}
