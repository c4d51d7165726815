package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/pipeline"
)

var (
	processOfferID   string
	processSourceURL string
	processForce     bool
	processPoints    []float64
)

var processCmd = &cobra.Command{
	Use:   "process [file-or-url...]",
	Short: "Run EFL documents through the pipeline",
	Long: `Processes EFL PDFs, text files or URLs. Each input is extracted, derived,
validated and gated; strong results become templates and everything else is
queued for review.

Examples:
  efl-cli process ./efl.pdf
  efl-cli process https://rep.example.com/efl/123.pdf --offer offer-123
  efl-cli process ./efl.txt --points 500,14.2,1000,12.1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		points, err := parsePoints(processPoints)
		if err != nil {
			return err
		}
		inputs, err := buildInputs(args, processOfferID, processSourceURL, processForce, points)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		outcomes, err := processDocuments(ctx, inputs, cfg.Batch.MaxConcurrentDocuments, env.Pipeline.Process)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), outcomes)
	},
}

func init() {
	processCmd.Flags().StringVar(&processOfferID, "offer", "", "offer id to link (single input only)")
	processCmd.Flags().StringVar(&processSourceURL, "source-url", "", "URL the local file was downloaded from (single input only)")
	processCmd.Flags().BoolVar(&processForce, "force", false, "re-parse even when a template already exists")
	processCmd.Flags().Float64SliceVar(&processPoints, "points", nil, "reference points as kwh,cents pairs")
	rootCmd.AddCommand(processCmd)
}

// processInput is one document queued by the process command.
type processInput struct {
	Label   string
	Request pipeline.Request
}

// processOutcome is printed for every input.
type processOutcome struct {
	Input  string           `json:"input"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// processFunc is the callback signature for running one document.
type processFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)

func buildInputs(args []string, offerID, sourceURL string, force bool, points []model.ReferencePoint) ([]processInput, error) {
	if len(args) > 1 && (offerID != "" || sourceURL != "") {
		return nil, eris.New("--offer and --source-url apply to a single input")
	}

	inputs := make([]processInput, 0, len(args))
	for _, arg := range args {
		req := pipeline.Request{OfferID: offerID, ForceReparse: force, ReferencePoints: points}
		if isURL(arg) {
			req.URL = arg
		} else {
			doc, err := readDocument(arg)
			if err != nil {
				return nil, err
			}
			doc.SourceURL = sourceURL
			req.Document = doc
			req.URL = sourceURL
		}
		inputs = append(inputs, processInput{Label: arg, Request: req})
	}
	return inputs, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// readDocument loads a local EFL. PDFs are recognized by magic bytes or
// extension; anything else is treated as already-extracted text.
func readDocument(path string) (*model.EFLDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "process: read %s", path)
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) || strings.EqualFold(filepath.Ext(path), ".pdf") {
		return &model.EFLDocument{Bytes: data, ContentType: "application/pdf"}, nil
	}
	return &model.EFLDocument{Text: string(data), ContentType: "text/plain"}, nil
}

func parsePoints(pairs []float64) ([]model.ReferencePoint, error) {
	if len(pairs)%2 != 0 {
		return nil, eris.Errorf("--points needs kwh,cents pairs, got %d values", len(pairs))
	}
	var out []model.ReferencePoint
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, model.ReferencePoint{UsageKwh: pairs[i], ExpectedAvgCentsPerKwh: pairs[i+1]})
	}
	return out, nil
}

// processDocuments runs inputs concurrently. A failed document is reported
// in its outcome and does not stop the others.
func processDocuments(ctx context.Context, inputs []processInput, concurrency int, process processFunc) ([]processOutcome, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	zap.L().Info("processing documents",
		zap.Int("documents", len(inputs)),
		zap.Int("concurrency", concurrency),
	)

	outcomes := make([]processOutcome, len(inputs))
	var persisted, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			log := zap.L().With(zap.String("input", in.Label))
			outcomes[i].Input = in.Label

			res, err := process(gctx, in.Request)
			if err != nil {
				failed.Add(1)
				outcomes[i].Error = err.Error()
				log.Error("document failed", zap.Error(err))
				return nil // don't abort the batch on one document
			}
			outcomes[i].Result = res
			if res.Persisted() {
				persisted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "process documents")
	}

	zap.L().Info("processing complete",
		zap.Int("documents", len(inputs)),
		zap.Int64("persisted", persisted.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return outcomes, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write json")
}
