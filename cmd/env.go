package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/config"
	"github.com/intelliwatt/efl-cli/internal/fetcher"
	"github.com/intelliwatt/efl-cli/internal/ocr"
	"github.com/intelliwatt/efl-cli/internal/pipeline"
	"github.com/intelliwatt/efl-cli/internal/queue"
	"github.com/intelliwatt/efl-cli/internal/resilience"
	"github.com/intelliwatt/efl-cli/internal/store"
)

// appEnv holds the store, queue and pipeline needed by the process, drain,
// queue and serve commands.
type appEnv struct {
	Store    store.Store
	Queue    *queue.Service
	Gate     *pipeline.Gatekeeper
	Pipeline *pipeline.Pipeline
	Drainer  *queue.Drainer
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens and migrates the store and wires
// the pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := newEnv(st, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// newEnv wires every component over an open store.
func newEnv(st store.Store, c *config.Config) (*appEnv, error) {
	tdsps, err := c.TDSPTable()
	if err != nil {
		return nil, eris.Wrap(err, "load tdsp table")
	}

	pdf, err := ocr.NewExtractor(c.PdfText)
	if err != nil {
		return nil, eris.Wrap(err, "init pdf text extractor")
	}

	retry := resilience.FromRetryConfig(c.Retry)
	fetchRetry := retry
	fetchRetry.MaxAttempts = c.Fetch.MaxRetries + 1

	f := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:     c.Fetch.UserAgent,
		Timeout:       time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxBytes:      c.Fetch.MaxBytes,
		RatePerSecond: c.Fetch.RatePerSecond,
		Burst:         c.Fetch.Burst,
		Retry:         fetchRetry,
		Breakers:      resilience.NewHostBreakers(resilience.FromBreakerConfig(c.Breaker)),
	})

	svc := queue.NewService(st)
	gate := pipeline.NewGatekeeper(st, svc, tdsps, retry)
	p := pipeline.New(pipeline.NewExtractor(pdf, tdsps), f, gate, pipeline.PolicyFromConfig(c.EFL))

	zap.L().Debug("pipeline wired",
		zap.String("store", c.Store.Driver),
		zap.String("pdftext", c.PdfText.Provider),
		zap.Int("tdsps", len(tdsps.Codes())),
	)

	return &appEnv{
		Store:    st,
		Queue:    svc,
		Gate:     gate,
		Pipeline: p,
		Drainer:  queue.NewDrainer(svc, st, f, p, c.Drain),
	}, nil
}
