package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command needs. Mode is one of "process",
// "drain", "serve", "admin" or "migrate". Every problem is reported in one
// error.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "process", "drain", "admin", "migrate":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port must be > 0 and <= 65535, got %d", c.Server.Port))
		}
		if c.Server.AdminToken == "" {
			errs = append(errs, "server.admin_token is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	e := c.EFL
	if e.Tolerance <= 0 {
		errs = append(errs, "efl.tolerance must be > 0")
	}
	if e.HeldOutTolerance < e.Tolerance {
		errs = append(errs, "efl.held_out_tolerance must be >= efl.tolerance")
	}
	if e.RateMaxCents <= e.RateMinCents {
		errs = append(errs, "efl.rate_max_cents must be > efl.rate_min_cents")
	}
	if e.FeeMaxCents <= 0 {
		errs = append(errs, "efl.fee_max_cents must be > 0")
	}
	if e.MaxSolveUnknowns < 0 || e.MaxSolveUnknowns > 4 {
		errs = append(errs, "efl.max_solve_unknowns must be between 0 and 4")
	}

	if mode == "process" && (c.Batch.MaxConcurrentDocuments < 1 || c.Batch.MaxConcurrentDocuments > 32) {
		errs = append(errs, "batch.max_concurrent_documents must be between 1 and 32")
	}
	if mode == "drain" || mode == "serve" {
		if c.Drain.BudgetSecs <= 0 {
			errs = append(errs, "drain.budget_secs must be > 0")
		}
		if c.Drain.SafetyMarginSecs < 0 || c.Drain.SafetyMarginSecs >= c.Drain.BudgetSecs {
			errs = append(errs, "drain.safety_margin_secs must be >= 0 and below drain.budget_secs")
		}
	}

	switch c.PdfText.Provider {
	case "local", "":
	case "remote":
		if c.PdfText.RemoteURL == "" {
			errs = append(errs, "pdftext.remote_url is required for the remote provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("pdftext.provider must be local or remote, got %q", c.PdfText.Provider))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
