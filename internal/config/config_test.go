package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "local", cfg.PdfText.Provider)
	assert.Equal(t, "pdftotext", cfg.PdfText.PdfToTextPath)
	assert.InDelta(t, 0.05, cfg.EFL.Tolerance, 1e-9)
	assert.InDelta(t, 0.25, cfg.EFL.HeldOutTolerance, 1e-9)
	assert.InDelta(t, 100.0, cfg.EFL.RateMaxCents, 1e-9)
	assert.Equal(t, 2, cfg.EFL.MaxSolveUnknowns)
	assert.Equal(t, 240, cfg.Drain.BudgetSecs)
	assert.Equal(t, 5, cfg.Drain.SafetyMarginSecs)
	assert.Equal(t, 25, cfg.Drain.PageSize)
	assert.True(t, cfg.Drain.AutoSweep)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, int64(15<<20), cfg.Fetch.MaxBytes)

	for _, mode := range []string{"process", "drain", "admin", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/efl
log:
  level: debug
  format: console
efl:
  tolerance: 0.1
  known_tdsps: [ONCOR, CENTERPOINT]
drain:
  budget_secs: 60
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 0.1, cfg.EFL.Tolerance, 1e-9)
	assert.Equal(t, []string{"ONCOR", "CENTERPOINT"}, cfg.EFL.KnownTDSPs)
	assert.Equal(t, 60, cfg.Drain.BudgetSecs)
	// Defaults still apply for unset values
	assert.Equal(t, 25, cfg.Drain.PageSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EFL_LOG_LEVEL", "warn")
	t.Setenv("EFL_SERVER_PORT", "3000")
	t.Setenv("EFL_SERVER_ADMIN_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AdminToken)
	assert.NoError(t, cfg.Validate("serve"))
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.EFL = EFLConfig{
		Tolerance:        0.05,
		HeldOutTolerance: 0.25,
		RateMaxCents:     100,
		FeeMaxCents:      10000,
		MaxSolveUnknowns: 2,
	}
	cfg.Drain = DrainConfig{BudgetSecs: 240, SafetyMarginSecs: 5, PageSize: 25}
	cfg.Batch.MaxConcurrentDocuments = 4
	cfg.Server.Port = 8080
	cfg.Server.AdminToken = "token"
	return cfg
}

func TestValidateServe_MissingToken(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.AdminToken = ""
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.admin_token is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("drain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/efl"
	assert.NoError(t, cfg.Validate("drain"))
}

func TestValidateTolerancePolicy(t *testing.T) {
	cfg := validDefaults()
	cfg.EFL.HeldOutTolerance = 0.01

	err := cfg.Validate("process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held_out_tolerance")

	cfg = validDefaults()
	cfg.EFL.RateMaxCents = 0
	err = cfg.Validate("process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_max_cents")
}

func TestValidateDrainMargin(t *testing.T) {
	cfg := validDefaults()
	cfg.Drain.SafetyMarginSecs = 240

	err := cfg.Validate("drain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety_margin_secs")

	// process does not look at the drain section
	assert.NoError(t, cfg.Validate("process"))
}

func TestValidateRemoteProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.PdfText.Provider = "remote"

	err := cfg.Validate("process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftext.remote_url")

	cfg.PdfText.Provider = "mistral"
	err = cfg.Validate("process")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftext.provider")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestLoadTDSPFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tdsp.yaml")
	content := `
tdsps:
  - code: oncor
    name: Oncor Electric Delivery
    aliases: [oncor]
  - code: NUECES
    name: Nueces Electric Cooperative
    aliases: [nueces electric]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := LoadTDSPFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "NUECES", entries[1].Code)

	cfg := validDefaults()
	cfg.EFL.TDSPFile = path
	tbl, err := cfg.TDSPTable()
	require.NoError(t, err)
	assert.Equal(t, []string{"NUECES", "ONCOR"}, tbl.Codes())

	code, ok := tbl.Lookup("Nueces Electric Cooperative, Inc.")
	assert.True(t, ok)
	assert.Equal(t, "NUECES", code)
}

func TestLoadTDSPFile_Errors(t *testing.T) {
	_, err := LoadTDSPFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tdsps: []\n"), 0644))
	_, err = LoadTDSPFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lists no utilities")
}

func TestTDSPTable_KnownFilter(t *testing.T) {
	cfg := validDefaults()
	cfg.EFL.KnownTDSPs = []string{"oncor", "SHARYLAND"}

	tbl, err := cfg.TDSPTable()
	require.NoError(t, err)
	assert.Equal(t, []string{"ONCOR", "SHARYLAND"}, tbl.Codes())
	assert.False(t, tbl.Known("CENTERPOINT"))

	_, ok := tbl.Lookup("CenterPoint Energy Houston Electric")
	assert.False(t, ok)
}
