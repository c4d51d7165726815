package main

import (
	"encoding/csv"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/model"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import offer master records from CSV",
	Long: `Loads offer master records (offer_id, efl_url, supplier, plan_name) so the
drain can fall back to the feed's EFL URL when an item's own URL fails.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		records, err := readOfferCSV(importCSVPath)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.ImportOfferRecords(ctx, records)
		if err != nil {
			return eris.Wrap(err, "import offer records")
		}

		zap.L().Info("import complete",
			zap.Int64("imported", n),
			zap.Int("rows", len(records)),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}

// readOfferCSV reads offer records by header name. offer_id and efl_url
// columns are required; rows missing either are dropped, and a repeated
// offer id keeps its last row.
func readOfferCSV(path string) ([]model.OfferRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "import: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "import: read csv")
	}
	if len(rows) < 2 {
		return nil, nil // header only or empty
	}

	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range []string{"offer_id", "efl_url"} {
		if _, ok := idx[col]; !ok {
			return nil, eris.Errorf("import: csv is missing the %s column", col)
		}
	}
	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	pos := map[string]int{}
	var out []model.OfferRecord
	for _, row := range rows[1:] {
		r := model.OfferRecord{
			OfferID:  get(row, "offer_id"),
			EFLURL:   get(row, "efl_url"),
			Supplier: get(row, "supplier"),
			PlanName: get(row, "plan_name"),
		}
		if r.OfferID == "" || r.EFLURL == "" {
			continue
		}
		if i, seen := pos[r.OfferID]; seen {
			out[i] = r
			continue
		}
		pos[r.OfferID] = len(out)
		out = append(out, r)
	}
	return out, nil
}
