package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/headline-goat/autowinner/internal/alert"
	"github.com/headline-goat/autowinner/internal/conclusion"
	"github.com/headline-goat/autowinner/internal/rollout"
	"github.com/headline-goat/autowinner/internal/stats"
	"github.com/headline-goat/autowinner/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "Export a test's decision record",
	Long: `Export a test's counters, conclusion, implementation status and alert log.
CSV output contains the alert log only.

Examples:
  autowinner export hero --format json > hero.json
  autowinner export hero --format csv > hero-alerts.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "output format (csv or json)")
	rootCmd.AddCommand(exportCmd)
}

type record struct {
	Test           string                     `json:"test"`
	State          store.TestState            `json:"state"`
	Variants       []stats.Variant            `json:"variants"`
	Conclusion     *conclusion.TestConclusion `json:"conclusion,omitempty"`
	Implementation *rollout.Status            `json:"implementation,omitempty"`
	Alerts         []alert.Alert              `json:"alerts"`
}

func runExport(cmd *cobra.Command, args []string) error {
	name := args[0]

	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		rec, err := loadRecord(context.Background(), s, name)
		if err != nil {
			return err
		}
		if exportFormat == "csv" {
			return exportCSV(cmd.OutOrStdout(), rec.Alerts)
		}
		return exportJSON(cmd.OutOrStdout(), rec)
	})
}

func loadRecord(ctx context.Context, s *store.SQLiteStore, name string) (*record, error) {
	test, err := s.GetTest(ctx, name)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("test '%s' not found", name)
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	rec := &record{Test: test.Name, State: test.State, Variants: test.Variants}

	if rec.Conclusion, err = s.GetConclusion(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if rec.Implementation, err = s.GetImplementationStatus(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if rec.Alerts, err = s.ListAlerts(ctx, name, 10000); err != nil {
		return nil, err
	}
	if rec.Alerts == nil {
		rec.Alerts = []alert.Alert{}
	}
	return rec, nil
}

func exportCSV(out io.Writer, alerts []alert.Alert) error {
	w := csv.NewWriter(out)
	defer w.Flush()

	// Write header
	if err := w.Write([]string{"timestamp", "type", "severity", "requires_manual_action", "message"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, a := range alerts {
		row := []string{
			strconv.FormatInt(a.Timestamp.Unix(), 10),
			a.Type.String(),
			a.Severity.String(),
			strconv.FormatBool(a.RequiresManualAction),
			a.Message,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	return nil
}

func exportJSON(out io.Writer, rec *record) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rec)
}
