package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mail-digest/config"
	"github.com/dhcgn/mail-digest/model"
	"github.com/dhcgn/mail-digest/state"
	"github.com/dhcgn/mail-digest/stats"
)

const dayLayout = "2006-01-02"

// NewLedgerCommand groups the commands that inspect and edit the
// processed-message ledger.
func NewLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or edit the processed-message ledger",
	}
	ledgerCmd.AddCommand(newLedgerListCommand(), newLedgerForgetCommand(), newLedgerStatsCommand())
	return ledgerCmd
}

func newLedgerListCommand() *cobra.Command {
	var asYAML bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List every processed message identifier",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withLedger(c, func(ctx context.Context, ledger state.Ledger) error {
				set, err := loadSet(ctx, c.ErrOrStderr(), ledger)
				if err != nil {
					return err
				}
				if asYAML {
					return writeYAML(c.OutOrStdout(), set.Records())
				}
				return writeTable(c.OutOrStdout(), set.Records())
			})
		},
	}
	c.Flags().BoolVar(&asYAML, "yaml", false, "Print records as YAML")
	return c
}

func newLedgerForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>...",
		Short: "Remove identifiers so the next run offers those messages again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withLedger(c, func(ctx context.Context, ledger state.Ledger) error {
				removed, err := ledger.Forget(ctx, args)
				if err != nil {
					return fmt.Errorf("forget: %w", err)
				}
				fmt.Fprintf(c.OutOrStdout(), "Removed %d of %d identifier(s)\n", removed, len(args))
				return nil
			})
		},
	}
}

func newLedgerStatsCommand() *cobra.Command {
	var (
		topN      int
		reportDir string
	)
	c := &cobra.Command{
		Use:   "stats",
		Short: "Show how many messages were processed per outcome and per day",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withLedger(c, func(ctx context.Context, ledger state.Ledger) error {
				set, err := loadSet(ctx, c.ErrOrStderr(), ledger)
				if err != nil {
					return err
				}

				counter := countRecords(set.Records())
				out := c.OutOrStdout()
				fmt.Fprintf(out, "Ledger holds %d message(s)\n\n", set.Len())
				for _, category := range categories {
					fmt.Fprintf(out, "Top %d by %s:\n", topN, category)
					stats.PrettyPrintTop(out, counter[category], topN)
					fmt.Fprintln(out)
				}

				if reportDir == "" {
					return nil
				}
				if err := saveCSVReports(counter, reportDir); err != nil {
					return fmt.Errorf("save csv reports: %w", err)
				}
				fmt.Fprintf(out, "Reports saved to directory: %s\n", reportDir)
				return nil
			})
		},
	}
	c.Flags().IntVarP(&topN, "top", "t", 10, "Number of entries to show per category")
	c.Flags().StringVarP(&reportDir, "output", "o", "", "Also write CSV reports to this directory")
	return c
}

var categories = []string{"outcome", "day"}

func countRecords(records []model.ProcessedRecord) map[string]map[string]int {
	counter := make(map[string]map[string]int, len(categories))
	for _, category := range categories {
		counter[category] = make(map[string]int)
	}
	for _, rec := range records {
		counter["outcome"][string(rec.Outcome)]++
		counter["day"][rec.ProcessedAt.Format(dayLayout)]++
	}
	return counter
}

func withLedger(c *cobra.Command, fn func(context.Context, state.Ledger) error) error {
	cfg, err := config.LoadStateConfig(c)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(c.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))
	ledger, err := state.Open(cfg.Ledger, cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	return fn(c.Context(), ledger)
}

// loadSet treats an unreadable ledger as empty, like a run does, but says so.
func loadSet(ctx context.Context, warn io.Writer, ledger state.Ledger) (state.Set, error) {
	set, err := ledger.Load(ctx)
	if errors.Is(err, model.ErrLedgerCorrupt) {
		fmt.Fprintf(warn, "warning: %v\n", err)
		return set, nil
	}
	if err != nil {
		return state.Set{}, fmt.Errorf("load ledger: %w", err)
	}
	return set, nil
}

func writeYAML(w io.Writer, records []model.ProcessedRecord) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func writeTable(w io.Writer, records []model.ProcessedRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "Ledger is empty")
		return nil
	}
	rows := pterm.TableData{{"Processed", "Outcome", "ID"}}
	for _, rec := range records {
		rows = append(rows, []string{rec.ProcessedAt.Local().Format("2006-01-02 15:04"), string(rec.Outcome), rec.ID})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(rows).Render()
}

func saveCSVReports(counter map[string]map[string]int, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		type pair struct {
			Key   string
			Value int
		}
		var pairs []pair
		for k, v := range counter[category] {
			pairs = append(pairs, pair{k, v})
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].Value != pairs[j].Value {
				return pairs[i].Value > pairs[j].Value
			}
			return pairs[i].Key < pairs[j].Key
		})

		records := [][]string{{"Value", "Count"}}
		for _, p := range pairs {
			records = append(records, []string{p.Key, strconv.Itoa(p.Value)})
		}

		path := filepath.Join(dir, fmt.Sprintf("ledger_%s.csv", category))
		if err := writeCSV(path, records); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
