package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mail-digest/config"
	"github.com/dhcgn/mail-digest/model"
	"github.com/dhcgn/mail-digest/state"
)

func seedLedger(t *testing.T, dir string) {
	t.Helper()
	ledger, err := state.NewFileLedger(dir, nil)
	if err != nil {
		t.Fatalf("NewFileLedger() error = %v", err)
	}
	day1 := time.Date(2024, 11, 5, 8, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	err = ledger.Commit(context.Background(), []model.ProcessedRecord{
		{ID: "a@example.com", ProcessedAt: day1, Outcome: model.OutcomeSummarized},
		{ID: "b@example.com", ProcessedAt: day1, Outcome: model.OutcomeFailed},
		{ID: "c@example.com", ProcessedAt: day2, Outcome: model.OutcomeSummarized},
		{ID: "d@example.com", ProcessedAt: day2, Outcome: model.OutcomeSkipped},
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	pterm.DisableStyling()
	t.Cleanup(pterm.EnableStyling)

	root := &cobra.Command{Use: "mail-digest", SilenceUsage: true, SilenceErrors: true}
	if err := config.RegisterFlags(root); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	root.AddCommand(NewLedgerCommand(), NewSecretCommand())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLedgerListYAML(t *testing.T) {
	dir := t.TempDir()
	seedLedger(t, dir)

	out, err := execute(t, "ledger", "list", "--yaml", "--state-dir", dir)
	if err != nil {
		t.Fatalf("ledger list error = %v", err)
	}

	var records []model.ProcessedRecord
	if err := yaml.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("output is not yaml: %v\n%s", err, out)
	}
	if len(records) != 4 || records[0].ID != "a@example.com" || records[3].Outcome != model.OutcomeSkipped {
		t.Fatalf("records = %+v", records)
	}
}

func TestLedgerListTable(t *testing.T) {
	dir := t.TempDir()
	seedLedger(t, dir)

	out, err := execute(t, "ledger", "list", "--state-dir", dir)
	if err != nil {
		t.Fatalf("ledger list error = %v", err)
	}
	for _, want := range []string{"Outcome", "a@example.com", "skipped"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "ledger", "list", "--state-dir", t.TempDir())
	if err != nil || !strings.Contains(out, "Ledger is empty") {
		t.Fatalf("empty ledger output = %q, %v", out, err)
	}
}

func TestLedgerForget(t *testing.T) {
	dir := t.TempDir()
	seedLedger(t, dir)

	out, err := execute(t, "ledger", "forget", "b@example.com", "zzz@example.com", "--state-dir", dir)
	if err != nil {
		t.Fatalf("ledger forget error = %v", err)
	}
	if !strings.Contains(out, "Removed 1 of 2") {
		t.Errorf("output = %q", out)
	}

	ledger, err := state.NewFileLedger(dir, nil)
	if err != nil {
		t.Fatalf("NewFileLedger() error = %v", err)
	}
	set, err := ledger.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if set.Contains("b@example.com") || set.Len() != 3 {
		t.Errorf("ledger after forget has %d records", set.Len())
	}

	if _, err := execute(t, "ledger", "forget", "--state-dir", dir); err == nil {
		t.Error("forget without ids should fail")
	}
}

func TestLedgerStats(t *testing.T) {
	dir := t.TempDir()
	seedLedger(t, dir)
	reports := filepath.Join(t.TempDir(), "reports")

	out, err := execute(t, "ledger", "stats", "--state-dir", dir, "-o", reports)
	if err != nil {
		t.Fatalf("ledger stats error = %v", err)
	}
	for _, want := range []string{"Ledger holds 4 message(s)", "1. summarized (2)", "2024-11-05 (2)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	data, err := os.ReadFile(filepath.Join(reports, "ledger_outcome.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.HasPrefix(string(data), "Value,Count\nsummarized,2\n") {
		t.Errorf("csv = %q", data)
	}
}

func TestLedgerCorruptFileWarns(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "processed.jsonl"), []byte("{not json\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	out, err := execute(t, "ledger", "list", "--state-dir", dir)
	if err != nil {
		t.Fatalf("ledger list error = %v", err)
	}
	if !strings.Contains(out, "warning:") || !strings.Contains(out, "Ledger is empty") {
		t.Errorf("output = %q", out)
	}
}

func TestSecretRejectsUnknownKey(t *testing.T) {
	if _, err := execute(t, "secret", "set", "root-password"); err == nil || !strings.Contains(err.Error(), "unknown secret") {
		t.Fatalf("error = %v", err)
	}
}

func TestReadSecret(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "hunter2\n", want: "hunter2"},
		{in: "hunter2\r\nignored\n", want: "hunter2"},
		{in: "no newline", want: "no newline"},
		{in: "\n", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := readSecret(strings.NewReader(tt.in))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("readSecret(%q) = %q, %v", tt.in, got, err)
		}
	}
}
