package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dhcgn/mail-digest/model"
)

func benchRecords(n int) []model.ProcessedRecord {
	now := time.Now().UTC()
	records := make([]model.ProcessedRecord, n)
	for i := range records {
		records[i] = model.ProcessedRecord{
			ID:          fmt.Sprintf("msg-%d@example.com", i),
			ProcessedAt: now,
			Outcome:     model.OutcomeSummarized,
		}
	}
	return records
}

// BenchmarkFileLedger_Commit benchmarks committing a typical run's batch on top of existing history
func BenchmarkFileLedger_Commit(b *testing.B) {
	ctx := context.Background()
	ledger, err := NewFileLedger(b.TempDir(), nil)
	if err != nil {
		b.Fatal(err)
	}
	if err := ledger.Commit(ctx, benchRecords(10000)); err != nil {
		b.Fatal(err)
	}
	batch := benchRecords(20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ledger.Commit(ctx, batch); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFileLedger_Load benchmarks the state file loading performance
func BenchmarkFileLedger_Load(b *testing.B) {
	ctx := context.Background()
	dir := b.TempDir()
	ledger, err := NewFileLedger(dir, nil)
	if err != nil {
		b.Fatal(err)
	}
	if err := ledger.Commit(ctx, benchRecords(10000)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reopened, err := NewFileLedger(dir, nil)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := reopened.Load(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSet_Skip benchmarks lookup performance
func BenchmarkSet_Skip(b *testing.B) {
	set := NewSet(benchRecords(1000)...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = set.Skip(fmt.Sprintf("msg-%d@example.com", i%1000), false)
	}
}
