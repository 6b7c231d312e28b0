package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dhcgn/mail-digest/model"
)

const fileLedgerName = "processed.jsonl"

// FileLedger persists processed message records as JSON lines so future runs can skip them.
// Commit rewrites the whole snapshot through a temp file and rename, so a crash
// mid-commit leaves the previous ledger intact.
type FileLedger struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	set     Set
	loaded  bool
	corrupt bool
}

func NewFileLedger(stateDir string, logger *slog.Logger) (*FileLedger, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &FileLedger{
		path:   filepath.Join(stateDir, fileLedgerName),
		logger: logger,
		set:    NewSet(),
	}, nil
}

// Path returns the file backing this ledger.
func (f *FileLedger) Path() string {
	return f.path
}

func (f *FileLedger) Load(ctx context.Context) (Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, err := f.read()
	f.set = set
	f.loaded = true
	f.corrupt = err != nil
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("ledger partly unreadable, keeping readable records", "path", f.path, "records", set.Len(), "err", err)
		}
		return set.merge(nil), model.Wrap(model.ErrLedgerCorrupt, err)
	}
	return set.merge(nil), nil
}

// read returns every decodable record. Undecodable lines are skipped and
// reported together in the returned error.
func (f *FileLedger) read() (Set, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSet(), nil
	}
	if err != nil {
		return NewSet(), fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	var (
		records []model.ProcessedRecord
		bad     []error
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record model.ProcessedRecord
		if err := json.Unmarshal(text, &record); err != nil {
			bad = append(bad, fmt.Errorf("parse state line %d: %w", line, err))
			continue
		}
		if record.ID == "" {
			continue
		}
		if !record.Outcome.Valid() {
			bad = append(bad, fmt.Errorf("state line %d: unknown outcome %q", line, record.Outcome))
			continue
		}
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		bad = append(bad, fmt.Errorf("read state file: %w", err))
	}

	return NewSet(records...), errors.Join(bad...)
}

// preserve copies the current file next to itself before a rewrite drops
// its unreadable lines.
func (f *FileLedger) preserve() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	backup := fmt.Sprintf("%s.corrupt-%s", f.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		if f.logger != nil {
			f.logger.Warn("could not keep a copy of the corrupt ledger", "path", backup, "err", err)
		}
		return
	}
	if f.logger != nil {
		f.logger.Warn("corrupt ledger copied aside", "path", backup)
	}
}

func (f *FileLedger) Commit(ctx context.Context, records []model.ProcessedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.loaded {
		set, err := f.read()
		f.set = set
		f.loaded = true
		f.corrupt = err != nil
	}
	if f.corrupt {
		f.preserve()
	}

	next := f.set.merge(records)
	if err := f.write(next); err != nil {
		return err
	}
	f.set = next
	f.corrupt = false
	return nil
}

func (f *FileLedger) Forget(ctx context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return 0, model.Wrap(model.ErrLedgerCorrupt, err)
	}

	next, removed := current.without(ids)
	if removed == 0 {
		return 0, nil
	}
	if err := f.write(next); err != nil {
		return 0, err
	}
	f.set = next
	f.loaded = true
	return removed, nil
}

func (f *FileLedger) write(set Set) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), fileLedgerName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	writer := bufio.NewWriterSize(tmp, 64*1024)
	for _, record := range set.Records() {
		data, err := json.Marshal(record)
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode state record: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write state record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileLedger) Close() error {
	return nil
}
