package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/mail-digest/model"
)

const (
	sqliteLedgerName = "ledger.db"
	ledgerTable      = "processed_messages"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	id           TEXT PRIMARY KEY,
	processed_at TEXT NOT NULL,
	outcome      TEXT NOT NULL
)`

// SQLiteLedger stores the ledger in a local SQLite database. Commit runs in a
// single transaction.
type SQLiteLedger struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	recovered error
}

type ledgerRow struct {
	ID          string `db:"id"`
	ProcessedAt string `db:"processed_at"`
	Outcome     string `db:"outcome"`
}

func NewSQLiteLedger(stateDir string, logger *slog.Logger) (*SQLiteLedger, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return OpenSQLiteLedger(filepath.Join(stateDir, sqliteLedgerName), logger)
}

// OpenSQLiteLedger opens (or creates) the database at dbPath and applies the
// schema. A file that is not a usable ledger database is renamed to
// <dbPath>.corrupt-<timestamp> and a fresh database takes its place; the
// first Load then reports model.ErrLedgerCorrupt.
func OpenSQLiteLedger(dbPath string, logger *slog.Logger) (*SQLiteLedger, error) {
	db, err := openSQLite(dbPath)
	if err == nil {
		return &SQLiteLedger{db: db, path: dbPath, logger: logger}, nil
	}
	if _, statErr := os.Stat(dbPath); statErr != nil {
		return nil, err
	}

	backup, moveErr := moveAside(dbPath)
	if moveErr != nil {
		return nil, fmt.Errorf("%w (moving it aside: %v)", err, moveErr)
	}
	if logger != nil {
		logger.Warn("ledger database unreadable, starting with empty history", "path", dbPath, "movedTo", backup, "err", err)
	}

	db, reopenErr := openSQLite(dbPath)
	if reopenErr != nil {
		return nil, reopenErr
	}
	return &SQLiteLedger{
		db:        db,
		path:      dbPath,
		logger:    logger,
		recovered: fmt.Errorf("%s moved to %s: %w", dbPath, backup, err),
	}, nil
}

func openSQLite(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return db, nil
}

// moveAside renames the database and its WAL side files out of the way.
func moveAside(dbPath string) (string, error) {
	backup := fmt.Sprintf("%s.corrupt-%s", dbPath, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(dbPath, backup); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(dbPath + suffix); err == nil {
			_ = os.Rename(dbPath+suffix, backup+suffix)
		}
	}
	return backup, nil
}

func (s *SQLiteLedger) Load(ctx context.Context) (Set, error) {
	s.mu.Lock()
	recovered := s.recovered
	s.recovered = nil
	s.mu.Unlock()
	if recovered != nil {
		return NewSet(), model.Wrap(model.ErrLedgerCorrupt, recovered)
	}

	query, args, err := sq.Select("id", "processed_at", "outcome").From(ledgerTable).ToSql()
	if err != nil {
		return NewSet(), fmt.Errorf("building ledger query: %w", err)
	}

	var rows []ledgerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return s.degrade(fmt.Errorf("reading ledger: %w", err))
	}

	records := make([]model.ProcessedRecord, 0, len(rows))
	for _, row := range rows {
		processedAt, err := time.Parse(time.RFC3339Nano, row.ProcessedAt)
		if err != nil {
			return s.degrade(fmt.Errorf("ledger row %s: %w", row.ID, err))
		}
		outcome := model.Outcome(row.Outcome)
		if !outcome.Valid() {
			return s.degrade(fmt.Errorf("ledger row %s: unknown outcome %q", row.ID, row.Outcome))
		}
		records = append(records, model.ProcessedRecord{
			ID:          row.ID,
			ProcessedAt: processedAt,
			Outcome:     outcome,
		})
	}

	return NewSet(records...), nil
}

func (s *SQLiteLedger) degrade(err error) (Set, error) {
	if s.logger != nil {
		s.logger.Warn("ledger unreadable, starting with empty history", "path", s.path, "err", err)
	}
	return NewSet(), model.Wrap(model.ErrLedgerCorrupt, err)
}

func (s *SQLiteLedger) Commit(ctx context.Context, records []model.ProcessedRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		query, args, err := sq.Insert(ledgerTable).
			Columns("id", "processed_at", "outcome").
			Values(rec.ID, rec.ProcessedAt.UTC().Format(time.RFC3339Nano), string(rec.Outcome)).
			Suffix("ON CONFLICT(id) DO UPDATE SET processed_at = excluded.processed_at, outcome = excluded.outcome").
			ToSql()
		if err != nil {
			return fmt.Errorf("building upsert for %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upserting ledger record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) Forget(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sq.Delete(ledgerTable).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting ledger records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted records: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}
