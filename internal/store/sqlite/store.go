package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mdrelay/internal/model"
	"mdrelay/internal/store"
)

// Config configures the SQLite tick store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/ticks.db"
}

// Store is a single-connection SQLite tick store. Each UpsertTicks call
// runs in one transaction.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	ensured map[string]bool
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, ensured: make(map[string]bool)}, nil
}

// EnsureTable creates the target table if it does not exist.
func (s *Store) EnsureTable(ctx context.Context, target string) error {
	if err := store.ValidateTarget(target); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[target] {
		return nil
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			market     TEXT    NOT NULL,
			instrument TEXT    NOT NULL,
			ts_start   INTEGER NOT NULL,
			ts_curr    INTEGER NOT NULL,
			open       TEXT,
			high       TEXT,
			low        TEXT,
			close      TEXT,
			amount     TEXT,
			vol        TEXT,
			count      TEXT,
			payload    TEXT    NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (market, instrument, ts_start)
		)`, target))
	if err != nil {
		return fmt.Errorf("sqlite create %s: %w", target, err)
	}
	s.ensured[target] = true
	return nil
}

// UpsertTicks inserts ticks keyed by (market, instrument, ts_start). A row
// that already exists is overwritten with the later tick's values.
func (s *Store) UpsertTicks(ctx context.Context, target string, ticks []model.NormalizedTick) error {
	if len(ticks) == 0 {
		return nil
	}
	if err := s.EnsureTable(ctx, target); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (market, instrument, ts_start, ts_curr, open, high, low, close, amount, vol, count, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market, instrument, ts_start) DO UPDATE SET
			ts_curr    = excluded.ts_curr,
			open       = excluded.open,
			high       = excluded.high,
			low        = excluded.low,
			close      = excluded.close,
			amount     = excluded.amount,
			vol        = excluded.vol,
			count      = excluded.count,
			payload    = excluded.payload,
			updated_at = excluded.updated_at
	`, target))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, t := range ticks {
		r := store.RowFromTick(t)
		_, err := stmt.ExecContext(ctx,
			r.Market, r.Instrument, r.BucketStart.Unix(), r.ObservedAt.UnixMilli(),
			store.DecimalText(r.Open), store.DecimalText(r.High), store.DecimalText(r.Low), store.DecimalText(r.Close),
			store.DecimalText(r.Amount), store.DecimalText(r.Vol), store.DecimalText(r.Count),
			r.Payload, now)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Latest returns the stored row for one bucket. ok is false if absent.
// Used by tests and for inspecting a database offline; the relay only writes.
func (s *Store) Latest(ctx context.Context, target, market, instrument string) (row store.Row, ok bool, err error) {
	if err := store.ValidateTarget(target); err != nil {
		return store.Row{}, false, err
	}

	var tsStart, tsCurr int64
	var open, high, low, closeP, amount, vol, count sql.NullString
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT market, instrument, ts_start, ts_curr, open, high, low, close, amount, vol, count, payload
		FROM %s
		WHERE market = ? AND instrument = ?
		ORDER BY ts_start DESC
		LIMIT 1`, target), market, instrument).
		Scan(&row.Market, &row.Instrument, &tsStart, &tsCurr, &open, &high, &low, &closeP, &amount, &vol, &count, &row.Payload)
	if err == sql.ErrNoRows {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, fmt.Errorf("sqlite latest: %w", err)
	}

	row.BucketStart = time.Unix(tsStart, 0).UTC()
	row.ObservedAt = time.UnixMilli(tsCurr).UTC()
	row.Open = store.ParseDecimalText(open)
	row.High = store.ParseDecimalText(high)
	row.Low = store.ParseDecimalText(low)
	row.Close = store.ParseDecimalText(closeP)
	row.Amount = store.ParseDecimalText(amount)
	row.Vol = store.ParseDecimalText(vol)
	row.Count = store.ParseDecimalText(count)
	return row, true, nil
}

// CountRows returns the number of rows stored for an instrument. Like
// Latest it is a read helper for tests and inspection.
func (s *Store) CountRows(ctx context.Context, target, market, instrument string) (int, error) {
	if err := store.ValidateTarget(target); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE market = ? AND instrument = ?`, target),
		market, instrument,
	).Scan(&n)
	return n, err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
