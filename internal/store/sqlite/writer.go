// Package sqlite is the durable order ledger and audit log.
//
// order_events is append-only: triggers abort any UPDATE or DELETE, and the
// full ledger is rebuilt by replaying rows in insertion order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"execengine/internal/model"
)

// Config configures the SQLite ledger.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/ledger.db"
}

// Ledger is the append-only order ledger plus the event audit log.
type Ledger struct {
	mu sync.Mutex // serialises writers
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Open opens (or creates) the ledger with WAL mode and schema.
func Open(cfg Config) (*Ledger, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; readers share the one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened ledger at %s", cfg.DBPath)
	return &Ledger{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS order_events (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			seq               INTEGER NOT NULL,
			kind              TEXT    NOT NULL,
			client_request_id TEXT    NOT NULL,
			broker_order_id   TEXT,
			state             TEXT    NOT NULL,
			order_json        TEXT    NOT NULL,
			fill_json         TEXT,
			recorded_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_order_events_crid ON order_events(client_request_id);

		CREATE TRIGGER IF NOT EXISTS order_events_no_update BEFORE UPDATE ON order_events
		BEGIN SELECT RAISE(ABORT, 'order_events is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS order_events_no_delete BEFORE DELETE ON order_events
		BEGIN SELECT RAISE(ABORT, 'order_events is append-only'); END;

		CREATE TABLE IF NOT EXISTS events (
			id      TEXT PRIMARY KEY,
			kind    TEXT    NOT NULL,
			payload TEXT    NOT NULL,
			ts      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, ts);

		CREATE TABLE IF NOT EXISTS fill_records (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument_id   TEXT    NOT NULL,
			quantity        INTEGER NOT NULL,
			price           TEXT    NOT NULL,
			broker_order_id TEXT,
			ts              INTEGER NOT NULL,
			UNIQUE (instrument_id, quantity, price, broker_order_id, ts)
		);
	`)
	return err
}

// Append writes one ledger entry.
func (l *Ledger) Append(ctx context.Context, e model.LedgerEntry) error {
	orderJSON, err := json.Marshal(e.Order)
	if err != nil {
		return fmt.Errorf("sqlite marshal order: %w", err)
	}
	var fillJSON sql.NullString
	if e.Fill != nil {
		b, err := json.Marshal(e.Fill)
		if err != nil {
			return fmt.Errorf("sqlite marshal fill: %w", err)
		}
		fillJSON = sql.NullString{String: string(b), Valid: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO order_events (seq, kind, client_request_id, broker_order_id, state, order_json, fill_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Seq, string(e.Kind), e.Order.ClientRequestID, e.Order.BrokerOrderID, string(e.Order.State),
		string(orderJSON), fillJSON, e.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite append order event: %w", err)
	}
	return nil
}

// Name identifies the ledger as an audit sink.
func (l *Ledger) Name() string { return "sqlite" }

// Record stores an emitted event. Re-recording the same event id is a no-op.
func (l *Ledger) Record(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("sqlite marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, kind, payload, ts) VALUES (?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), string(payload), ev.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert event: %w", err)
	}
	return nil
}

// SaveFillRecord stores a contract-note fill record. Duplicate deliveries
// of the same record are ignored.
func (l *Ledger) SaveFillRecord(ctx context.Context, r model.FillRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fill_records (instrument_id, quantity, price, broker_order_id, ts)
		VALUES (?, ?, ?, ?, ?)
	`, r.InstrumentID, r.Quantity, r.Price.String(), r.BrokerOrderID, r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert fill record: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
